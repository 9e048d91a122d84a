package status

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(NotFound, "Session not found: sessions/abc")
	assert.Equal(t, "spandb: code = NotFound desc = Session not found: sessions/abc", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Aborted, CodeOf(New(Aborted, "aborted")))
	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))
	assert.Equal(t, Unknown, CodeOf(context.Canceled))
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Unavailable, "down"))
	assert.Equal(t, Unavailable, CodeOf(err))
}

func TestFromError(t *testing.T) {
	inner := New(DeadlineExceeded, "too slow")
	got, ok := FromError(fmt.Errorf("wrap: %w", inner))
	require.True(t, ok)
	assert.Equal(t, DeadlineExceeded, got.Code)

	_, ok = FromError(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsSessionNotFound(t *testing.T) {
	assert.True(t, IsSessionNotFound(New(NotFound, "Session not found: sessions/abc")))
	assert.False(t, IsSessionNotFound(New(NotFound, "row not found in table users")))
	assert.False(t, IsSessionNotFound(New(Aborted, "Session not found: sessions/abc")))
	assert.False(t, IsSessionNotFound(nil))
	assert.False(t, IsSessionNotFound(errors.New("Session not found: x")))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "Aborted", Aborted.String())
	assert.Equal(t, "Unavailable", Unavailable.String())
	assert.Equal(t, "Code(99)", Code(99).String())
}
