package spandb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spandb/spandb.go/pkg/protocol"
)

func TestStatementParamTypeInference(t *testing.T) {
	stmt := NewStatement("SELECT * FROM users WHERE id = @id AND name = @name")
	stmt.AddParam("id", int64(7))
	stmt.AddParam("name", "alice")
	stmt.AddParam("score", 1.5)
	stmt.AddParam("active", true)
	stmt.AddParam("blob", []byte{1})
	stmt.AddParam("at", time.Now())
	stmt.AddParam("anything", map[string]any{"k": "v"})

	assert.Equal(t, "INT64", stmt.ParamTypes["id"])
	assert.Equal(t, "STRING", stmt.ParamTypes["name"])
	assert.Equal(t, "FLOAT64", stmt.ParamTypes["score"])
	assert.Equal(t, "BOOL", stmt.ParamTypes["active"])
	assert.Equal(t, "BYTES", stmt.ParamTypes["blob"])
	assert.Equal(t, "TIMESTAMP", stmt.ParamTypes["at"])
	_, ok := stmt.ParamTypes["anything"]
	assert.False(t, ok)
	assert.Len(t, stmt.Params, 7)
}

func TestKeySetUnion(t *testing.T) {
	ks := Union(
		Keys(Key{int64(1)}, Key{int64(2)}),
		Ranges(KeyRange{Start: Key{int64(5)}, End: Key{int64(9)}, Kind: protocol.ClosedOpen}),
	)
	p := ks.toProto()
	assert.Len(t, p.Keys, 2)
	assert.Len(t, p.Ranges, 1)
	assert.False(t, p.All)

	all := Union(Keys(Key{int64(1)}), AllKeys())
	assert.True(t, all.toProto().All)
}

func TestTimestampBoundWireForm(t *testing.T) {
	strongOpts := StrongRead().readOnlyOptions(true)
	assert.True(t, strongOpts.Strong)
	assert.True(t, strongOpts.ReturnReadTimestamp)

	stale := ExactStaleness(10 * time.Second).readOnlyOptions(false)
	assert.False(t, stale.Strong)
	assert.Equal(t, 10*time.Second, *stale.ExactStaleness)

	at := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	exact := ReadTimestamp(at).readOnlyOptions(false)
	assert.Equal(t, at, *exact.ReadTimestamp)

	min := MinReadTimestamp(at).readOnlyOptions(false)
	assert.Equal(t, at, *min.MinReadTimestamp)

	max := MaxStaleness(time.Minute).readOnlyOptions(false)
	assert.Equal(t, time.Minute, *max.MaxStaleness)
}

func TestMutationWireForm(t *testing.T) {
	m := Insert("users", []string{"id", "name"}, []any{int64(1), "alice"})
	assert.Equal(t, protocol.OpInsert, m.proto.Op)
	assert.Equal(t, [][]any{{int64(1), "alice"}}, m.proto.Values)

	d := Delete("users", AllKeys())
	assert.Equal(t, protocol.OpDelete, d.proto.Op)
	assert.True(t, d.proto.KeySet.All)
	assert.Empty(t, d.proto.Values)
}
