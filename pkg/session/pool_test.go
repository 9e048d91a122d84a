package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spandb/spandb.go/internal/fakespan"
	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/retry"
	"github.com/spandb/spandb.go/pkg/session"
	"github.com/spandb/spandb.go/pkg/status"
)

func newTestClient(t *testing.T) (*fakespan.Server, *connection.Client) {
	t.Helper()
	srv := fakespan.NewServer(logger.Discard())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	m, err := connection.NewManager(context.Background(), &connection.Config{BaseURL: srv.URL()}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return srv, connection.NewClient(m, retry.Setting{}, logger.Discard())
}

func newTestPool(t *testing.T, client *connection.Client, cfg session.Config) *session.Pool {
	t.Helper()
	pool, err := session.NewPool(client, "db", cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool
}

func smallConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.MinOpened = 0
	cfg.MaxOpened = 2
	cfg.MaxIdle = 2
	cfg.IncStep = 1
	cfg.AcquireTimeout = 2 * time.Second
	return cfg
}

func TestAcquireRelease(t *testing.T) {
	_, client := newTestClient(t)
	pool := newTestPool(t, client, smallConfig())

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, ms.Name())
	assert.Equal(t, 1, pool.NumInUse())

	ms.Release()
	assert.Equal(t, 0, pool.NumInUse())
	assert.Equal(t, 1, pool.NumIdle())
}

func TestReleaseIsIdempotent(t *testing.T) {
	_, client := newTestClient(t)
	pool := newTestPool(t, client, smallConfig())

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	ms.Release()
	ms.Release()
	assert.Equal(t, 0, pool.NumInUse())
	assert.Equal(t, 1, pool.NumIdle())
}

func TestAcquireReusesIdleSession(t *testing.T) {
	_, client := newTestClient(t)
	pool := newTestPool(t, client, smallConfig())

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	name := ms.Name()
	ms.Release()

	ms2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer ms2.Release()
	assert.Equal(t, name, ms2.Name())
}

func TestPoolNeverExceedsMaxOpened(t *testing.T) {
	_, client := newTestClient(t)
	cfg := smallConfig()
	cfg.AcquireTimeout = 200 * time.Millisecond
	pool := newTestPool(t, client, cfg)

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer second.Release()

	assert.Equal(t, 2, pool.NumInUse())

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, session.ErrPoolExhausted)

	// A released session satisfies a blocked acquire.
	done := make(chan error, 1)
	go func() {
		ms, err := pool.Acquire(ctx)
		if err == nil {
			ms.Release()
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	first.Release()
	require.NoError(t, <-done)
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	_, client := newTestClient(t)
	cfg := smallConfig()
	cfg.MaxOpened = 1
	cfg.MaxIdle = 1
	pool := newTestPool(t, client, cfg)

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer ms.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidSessionIsDiscarded(t *testing.T) {
	_, client := newTestClient(t)
	pool := newTestPool(t, client, smallConfig())

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	name := ms.Name()

	ms.InvalidateIfNeeded(status.New(status.NotFound, "Session not found: "+name))
	assert.True(t, ms.Invalid())
	ms.Release()

	assert.Equal(t, 0, pool.NumIdle())

	ms2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer ms2.Release()
	assert.NotEqual(t, name, ms2.Name())
}

func TestInvalidateIgnoresOtherErrors(t *testing.T) {
	_, client := newTestClient(t)
	pool := newTestPool(t, client, smallConfig())

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	ms.InvalidateIfNeeded(status.New(status.Aborted, "aborted"))
	assert.False(t, ms.Invalid())
	ms.Release()
	assert.Equal(t, 1, pool.NumIdle())
}

func TestMinOpenedWarmsPool(t *testing.T) {
	srv, client := newTestClient(t)
	cfg := smallConfig()
	cfg.MinOpened = 2
	pool := newTestPool(t, client, cfg)

	require.Eventually(t, func() bool {
		return pool.NumIdle() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, srv.SessionNames(), 2)
}

func TestBatchCreationLoopsWhenServerReturnsFewer(t *testing.T) {
	srv, client := newTestClient(t)
	srv.SetBatchLimit(1)
	cfg := smallConfig()
	cfg.MinOpened = 2
	pool := newTestPool(t, client, cfg)

	require.Eventually(t, func() bool {
		return pool.NumIdle() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaxOpenedMustFitConnections(t *testing.T) {
	_, client := newTestClient(t)
	cfg := session.DefaultConfig()
	cfg.MaxOpened = 500

	_, err := session.NewPool(client, "db", cfg, logger.Discard())
	require.Error(t, err)
}

func TestCloseDeletesSessions(t *testing.T) {
	srv, client := newTestClient(t)
	pool, err := session.NewPool(client, "db", smallConfig(), logger.Discard())
	require.NoError(t, err)

	ms, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	ms.Release()
	require.Equal(t, 1, pool.NumIdle())

	require.NoError(t, pool.Close(context.Background()))
	assert.Empty(t, srv.SessionNames())

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, session.ErrPoolClosed)
}

func TestHealthCheckReplacesDeadSessions(t *testing.T) {
	srv, client := newTestClient(t)
	cfg := smallConfig()
	cfg.MinOpened = 1
	cfg.AliveTrustDuration = 0
	cfg.RefreshInterval = 50 * time.Millisecond
	pool := newTestPool(t, client, cfg)

	require.Eventually(t, func() bool {
		return pool.NumIdle() == 1
	}, 2*time.Second, 10*time.Millisecond)

	names := srv.SessionNames()
	require.Len(t, names, 1)
	srv.EvictSession(names[0])

	// The ping fails, the dead session is dropped and MinOpened restores it.
	require.Eventually(t, func() bool {
		current := srv.SessionNames()
		return len(current) == 1 && current[0] != names[0] && pool.NumIdle() == 1
	}, 3*time.Second, 20*time.Millisecond)
}
