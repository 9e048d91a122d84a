// Package session maintains the pool of server-side sessions. Sessions are
// expensive to create, so they are created in batches, reused across
// transactions, and kept alive by a background health check.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/protocol"
	"github.com/spandb/spandb.go/pkg/status"
)

// handle is the pool's record of one server-side session. Timestamp fields
// are guarded by mu; while the session is leased out only the lease holder
// touches them, while it sits idle only the health check does.
type handle struct {
	session protocol.Session

	mu            sync.Mutex
	valid         bool
	deleted       bool
	createdAt     time.Time
	lastUsedAt    time.Time
	lastCheckedAt time.Time
	lastPongAt    time.Time
}

func newHandle(s protocol.Session, now time.Time) *handle {
	return &handle{
		session:    s,
		valid:      true,
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (h *handle) name() string { return h.session.Name }

func (h *handle) isValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.valid
}

func (h *handle) markUsed(now time.Time) {
	h.mu.Lock()
	h.lastUsedAt = now
	h.mu.Unlock()
}

func (h *handle) markPong(now time.Time) {
	h.mu.Lock()
	h.lastPongAt = now
	h.mu.Unlock()
}

func (h *handle) markChecked(now time.Time) {
	h.mu.Lock()
	h.lastCheckedAt = now
	h.mu.Unlock()
}

func (h *handle) checkedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCheckedAt
}

func (h *handle) idleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsedAt
}

// aliveUntrustedAfter returns the instant from which the session can no
// longer be assumed alive without a ping.
func (h *handle) aliveUntrustedAfter(trust time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	last := h.lastUsedAt
	if h.lastPongAt.After(last) {
		last = h.lastPongAt
	}
	return last.Add(trust)
}

// invalidate marks the handle unusable. When deleted is set the server
// already dropped the session, so no delete RPC is owed for it.
func (h *handle) invalidate(deleted bool) {
	h.mu.Lock()
	h.valid = false
	if deleted {
		h.deleted = true
	}
	h.mu.Unlock()
}

func (h *handle) isDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleted
}

// ManagedSession is a lease on one pooled session. It must be released
// exactly once; Release is idempotent.
type ManagedSession struct {
	pool *Pool
	h    *handle

	mu       sync.Mutex
	released bool
}

// Name returns the server-side session name to put in RPC requests.
func (ms *ManagedSession) Name() string { return ms.h.name() }

// Client returns the RPC client the session's requests should go through.
func (ms *ManagedSession) Client() *connection.Client { return ms.pool.client }

// MarkUsed records that the session just carried an RPC.
func (ms *ManagedSession) MarkUsed() { ms.h.markUsed(time.Now()) }

// InvalidateIfNeeded inspects an RPC error and, when the server reports the
// session gone, marks the lease invalid so the pool discards it on release.
// It returns err unchanged for convenience.
func (ms *ManagedSession) InvalidateIfNeeded(err error) error {
	if status.IsSessionNotFound(err) {
		ms.h.invalidate(true)
	}
	return err
}

// Invalid reports whether the session has been invalidated.
func (ms *ManagedSession) Invalid() bool { return !ms.h.isValid() }

// Release returns the session to the pool. Invalid sessions are discarded
// instead of requeued.
func (ms *ManagedSession) Release() {
	ms.mu.Lock()
	if ms.released {
		ms.mu.Unlock()
		return
	}
	ms.released = true
	ms.mu.Unlock()

	ms.pool.recycle(ms.h)
}

// ping verifies a session is still alive on the server.
func ping(ctx context.Context, client *connection.Client, name string) error {
	_, err := client.ExecuteSQL(ctx, &protocol.ExecuteSQLRequest{
		Session: name,
		SQL:     "SELECT 1",
	})
	return err
}
