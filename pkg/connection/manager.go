package connection

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Manager holds a fixed set of connections to one endpoint and hands them
// out round-robin. Sessions are not pinned to a connection; any RPC may use
// any connection.
type Manager struct {
	conns []*WebSocketConnection
	next  atomic.Uint64
}

// NewManager dials num connections with the given config. On any dial
// failure it closes what it opened and returns the error.
func NewManager(ctx context.Context, cfg *Config, num int) (*Manager, error) {
	if num < 1 {
		return nil, errors.New("connection: at least one connection is required")
	}

	m := &Manager{conns: make([]*WebSocketConnection, 0, num)}
	for i := 0; i < num; i++ {
		ws, err := NewWebSocketConnection(cfg)
		if err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
		if err := ws.Connect(ctx); err != nil {
			_ = m.Close(ctx)
			return nil, fmt.Errorf("connection: dial %d of %d: %w", i+1, num, err)
		}
		m.conns = append(m.conns, ws)
	}
	return m, nil
}

// Num returns the number of connections in the pool.
func (m *Manager) Num() int { return len(m.conns) }

// Conn returns the next connection in round-robin order.
func (m *Manager) Conn() Connection {
	n := m.next.Add(1)
	return m.conns[(n-1)%uint64(len(m.conns))]
}

// Close closes every connection, returning the first error seen.
func (m *Manager) Close(ctx context.Context) error {
	var first error
	for _, c := range m.conns {
		if err := c.Close(ctx); err != nil && !errors.Is(err, ErrNotConnected) && first == nil {
			first = err
		}
	}
	return first
}
