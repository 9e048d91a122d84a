// Package connection implements the SpanDB wire protocol: CBOR RPC frames
// multiplexed over WebSocket connections, plus the typed client that the
// session pool and transactions talk to.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spandb/spandb.go/internal/codec"
	"github.com/spandb/spandb.go/pkg/auth"
	"github.com/spandb/spandb.go/pkg/logger"
)

var (
	ErrNoBaseURL    = errors.New("connection: base URL is required")
	ErrIDInUse      = errors.New("connection: request id already in use")
	ErrClosed       = errors.New("connection: closed")
	ErrNotConnected = errors.New("connection: not connected")
	ErrAlreadyOpen  = errors.New("connection: already connected")
)

const (
	// DefaultTimeout bounds a single unary RPC round trip.
	DefaultTimeout = 30 * time.Second

	requestIDLength = 16

	// streamBufferSize is the per-stream frame buffer. The read loop blocks
	// once a consumer falls this far behind, which backpressures the server.
	streamBufferSize = 64
)

// Connection is one bidirectional link to a SpanDB endpoint.
type Connection interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Call performs a unary RPC. When result is non-nil the response payload
	// is decoded into it.
	Call(ctx context.Context, method string, params, result any) error

	// CallStream performs a streaming RPC and returns the inbound stream.
	CallStream(ctx context.Context, method string, params any) (*Stream, error)
}

// Config carries everything needed to dial a connection.
type Config struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	TokenSource auth.TokenSource
	Logger      logger.Logger
	Timeout     time.Duration
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	return nil
}

// Toolkit is the shared plumbing embedded by connection implementations:
// codec, logging and the per-request response channel registry.
type Toolkit struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger

	responseChannels     map[string]chan RPCResponse
	responseChannelsLock sync.RWMutex
}

func newToolkit(cfg *Config) Toolkit {
	m := cfg.Marshaler
	u := cfg.Unmarshaler
	if m == nil || u == nil {
		c := codec.New()
		if m == nil {
			m = c
		}
		if u == nil {
			u = c
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return Toolkit{
		BaseURL:          cfg.BaseURL,
		Marshaler:        m,
		Unmarshaler:      u,
		Logger:           log,
		responseChannels: make(map[string]chan RPCResponse),
	}
}

func (t *Toolkit) createResponseChannel(id string, buffer int) (chan RPCResponse, error) {
	t.responseChannelsLock.Lock()
	defer t.responseChannelsLock.Unlock()

	if _, ok := t.responseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrIDInUse, id)
	}

	ch := make(chan RPCResponse, buffer)
	t.responseChannels[id] = ch
	return ch, nil
}

func (t *Toolkit) getResponseChannel(id string) (chan RPCResponse, bool) {
	t.responseChannelsLock.RLock()
	defer t.responseChannelsLock.RUnlock()
	ch, ok := t.responseChannels[id]
	return ch, ok
}

func (t *Toolkit) removeResponseChannel(id string) {
	t.responseChannelsLock.Lock()
	defer t.responseChannelsLock.Unlock()
	delete(t.responseChannels, id)
}
