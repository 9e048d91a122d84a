package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/spandb/spandb.go/internal/rand"
	"github.com/spandb/spandb.go/pkg/auth"
)

// DefaultDialer is the gorilla dialer used by WebSocketConnection, with
// compression enabled and the cbor subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type wsState int

const (
	statePending wsState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// WebSocketConnection multiplexes RPC frames over a single WebSocket. A
// background read loop routes each inbound frame to the channel registered
// for its request ID.
type WebSocketConnection struct {
	Toolkit

	Conn *gorilla.Conn
	// connLock guards writes to Conn, which gorilla requires to be
	// serialized. It is not held across the dial.
	connLock sync.Mutex

	stateLock sync.RWMutex
	state     wsState

	// Timeout bounds one unary round trip. Zero disables the wrapper and
	// leaves deadlines entirely to the caller's context.
	Timeout time.Duration

	tokenSource auth.TokenSource

	// connCloseCh is closed when the connection shuts down, releasing every
	// goroutine blocked in Call or Stream.Recv.
	connCloseCh    chan struct{}
	connCloseError error
}

// NewWebSocketConnection returns an unconnected connection. Call Connect
// before use.
func NewWebSocketConnection(cfg *Config) (*WebSocketConnection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &WebSocketConnection{
		Toolkit:     newToolkit(cfg),
		Timeout:     timeout,
		tokenSource: cfg.TokenSource,
		state:       statePending,
	}, nil
}

func (ws *WebSocketConnection) Connect(ctx context.Context) error {
	if err := ws.transitionToConnecting(); err != nil {
		return err
	}

	if err := ws.connect(ctx); err != nil {
		ws.setState(stateDisconnected)
		ws.Logger.Error("websocket connect failed", "url", ws.BaseURL, "error", err)
		return err
	}

	ws.setState(stateConnected)
	ws.Logger.Debug("websocket connected", "url", ws.BaseURL)
	return nil
}

// IsClosed reports whether the connection has disconnected, either by Close
// or by a transport error.
func (ws *WebSocketConnection) IsClosed() bool {
	ws.stateLock.RLock()
	defer ws.stateLock.RUnlock()
	return ws.state == stateDisconnected
}

func (ws *WebSocketConnection) setState(s wsState) {
	ws.stateLock.Lock()
	ws.state = s
	ws.stateLock.Unlock()
}

func (ws *WebSocketConnection) transitionToConnecting() error {
	ws.stateLock.Lock()
	defer ws.stateLock.Unlock()

	switch ws.state {
	case stateConnected:
		return ErrAlreadyOpen
	case stateConnecting:
		return errors.New("connection: connect already in progress")
	case statePending, stateDisconnected:
	default:
		ws.Logger.Warn("BUG: websocket in unexpected state on connect", "state", ws.state)
	}
	ws.state = stateConnecting
	return nil
}

func (ws *WebSocketConnection) connect(ctx context.Context) error {
	header := http.Header{}
	if ws.tokenSource != nil {
		token, err := ws.tokenSource.Token(ctx)
		if err != nil {
			return fmt.Errorf("connection: fetch token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", ws.BaseURL), header)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	ws.Conn = conn
	ws.connCloseCh = make(chan struct{})
	ws.connCloseError = ErrClosed

	go ws.readLoop(conn, ws.connCloseCh)

	return nil
}

// Close writes a close frame and tears the connection down. Requests that
// are still in flight fail with ErrClosed.
func (ws *WebSocketConnection) Close(ctx context.Context) error {
	ws.stateLock.Lock()
	if ws.state != stateConnected {
		ws.stateLock.Unlock()
		return ErrNotConnected
	}
	ws.state = stateDisconnecting
	ws.stateLock.Unlock()

	defer ws.setState(stateDisconnected)

	ws.signalClose()

	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	conn := ws.Conn
	ws.Conn = nil

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")); err != nil {
		ws.Logger.Debug("close frame write failed", "error", err)
	}

	return conn.Close()
}

// Call performs a unary RPC and decodes the response payload into result.
func (ws *WebSocketConnection) Call(ctx context.Context, method string, params, result any) error {
	if ws.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.Timeout)
		defer cancel()
	}

	closeCh := ws.closeChannel()
	select {
	case <-closeCh:
		return ws.connCloseError
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id := rand.NewRequestID(requestIDLength)
	responseChan, err := ws.createResponseChannel(id, 1)
	if err != nil {
		return err
	}
	defer ws.removeResponseChannel(id)

	if err := ws.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closeCh:
		return ws.connCloseError
	case res := <-responseChan:
		if res.Error != nil {
			return res.Error
		}
		if result == nil || len(res.Result) == 0 {
			return nil
		}
		return ws.Unmarshaler.Unmarshal(res.Result, result)
	}
}

// CallStream starts a streaming RPC. The caller owns the returned stream
// and must drain it to io.EOF or close it.
func (ws *WebSocketConnection) CallStream(ctx context.Context, method string, params any) (*Stream, error) {
	closeCh := ws.closeChannel()
	select {
	case <-closeCh:
		return nil, ws.connCloseError
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	id := rand.NewRequestID(requestIDLength)
	responseChan, err := ws.createResponseChannel(id, streamBufferSize)
	if err != nil {
		return nil, err
	}

	if err := ws.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		ws.removeResponseChannel(id)
		return nil, err
	}

	return &Stream{conn: ws, id: id, ch: responseChan, closeCh: closeCh}, nil
}

// signalClose closes connCloseCh exactly once.
func (ws *WebSocketConnection) signalClose() {
	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	select {
	case <-ws.connCloseCh:
	default:
		close(ws.connCloseCh)
	}
}

func (ws *WebSocketConnection) closeChannel() chan struct{} {
	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	return ws.connCloseCh
}

func (ws *WebSocketConnection) write(v any) error {
	data, err := ws.Marshaler.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.Conn == nil {
		if ws.connCloseError != nil {
			return ws.connCloseError
		}
		return ErrNotConnected
	}
	return ws.Conn.WriteMessage(gorilla.BinaryMessage, data)
}

// readLoop owns its conn and close-channel references; Close nils ws.Conn
// concurrently and a reconnect replaces both fields.
func (ws *WebSocketConnection) readLoop(conn *gorilla.Conn, closeCh chan struct{}) {
	for {
		select {
		case <-closeCh:
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ws.handleReadError(err) {
					ws.setState(stateDisconnected)
					return
				}
				continue
			}
			// Dispatch inline so frames of one stream stay ordered.
			ws.handleResponse(data, closeCh)
		}
	}
}

// handleReadError reports whether the read loop should exit.
func (ws *WebSocketConnection) handleReadError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) || gorilla.IsUnexpectedCloseError(err) {
		ws.connCloseError = fmt.Errorf("%w: %v", ErrClosed, err)
		ws.Logger.Error("websocket connection lost", "error", err)
		ws.setState(stateDisconnected)
		ws.signalClose()
		return true
	}
	ws.Logger.Error("websocket read failed", "error", err)
	return false
}

func (ws *WebSocketConnection) handleResponse(data []byte, closeCh chan struct{}) {
	var res RPCResponse
	if err := ws.Unmarshaler.Unmarshal(data, &res); err != nil {
		ws.Logger.Error("dropping undecodable frame", "error", err)
		return
	}

	ch, ok := ws.getResponseChannel(res.ID)
	if !ok {
		// Late frame for an abandoned request.
		ws.Logger.Debug("no receiver for frame", "id", res.ID)
		return
	}

	select {
	case ch <- res:
	case <-closeCh:
	}
}
