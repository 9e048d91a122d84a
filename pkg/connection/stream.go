package connection

import (
	"context"
	"io"
)

// Stream is the receive side of a streaming RPC. Frames arrive in order;
// the final frame of a stream has More=false. After that frame has been
// delivered, Recv returns io.EOF.
type Stream struct {
	conn    *WebSocketConnection
	id      string
	ch      chan RPCResponse
	closeCh chan struct{}
	done    bool
}

// Recv waits for the next frame and decodes its payload into dest.
// It returns io.EOF once the stream is exhausted, or the server's error if
// the stream failed.
func (s *Stream) Recv(ctx context.Context, dest any) error {
	if s.done {
		return io.EOF
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		s.finish()
		return s.conn.connCloseError
	case res := <-s.ch:
		if res.Error != nil {
			s.finish()
			return res.Error
		}
		if !res.More {
			s.finish()
		}
		if dest == nil || len(res.Result) == 0 {
			return nil
		}
		return s.conn.Unmarshaler.Unmarshal(res.Result, dest)
	}
}

// Close releases the stream's frame channel. Safe to call more than once
// and after Recv returned io.EOF.
func (s *Stream) Close() {
	s.finish()
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.conn.removeResponseChannel(s.id)
}
