package connection

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/spandb/spandb.go/pkg/status"
)

// RPCRequest is one outbound frame. Params holds the method's request
// message and is encoded together with the envelope.
type RPCRequest struct {
	ID     string `cbor:"id"`
	Method string `cbor:"method"`
	Params any    `cbor:"params,omitempty"`
}

// RPCResponse is one inbound frame. Unary methods answer with a single
// frame; streaming methods answer with a series of frames sharing the
// request ID, the last one carrying More=false.
type RPCResponse struct {
	ID     string          `cbor:"id"`
	Error  *status.Error   `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
	More   bool            `cbor:"more,omitempty"`
}
