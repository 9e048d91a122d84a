// Package codec defines the marshal/unmarshal seam between the SDK and the
// CBOR wire format, so tests and alternative engines can substitute their
// own implementation.
package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is both a Marshaler and an Unmarshaler.
type Codec interface {
	Marshaler
	Unmarshaler
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// New returns the default CBOR codec. Times are encoded as RFC 3339 strings
// and decoded back into time.Time even through interface{} values.
func New() Codec {
	encOpts := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, TimeTag: cbor.EncTagRequired}
	decOpts := cbor.DecOptions{DefaultMapType: nil}
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) Unmarshal(data []byte, dst any) error {
	return c.dec.Unmarshal(data, dst)
}

func (c *cborCodec) NewEncoder(w io.Writer) Encoder {
	return c.enc.NewEncoder(w)
}

func (c *cborCodec) NewDecoder(r io.Reader) Decoder {
	return c.dec.NewDecoder(r)
}
