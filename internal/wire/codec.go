// Package wire holds the messages, frames and gRPC service descriptor
// shared by the draftsync client and server. Messages travel as JSON through
// a gRPC codec registered under the "json" content subtype.
package wire

import (
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the JSON codec
// (application/grpc+json).
const CodecName = "json"

var api = sonic.ConfigStd

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec implements encoding.Codec on top of sonic.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// Marshal encodes v with the wire codec outside of gRPC, e.g. for the
// snapshot cache.
func Marshal(v any) ([]byte, error) { return Codec{}.Marshal(v) }

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte, v any) error { return Codec{}.Unmarshal(data, v) }
