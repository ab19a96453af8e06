// ABOUTME: JSON gRPC codec for the worker channel protocol.
// ABOUTME: Registered under the "mesh-json" content subtype at package load.

package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype the channel protocol travels under.
const CodecName = "mesh-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals channel messages as JSON. The envelope is a closed
// oneof with opaque payloads, so JSON framing keeps the protocol free of
// generated bindings while staying debuggable on the wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
