package syncproto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype under which the JSON codec is
// negotiated ("application/grpc+json" on the wire).
const CodecName = "json"

// jsonCodec implements encoding.Codec by marshaling with the standard
// library's encoding/json, since no generated protobuf type exists for
// syncproto.Message.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                      { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
