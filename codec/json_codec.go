package codec

import (
	"encoding/json"
)

// JSONCodec encodes envelopes with encoding/json.
// Readable on the wire, but the payload is base64 inside the envelope and field names
// repeat on every frame.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
