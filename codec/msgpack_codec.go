package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes envelopes as MessagePack.
// Smaller than JSON and still schema-less, so both ends only share the struct tags.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
