package codec

import (
	"encoding/binary"
	"errors"
	"lavos-rpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: truncated message")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	opLen(2) op | payloadLen(4) payload | errLen(2) err | codeLen(1) code
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.Operation) > 0xFFFF || len(msg.Error) > 0xFFFF || len(msg.Code) > 0xFF {
		return nil, errors.New("BinaryCodec: field too long")
	}
	total := 2 + len(msg.Operation) + 4 + len(msg.Payload) + 2 + len(msg.Error) + 1 + len(msg.Code)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Operation)))
	offset += 2
	offset += copy(buf[offset:], msg.Operation)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Error)))
	offset += 2
	offset += copy(buf[offset:], msg.Error)

	buf[offset] = byte(len(msg.Code))
	offset++
	copy(buf[offset:], msg.Code)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	r := reader{data: data}
	msg.Operation = string(r.next(int(r.uint16())))
	msg.Payload = append([]byte(nil), r.next(int(r.uint32()))...)
	msg.Error = string(r.next(int(r.uint16())))
	msg.Code = string(r.next(int(r.byte())))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and records the first out-of-range read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}
