// Package transport implements the collaborators that actually reach the backend.
//
// ClientTransport multiplexes concurrent calls over one gateway connection: each request
// gets a sequence ID, and a background goroutine (recvLoop) routes every response to
// the caller waiting on that ID.
//
//	goroutine-1 ──Invoke(seq=1)──┐
//	goroutine-2 ──Invoke(seq=2)──┼──→ single TCP conn ──→ gateway
//	goroutine-3 ──Invoke(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// HTTPTransport and PostgresTransport talk to the backend directly instead.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"lavos-rpc/codec"
	"lavos-rpc/message"
	"lavos-rpc/protocol"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Invoke once the connection is gone.
var ErrClosed = errors.New("network: transport closed")

// ClientTransport manages a single multiplexed gateway connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // whole frames must not interleave on the conn

	closed   atomic.Bool
	closeErr atomic.Value // error that broke the connection
	done     chan struct{}
	once     sync.Once
}

// NewClientTransport starts the receive loop and, if heartbeat > 0, a heartbeat loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Invoke sends one call and waits for its response or for ctx to end.
// Backend failures come back as *message.ErrorInfo; connection failures as plain errors
// whose message marks them as network errors.
func (t *ClientTransport) Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", operation, err)
	}

	seq, ch, err := t.send(&message.RPCMessage{Operation: operation, Payload: payload})
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		out := resp.Outcome()
		if out.Error != nil {
			return nil, out.Error
		}
		return out.Data, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// send frames msg and registers its response channel. The channel is registered before
// the write so recvLoop can never see a response it has no receiver for.
func (t *ClientTransport) send(msg *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	if t.closed.Load() {
		return 0, nil, t.err()
	}

	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	respChan := make(chan *message.RPCMessage, 1) // buffered: recvLoop never blocks on a caller
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.shutdown(err)
		return 0, nil, t.err()
	}
	return seq, respChan, nil
}

// recvLoop is the only reader of the connection; frames must be read sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			resp = message.RPCMessage{Error: "decode response: " + err.Error()}
		}

		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.RPCMessage) <- &resp
		}
	}
}

// shutdown closes the connection once and fails every pending call so nobody waits
// forever.
func (t *ClientTransport) shutdown(cause error) {
	t.once.Do(func() {
		t.closeErr.Store(fmt.Errorf("network: connection lost: %w", cause))
		t.closed.Store(true)
		close(t.done)
		t.conn.Close()

		msg := t.err().Error()
		t.pending.Range(func(key, _ any) bool {
			// LoadAndDelete so a response delivered concurrently by recvLoop wins cleanly.
			if channel, ok := t.pending.LoadAndDelete(key); ok {
				channel.(chan *message.RPCMessage) <- &message.RPCMessage{Error: msg}
			}
			return true
		})
	})
}

func (t *ClientTransport) err() error {
	if e, ok := t.closeErr.Load().(error); ok {
		return e
	}
	return ErrClosed
}

// Healthy reports whether the connection is still usable.
func (t *ClientTransport) Healthy() bool {
	return !t.closed.Load()
}

// Close tears the connection down; pending calls fail with a network error.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrClosed)
	return nil
}

// heartbeatLoop keeps idle connections from being reaped by the gateway or a proxy.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, CodecType: byte(t.codec)}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}
