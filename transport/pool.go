package transport

import (
	"context"
	"fmt"
	"lavos-rpc/codec"
	"net"
	"sync"
	"time"
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Pool keeps a fixed number of multiplexed transports to one gateway address.
// Transports are dialed lazily and replaced when they break; calls spread across the
// slots round-robin.
type Pool struct {
	addr      string
	codec     codec.CodecType
	heartbeat time.Duration
	dial      DialFunc

	mu     sync.Mutex
	slots  []*ClientTransport
	next   int
	closed bool
}

// NewPool creates a pool with size slots. Nothing is dialed until the first Get.
func NewPool(addr string, size int, codecType codec.CodecType, heartbeat time.Duration, dial DialFunc) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		addr:      addr,
		codec:     codecType,
		heartbeat: heartbeat,
		dial:      dial,
		slots:     make([]*ClientTransport, size),
	}
}

// Get returns a healthy transport, dialing a replacement if the chosen slot is empty
// or broken.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("network: pool for %s closed", p.addr)
	}

	i := p.next
	p.next = (p.next + 1) % len(p.slots)
	if t := p.slots[i]; t != nil && t.Healthy() {
		return t, nil
	}

	conn, err := p.dial(ctx, p.addr)
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.codec, p.heartbeat)
	p.slots[i] = t
	return t, nil
}

// Close shuts every transport down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for i, t := range p.slots {
		if t != nil {
			t.Close()
		}
		p.slots[i] = nil
	}
	return nil
}

// TCPDialer returns a DialFunc using net.Dialer with the given timeout.
func TCPDialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}
