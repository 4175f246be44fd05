// Package server implements the procedure gateway that ClientTransport talks to.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → procedure → Codec.Encode → write response
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"lavos-rpc/codec"
	"lavos-rpc/message"
	"lavos-rpc/middleware"
	"lavos-rpc/protocol"
	"lavos-rpc/registry"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultServiceName is the registry name gateways register under.
const DefaultServiceName = "gateway"

// Server serves named procedures over the frame protocol.
type Server struct {
	mu         sync.RWMutex
	procedures map[string]ProcedureFunc

	listener      net.Listener
	ready         chan struct{}
	wg            sync.WaitGroup // in-flight requests, for graceful shutdown
	shutdown      atomic.Bool    // suppresses the Accept error caused by Shutdown
	connMu        sync.Mutex     // guards conns, and wg.Add against Shutdown's Wait
	conns         map[net.Conn]struct{}
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc
	registry      registry.Registry // nil when not using discovery
	advertiseAddr string            // routable address put in the registry

	ctx    context.Context // parent of every request, cancelled when Shutdown gives up
	cancel context.CancelFunc

	serviceName string
	timeout     time.Duration
	ttl         int64
	logger      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithServiceName sets the name registered in the registry.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// WithProcedureTimeout bounds every procedure call; 0 disables the bound.
func WithProcedureTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLeaseTTL sets the registry lease TTL in seconds.
func WithLeaseTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// NewServer creates a server with no procedures.
func NewServer(opts ...Option) *Server {
	s := &Server{
		procedures:  make(map[string]ProcedureFunc),
		conns:       make(map[net.Conn]struct{}),
		ready:       make(chan struct{}),
		serviceName: DefaultServiceName,
		ttl:         10,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register makes fn callable as name.
func (svr *Server) Register(name string, fn ProcedureFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("server: procedure name and func are required")
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.procedures[name]; dup {
		return fmt.Errorf("server: procedure %q already registered", name)
	}
	svr.procedures[name] = fn
	return nil
}

// Use registers a middleware. Middlewares apply in the order they are added, before
// the procedure timeout.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address, registers with reg (if not nil) under advertiseAddr and
// runs the Accept loop until Shutdown.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}

	// Build the chain once: user middlewares → timeout race → panic guard → procedure.
	mws := append([]middleware.Middleware{}, svr.middlewares...)
	mws = append(mws, middleware.TimeOutMiddleware(), middleware.Recover())
	svr.handler = middleware.Chain(mws...)(svr.dispatch)

	svr.connMu.Lock()
	if svr.shutdown.Load() {
		svr.connMu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.connMu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(svr.ctx, 5*time.Second)
		err := reg.Register(ctx, svr.serviceName, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, svr.ttl)
		cancel()
		if err != nil {
			listener.Close()
			return fmt.Errorf("register %s: %w", svr.serviceName, err)
		}
	}

	svr.logger.Info("gateway listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", advertiseAddr))
	close(svr.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Ready is closed once Serve is accepting connections.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr returns the listen address; valid after Ready.
func (svr *Server) Addr() net.Addr {
	return svr.listener.Addr()
}

// handleConn reads frames sequentially and dispatches each request to its own
// goroutine. Responses share a per-connection write lock so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	if !svr.trackConn(conn) {
		conn.Close()
		return
	}
	defer svr.untrackConn(conn)

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue // heartbeat
		}
		if !svr.startRequest() {
			return
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) trackConn(conn net.Conn) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrackConn(conn net.Conn) {
	svr.connMu.Lock()
	delete(svr.conns, conn)
	svr.connMu.Unlock()
	conn.Close()
}

// startRequest counts a request in wg unless Shutdown already began; Shutdown sets the
// flag under the same lock before it waits, so no Add can race its Wait.
func (svr *Server) startRequest() bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var msg message.RPCMessage
	var out *message.CallOutcome
	if err := c.Decode(body, &msg); err != nil {
		out = &message.CallOutcome{Error: message.NewError("PGRST102", "invalid request body: "+err.Error())}
	} else if params, err := decodeParams(msg.Payload); err != nil {
		out = &message.CallOutcome{Error: message.NewError("PGRST102", "invalid parameters: "+err.Error())}
	} else {
		out = svr.handler(svr.ctx, &message.CallRequest{
			Operation: msg.Operation,
			Params:    params,
			Timeout:   svr.timeout,
		})
	}

	reply := &message.RPCMessage{Operation: msg.Operation}
	if out.Error != nil {
		reply.Error, reply.Code = out.Error.Message, out.Error.Code
	} else {
		reply.Payload = out.Data
	}

	result, err := c.Encode(reply)
	if err != nil {
		svr.logger.Error("encode reply", zap.String("operation", msg.Operation), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // same seq as the request, for the caller's pending map
		BodyLen:   uint32(len(result)),
	}
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Warn("write reply", zap.String("operation", msg.Operation), zap.Error(err))
	}
}

// decodeParams keeps numbers as json.Number so integers survive untouched.
func decodeParams(payload []byte) (map[string]any, error) {
	params := map[string]any{}
	if len(payload) == 0 || string(payload) == "null" {
		return params, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

// dispatch is the innermost handler: look up the procedure, call it, encode its result.
func (svr *Server) dispatch(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
	svr.mu.RLock()
	fn, ok := svr.procedures[req.Operation]
	svr.mu.RUnlock()
	if !ok {
		return &message.CallOutcome{Error: message.NewError(CodeNotFound, fmt.Sprintf("Could not find the function %s", req.Operation))}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return message.Failure(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return message.Failure(fmt.Errorf("encode result of %s: %w", req.Operation, err))
	}
	return message.Success(data)
}

// Shutdown stops the gateway:
//  1. deregister (clients stop routing here)
//  2. set the shutdown flag, then close the listener
//  3. wait for in-flight requests, cancelling them if timeout passes first
//  4. close every remaining connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.connMu.Lock()
	reg, advertiseAddr := svr.registry, svr.advertiseAddr
	svr.connMu.Unlock()
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, svr.serviceName, advertiseAddr); err != nil {
			svr.logger.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	// The flag must be set before Close, or Serve would report the Accept error.
	svr.connMu.Lock()
	svr.shutdown.Store(true)
	listener := svr.listener
	svr.connMu.Unlock()
	if listener != nil {
		listener.Close()
	}
	defer svr.closeConns()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.cancel()
		return nil
	case <-time.After(timeout):
		svr.cancel()
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

func (svr *Server) closeConns() {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	for conn := range svr.conns {
		conn.Close()
		delete(svr.conns, conn)
	}
}
