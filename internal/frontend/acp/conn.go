// Package acp serves conversations to editor clients over newline-delimited
// JSON-RPC 2.0, on stdio or a websocket.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const outboundBuffer = 64

// ErrConnClosed is returned for calls on a connection that has shut down.
var ErrConnClosed = errors.New("acp: connection closed")

// RPCError is a JSON-RPC error object. Handlers return it to pick the code.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// message is any JSON-RPC frame. Requests carry Method and ID, notifications
// only Method, responses only ID.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Handler serves inbound traffic. HandleRequest runs on its own goroutine;
// HandleNotification runs on the read loop and must not block.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Conn is one JSON-RPC peer connection.
type Conn struct {
	transport Transport
	handler   Handler
	logger    *zap.Logger

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan message
}

// NewConn wraps transport. Call Run to start serving.
func NewConn(transport Transport, handler Handler, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		transport: transport,
		handler:   handler,
		logger:    logger,
		out:       make(chan []byte, outboundBuffer),
		closed:    make(chan struct{}),
		pending:   make(map[string]chan message),
	}
}

// Run reads and writes until the peer disconnects or ctx ends. In-flight
// request handlers see their context cancelled and are waited for.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer c.shutdown()
		return c.readLoop(gctx, g)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		// Unblocks a read loop parked in the transport.
		<-gctx.Done()
		c.shutdown()
		return c.transport.Close()
	})

	err := g.Wait()
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.send(message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Call sends a request and decodes the response into result.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	c.mu.Lock()
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(message{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: raw}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Debug("acp read ended", zap.Error(err))
			return ErrConnClosed
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("acp malformed message", zap.Error(err))
			_ = c.send(message{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			g.Go(func() error {
				c.serve(ctx, msg)
				return nil
			})
		case msg.Method != "":
			c.handler.HandleNotification(ctx, msg.Method, msg.Params)
		case len(msg.ID) > 0:
			c.deliver(msg)
		default:
			_ = c.send(message{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}})
		}
	}
}

func (c *Conn) serve(ctx context.Context, req message) {
	resp := message{JSONRPC: "2.0", ID: req.ID}
	result, err := c.handler.HandleRequest(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	if err := c.send(resp); err != nil {
		c.logger.Debug("acp response dropped", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *Conn) deliver(resp message) {
	var key string
	var num int64
	if err := json.Unmarshal(resp.ID, &num); err == nil {
		key = strconv.FormatInt(num, 10)
	} else {
		key = string(resp.ID)
	}

	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("acp response for unknown request", zap.ByteString("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.out:
			if err := c.transport.WriteMessage(data); err != nil {
				return fmt.Errorf("acp write: %w", err)
			}
		}
	}
}

func (c *Conn) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}
