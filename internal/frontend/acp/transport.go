package acp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 8 * 1024 * 1024
	wsWriteWait    = 10 * time.Second
)

// Transport moves whole JSON-RPC messages.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// StreamTransport frames messages as lines on a byte stream.
type StreamTransport struct {
	scanner *bufio.Scanner
	w       io.Writer
	closer  io.Closer

	mu sync.Mutex
}

// NewStreamTransport reads from r and writes to w. closer, if not nil, is
// closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &StreamTransport{scanner: scanner, w: w, closer: closer}
}

func (t *StreamTransport) ReadMessage() ([]byte, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *StreamTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// WebsocketTransport carries one message per text frame.
type WebsocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebsocketTransport wraps an upgraded connection.
func NewWebsocketTransport(conn *websocket.Conn) *WebsocketTransport {
	conn.SetReadLimit(maxMessageSize)
	return &WebsocketTransport{conn: conn}
}

func (t *WebsocketTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *WebsocketTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}

// ServeWebsocket accepts websocket clients on ln until ctx ends. Each client
// gets its own connection on srv.
func ServeWebsocket(ctx context.Context, ln net.Listener, srv *Server) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	var wg sync.WaitGroup
	httpSrv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				srv.logger.Warn("websocket upgrade failed", zap.Error(err))
				return
			}
			wg.Add(1)
			defer wg.Done()
			if err := srv.ServeConn(ctx, NewWebsocketTransport(conn)); err != nil {
				srv.logger.Warn("acp connection ended with error", zap.Error(err))
			}
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	srv.logger.Info("acp listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve acp websocket: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}
