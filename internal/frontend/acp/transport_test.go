package acp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStreamTransportFramesLines(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	tr := NewStreamTransport(strings.NewReader("\n  {\"a\":1}  \n\n{\"b\":2}"), &out, nil)

	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := tr.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if string(got) != want {
			t.Fatalf("ReadMessage() = %s, want %s", got, want)
		}
	}
	if _, err := tr.ReadMessage(); err != io.EOF {
		t.Fatalf("ReadMessage() at end error = %v, want EOF", err)
	}

	if err := tr.WriteMessage([]byte(`{"c":3}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if out.String() != "{\"c\":3}\n" {
		t.Fatalf("written = %q", out.String())
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestServeWebsocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeWebsocket(ctx, ln, NewServer(serverConfig(nil))) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}

	req := `{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"protocolVersion":1}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp message
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if string(resp.ID) != "7" || resp.Error != nil || !strings.Contains(string(resp.Result), `"protocolVersion":1`) {
		t.Fatalf("response = %s", data)
	}

	_ = conn.Close()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("ServeWebsocket() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ServeWebsocket did not stop")
	}
}
