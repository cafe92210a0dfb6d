package webserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/arbor/internal/events"
)

func TestEventBroadcastToClient(t *testing.T) {
	srv := New()
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	// Let the server register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	evs := make(chan any, 1)
	evs <- events.WorkerFinishedMsg{WorkerID: "w1", Status: "completed", ExitCode: 0}
	close(evs)
	srv.Pump(ctx, evs)

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "worker_finished" {
		t.Fatalf("type = %q", env.Type)
	}
	if !strings.Contains(string(env.Data), `"w1"`) {
		t.Fatalf("data = %s", env.Data)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := New()
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown(context.Background())

	resp, err := httpGet("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp != "ok\n" {
		t.Fatalf("body = %q", resp)
	}
}
