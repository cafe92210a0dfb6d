// Package webserver streams supervisor lifecycle events to monitoring
// clients over websocket. Read-only observability; rendering is left to
// the client.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/arbor/internal/debug"
	"github.com/agusx1211/arbor/internal/events"
)

// Server fans supervisor events out to websocket clients.
type Server struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	httpSrv  *http.Server
	listener net.Listener
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// wsEnvelope is the JSON frame sent to monitor clients.
type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// New creates a Server.
func New() *Server {
	return &Server{clients: make(map[*client]struct{})}
}

// Listen binds addr and serves /ws until Shutdown. It returns the bound
// address (useful with ":0").
func (srv *Server) Listen(addr string) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("webserver: listen %s: %w", addr, err)
	}
	srv.listener = ln
	srv.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := srv.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			debug.LogKV("webserver", "serve ended", "error", err)
		}
	}()

	debug.LogKV("webserver", "listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Shutdown stops the server and disconnects all clients.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	for c := range srv.clients {
		c.ws.Close(websocket.StatusGoingAway, "server shutdown")
		delete(srv.clients, c)
	}
	srv.mu.Unlock()

	if srv.httpSrv == nil {
		return nil
	}
	return srv.httpSrv.Shutdown(ctx)
}

// Pump consumes the supervisor event channel and broadcasts every event
// until the channel closes or ctx ends.
func (srv *Server) Pump(ctx context.Context, evs <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			srv.broadcast(ev)
		}
	}
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	c := &client{ws: ws}
	srv.mu.Lock()
	srv.clients[c] = struct{}{}
	srv.mu.Unlock()

	debug.Log("webserver", "monitor client connected")

	// Monitor clients only read; drain their side until disconnect.
	ctx := r.Context()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			break
		}
	}

	srv.mu.Lock()
	delete(srv.clients, c)
	srv.mu.Unlock()
	ws.CloseNow()
}

func (srv *Server) broadcast(ev any) {
	env := toEnvelope(ev)
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	srv.mu.Lock()
	clients := make([]*client, 0, len(srv.clients))
	for c := range srv.clients {
		clients = append(clients, c)
	}
	srv.mu.Unlock()

	for _, c := range clients {
		c.send(data)
	}
}

func (c *client) send(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.ws.CloseNow()
	}
}

func toEnvelope(ev any) wsEnvelope {
	switch ev.(type) {
	case events.WorkerStartedMsg:
		return wsEnvelope{Type: "worker_started", Data: ev}
	case events.WorkerProgressMsg:
		return wsEnvelope{Type: "worker_progress", Data: ev}
	case events.WorkerFinishedMsg:
		return wsEnvelope{Type: "worker_finished", Data: ev}
	case events.UserInputRequestedMsg:
		return wsEnvelope{Type: "user_input_requested", Data: ev}
	case events.UserInputAnsweredMsg:
		return wsEnvelope{Type: "user_input_answered", Data: ev}
	case events.WriterDeadlineExceededMsg:
		return wsEnvelope{Type: "writer_deadline_exceeded", Data: ev}
	default:
		return wsEnvelope{Type: "event", Data: ev}
	}
}
