// Package eventserver exposes a read-only HTTP + WebSocket view onto a
// running Core: a status endpoint and a stream of its core Events; frame
// processing results are not relayed. It never accepts commands, so it carries none of the core's
// locking or mode-dispatch concerns into the network surface.
package eventserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astrocore/internal/core"
)

// StatusSource is the narrow view of Core the status endpoint needs.
type StatusSource interface {
	Status() core.Status
	Subscribe() <-chan core.Event
}

// Server relays Core events to any connected WebSocket client.
type Server struct {
	addr   string
	core   StatusSource
	log    *slog.Logger

	upgrader websocket.Upgrader
	hub      *hub
}

// New returns a Server bound to addr (e.g. ":8090"), relaying c's events.
func New(addr string, c StatusSource, log *slog.Logger) *Server {
	return &Server{
		addr: addr,
		core: c,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newHub(),
	}
}

// Run starts relaying Core events and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run()
	go s.pumpCoreEvents(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	srv := &http.Server{Addr: s.addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("event server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("eventserver: %w", err)
	}
	return nil
}

type statusResponse struct {
	Mode     string `json:"mode"`
	Progress *struct {
		Cur, Total int
	} `json:"progress,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.core.Status()
	resp := statusResponse{Mode: st.ModeType.String(), LastError: st.LastErr}
	if st.Progress != nil {
		resp.Progress = &struct{ Cur, Total int }{Cur: st.Progress.Cur, Total: st.Progress.Total}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// pumpCoreEvents is the sole reader of the core's event subscription; it
// only ever writes into the hub's broadcast channel.
func (s *Server) pumpCoreEvents(ctx context.Context) {
	events := s.core.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(wireEvent{
				Kind:     ev.Kind.String(),
				Message:  ev.Message,
				ModeType: ev.ModeType.String(),
				Progress: ev.Progress,
			})
			if err != nil {
				continue
			}
			s.hub.broadcast <- payload
		}
	}
}

type wireEvent struct {
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
	ModeType string `json:"modeType"`
	Progress any    `json:"progress,omitempty"`
}

// hub fans a broadcast channel out to every registered WebSocket connection,
// the same register/unregister/broadcast shape the teacher's dashboard uses.
type hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	register  chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}
