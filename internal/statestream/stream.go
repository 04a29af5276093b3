// Package statestream pushes engine state to the browser dashboard over a
// websocket, so the onboarding page re-renders without polling.
package statestream

import (
	log "log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"attune/internal/onboarding"
)

// Frame is one JSON message pushed to every connected dashboard page.
type Frame struct {
	SessionID string            `json:"session_id"`
	Phase     string            `json:"phase"`
	Partial   string            `json:"partial,omitempty"`
	Busy      bool              `json:"busy"`
	Error     *FrameError       `json:"error,omitempty"`
	Turns     []onboarding.Turn `json:"turns"`
}

type FrameError struct {
	Code        string `json:"code"`
	Phase       string `json:"phase"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Server broadcasts state frames to websocket subscribers. New subscribers
// immediately receive the latest frame.
type Server struct {
	log      *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    *Frame
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			// The dashboard page is served from a different origin than
			// this daemon.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Publish converts a state snapshot plus the transcript into a frame and
// fans it out. Connections that fail to write are dropped.
func (s *Server) Publish(st onboarding.SessionState, turns []onboarding.Turn) {
	frame := Frame{
		SessionID: st.SessionID,
		Phase:     st.Phase.String(),
		Partial:   st.Partial,
		Busy:      st.Busy,
		Turns:     turns,
	}
	if st.LastErr != nil {
		frame.Error = &FrameError{
			Code:        string(st.LastErr.Code),
			Phase:       st.LastErr.Phase.String(),
			Message:     st.LastErr.Error(),
			Recoverable: st.LastErr.Recoverable(),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &frame
	for conn := range s.clients {
		if err := conn.WriteJSON(frame); err != nil {
			s.log.Debug("Dropping slow subscriber", "err", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// ServeHTTP upgrades the connection and keeps it subscribed until the peer
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	if s.last != nil {
		if err := conn.WriteJSON(*s.last); err != nil {
			conn.Close()
			delete(s.clients, conn)
			s.mu.Unlock()
			return
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	s.log.Info("Dashboard subscribed", "subscribers", n)

	// Reads are only used to detect the peer closing.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
