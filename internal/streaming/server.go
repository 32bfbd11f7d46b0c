// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming exposes an observer projection over a local
// read-only HTTP+WebSocket transport, for a TUI or other external
// consumer to poll or watch.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/JiwanChung/leaseq/internal/observer"
	"github.com/JiwanChung/leaseq/pkg/logging"
)

// Server serves GET /snapshot (one-shot JSON) and GET /watch (a
// WebSocket that pushes a fresh projection every PollInterval).
type Server struct {
	Root         string
	Nodes        []string
	PollInterval time.Duration
	Logger       logging.Logger

	upgrader websocket.Upgrader
}

// NewServer builds a Server for root, scoped to nodes (empty means every
// node discovered in the lease tree).
func NewServer(root string, nodes []string, pollInterval time.Duration, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{
		Root:         root,
		Nodes:        nodes,
		PollInterval: pollInterval,
		Logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the mux.Router serving this Server's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/watch", s.handleWatch).Methods(http.MethodGet)
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	proj, err := observer.Snapshot(s.Root, s.Nodes)
	if err != nil {
		logging.LogError(s.Logger, err, "snapshot")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(proj); err != nil {
		logging.LogError(s.Logger, err, "encode-snapshot")
	}
}

// watchMessage wraps a pushed projection, matching the envelope shape
// the teacher's streaming transport uses for typed client messages.
type watchMessage struct {
	Type      string               `json:"type"`
	Data      *observer.Projection `json:"data,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Error     string               `json:"error,omitempty"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.LogError(s.Logger, err, "websocket-upgrade")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.drainIncoming(ctx, conn, cancel)
	s.pollLoop(ctx, conn)
}

// drainIncoming discards client messages but notices disconnects,
// mirroring the teacher's handleIncomingMessages loop.
func (s *Server) drainIncoming(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// pollLoop pushes a fresh projection every PollInterval until ctx is
// cancelled, the same ticker-driven shape as the teacher's keepAlive
// and pkg/watch/poller.go pollLoop.
func (s *Server) pollLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	s.pushSnapshot(conn)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.pushSnapshot(conn) {
				return
			}
		}
	}
}

func (s *Server) pushSnapshot(conn *websocket.Conn) bool {
	proj, err := observer.Snapshot(s.Root, s.Nodes)
	if err != nil {
		logging.LogError(s.Logger, err, "watch-snapshot")
		_ = conn.WriteJSON(watchMessage{Type: "error", Error: err.Error(), Timestamp: time.Now()})
		return true
	}

	msg := watchMessage{Type: "snapshot", Data: &proj, Timestamp: time.Now()}
	if err := conn.WriteJSON(msg); err != nil {
		logging.LogError(s.Logger, err, "watch-write")
		return false
	}
	return true
}
