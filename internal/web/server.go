// Package web exposes the node's state over a small JSON API on the LAN, so
// squad members' browsers (or a kiosk at camp) can read chat, peers and pins
// without running the TUI.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/surfhero25/festivair-sub001/internal/node"
	"github.com/surfhero25/festivair-sub001/internal/presence"
	"github.com/surfhero25/festivair-sub001/internal/store"
	"gorm.io/gorm"
)

// Node is the surface the API needs from the running mesh node.
type Node interface {
	Status() node.Status
	Peers() []presence.Peer
	PublishChat(text string) (store.ChatMessage, error)
	Sampler() *node.DeviceSampler
}

// Server hosts the JSON API.
type Server struct {
	db   *gorm.DB
	node Node
	port int
	log  *slog.Logger
}

// NewServer creates a web server bound to the node and its store.
func NewServer(db *gorm.DB, n Node, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{db: db, node: n, port: port, log: log}
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("web server starting", "port", s.port)
	return srv.ListenAndServe()
}

// Handler builds the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/pins", s.handlePins)
	mux.HandleFunc("/api/device", s.handleDevice)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.node.Status()
	writeJSON(w, map[string]any{
		"peer_id":      status.SelfID,
		"nick":         status.Nick,
		"squad_id":     status.SquadID,
		"is_gateway":   status.Election.IsGateway,
		"gateway_id":   status.Election.GatewayID,
		"state":        status.Election.State,
		"epoch":        status.Election.Epoch,
		"queue_len":    status.QueueLen,
		"peers_online": status.PeersOnline,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.Peers())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handlePostMessage(w, r)
		return
	}

	msgs, err := store.GetChatMessages(s.db, s.node.Status().SquadID, 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Newest-first from the store; the UI wants chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	writeJSON(w, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	msg, err := s.node.PublishChat(req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, msg)
}

func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	pins, err := store.GetActivePins(s.db, time.Now().Unix())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, pins)
}

// handleDevice lets platform glue feed fresh radio/battery readings into the
// sampler that drives heartbeats and gateway candidacy.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SignalStrength int  `json:"signal_strength"`
		BatteryLevel   int  `json:"battery_level"`
		HasInternet    bool `json:"has_internet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.node.Sampler().Update(req.SignalStrength, req.BatteryLevel, req.HasInternet)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
