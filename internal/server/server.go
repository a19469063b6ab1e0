package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"twentyone/internal/session"
	"twentyone/internal/storage"
	"twentyone/internal/table"
)

const (
	defaultRoundsLimit = 20
	maxRoundsLimit     = 100
)

// Options tune the websocket side of the server.
type Options struct {
	OutboxSize    int
	CommandRate   float64 // commands per second per connection
	CommandBurst  int
	DefaultTokens int
}

// Server is the HTTP server.
type Server struct {
	mux      *http.ServeMux
	log      *slog.Logger
	model    *table.Model
	store    *storage.Store
	sessions *session.Manager
	ctrl     *Controller
	opts     Options
	tableID  string
}

// New creates a server with all routes. store may be nil, in which case
// rounds are not recorded and the history routes report 503.
func New(model *table.Model, store *storage.Store, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.CommandRate <= 0 {
		opts.CommandRate = 10
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 20
	}
	if opts.DefaultTokens <= 0 {
		opts.DefaultTokens = 100
	}
	s := &Server{
		mux:      http.NewServeMux(),
		log:      logger,
		model:    model,
		store:    store,
		sessions: session.NewManager(logger),
		opts:     opts,
		tableID:  uuid.NewString(),
	}
	var ledger Ledger
	if store != nil {
		ledger = store
	}
	s.ctrl = NewController(model, s.sessions, ledger, s.tableID, opts.DefaultTokens, logger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/table", s.handleTable)
	s.mux.HandleFunc("GET /api/rounds", s.handleListRounds)
	s.mux.HandleFunc("GET /api/rounds/{id}", s.handleGetRound)
	s.mux.HandleFunc("GET /api/players/{id}/stats", s.handlePlayerStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close disconnects every client and stops listening to the table.
func (s *Server) Close() {
	s.ctrl.Close()
	s.sessions.CloseAll()
}

type tableResponse struct {
	TableID     string `json:"tableId"`
	Connections int    `json:"connections"`
	table.Info
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tableResponse{
		TableID:     s.tableID,
		Connections: s.sessions.Len(),
		Info:        s.model.Info(),
	})
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no ledger"})
		return
	}
	limit := defaultRoundsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxRoundsLimit)
	}
	rounds, err := s.store.ListRounds(limit)
	if err != nil {
		s.log.Error("list rounds", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if rounds == nil {
		rounds = []storage.RoundRow{}
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no ledger"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid round id"})
		return
	}
	round, err := s.store.GetRound(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "round not found"})
		return
	}
	if err != nil {
		s.log.Error("get round", "round", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no ledger"})
		return
	}
	stats, err := s.store.PlayerStats(r.PathValue("id"))
	if err != nil {
		s.log.Error("player stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.sessions.Len()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
