// Package controlplane provides the HTTP API over the ticket lifecycle engine.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
)

// Version is reported by /health.
var Version = "dev"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Pinger checks database liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource reports background job statistics.
type StatsSource interface {
	GetStats() map[string]interface{}
}

// Server provides the HTTP API for ticketd.
type Server struct {
	engine    *lifecycle.Engine
	db        Pinger
	addr      string
	server    *http.Server
	scheduler StatsSource
}

// NewServer creates a new HTTP server.
func NewServer(engine *lifecycle.Engine, db Pinger, addr string) *Server {
	return &Server{
		engine: engine,
		db:     db,
		addr:   addr,
	}
}

// SetScheduler wires the scheduler for the /scheduler endpoint.
func (s *Server) SetScheduler(sch StatsSource) {
	s.scheduler = sch
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ticket endpoints
	mux.HandleFunc("/tickets", s.handleTickets)
	mux.HandleFunc("/tickets/", s.handleTicketByID)

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/scheduler", s.handleScheduler)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting ticketd on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleTickets handles POST /tickets and GET /tickets
func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTicket(w, r)
	case http.MethodGet:
		s.listTickets(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleTicketByID handles /tickets/{id} and /tickets/{id}/{action}
func (s *Server) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "ticket id required")
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTicket(w, r, id)
	case action == "" && r.Method == http.MethodPatch:
		s.updateTicket(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteTicket(w, r, id)
	case action == "" && r.Method == http.MethodPost:
		// ?action= form, kept for existing callers.
		s.applyOperation(w, r, id, r.URL.Query().Get("action"))
	case action == "decisions" && r.Method == http.MethodGet:
		s.listDecisions(w, r, id)
	case action == "actions" && r.Method == http.MethodPost:
		s.applyEnvelope(w, r, id)
	case r.Method == http.MethodPost:
		s.applyOperation(w, r, id, action)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	}
}

// --- Ticket Handlers ---

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := s.engine.Decisions(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) createTicket(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}

	ticket, err := s.engine.Create(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TicketFilter{
		Status: models.Status(q.Get("status")),
		Owner:  q.Get("owner"),
	}
	tickets, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request, id string) {
	ticket, err := s.engine.Get(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) updateTicket(w http.ResponseWriter, r *http.Request, id string) {
	var patch lifecycle.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}
	ticket, err := s.engine.Update(r.Context(), id, patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) deleteTicket(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.engine.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyOperation(w http.ResponseWriter, r *http.Request, id, name string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "unreadable body")
		return
	}
	op, err := lifecycle.DecodeOperation(name, id, body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.apply(w, r, op)
}

// applyEnvelope handles POST /tickets/{id}/actions with {"action": "...", ...}.
func (s *Server) applyEnvelope(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "unreadable body")
		return
	}
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json")
		return
	}
	op, err := lifecycle.DecodeOperation(envelope.Action, id, body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.apply(w, r, op)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, op lifecycle.Operation) {
	ticket, err := s.engine.Apply(r.Context(), op)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	stats := s.scheduler.GetStats()
	stats["enabled"] = true
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ---

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var capErr *lifecycle.CapacityError
	if errors.As(err, &capErr) {
		resp.Class = string(capErr.Class)
		resp.Count = capErr.Count
		resp.Cap = capErr.Cap
	}
	writeJSON(w, status, resp)
}
