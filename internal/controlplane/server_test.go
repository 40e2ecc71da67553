package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/ticketd/internal/audit"
	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
	"github.com/fentz26/ticketd/internal/store"
)

func TestHealthEndpoint_OK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealthEndpoint_DBError(t *testing.T) {
	s := newTestServer(t)
	s.db = downDB{}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health HealthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	if health.OK {
		t.Error("Expected health.OK to be false")
	}
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var created models.Ticket
	status := do(t, h, http.MethodPost, "/tickets", `{"title":"Ship it","wip_class":"code_exec","requester":"alice"}`, &created)
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", status)
	}
	if created.Status != models.StatusQueued || created.WIPClass != models.WIPCodeExec {
		t.Fatalf("Unexpected created ticket: %+v", created)
	}
	id := created.ID

	for _, step := range []struct{ path, body string }{
		{"/tickets/" + id + "/transition", `{"to":"triage"}`},
		{"/tickets/" + id + "/actions", `{"action":"transition","to":"ready"}`},
		{"/tickets/" + id + "?action=transition", `{"to":"executing","lease_holder":"agent-1"}`},
		{"/tickets/" + id + "/evidence", `{"content":"tests pass","kind":"test"}`},
		{"/tickets/" + id + "/transition", `{"to":"review"}`},
	} {
		if status := do(t, h, http.MethodPost, step.path, step.body, nil); status != http.StatusOK {
			t.Fatalf("POST %s: expected 200, got %d", step.path, status)
		}
	}

	// Self-close is refused.
	var errResp ErrorResponse
	status = do(t, h, http.MethodPost, "/tickets/"+id+"/transition", `{"to":"done"}`, &errResp)
	if status != http.StatusForbidden || errResp.Code != CodeVerificationRequired {
		t.Errorf("Expected 403 verification_required, got %d %+v", status, errResp)
	}

	var done models.Ticket
	if status := do(t, h, http.MethodPost, "/tickets/"+id+"/signoff", `{"notes":"ship"}`, &done); status != http.StatusOK {
		t.Fatalf("Signoff: expected 200, got %d", status)
	}
	if done.Status != models.StatusDone || len(done.Evidence) != 1 || len(done.History) != 6 {
		t.Errorf("Unexpected closed ticket: status=%s evidence=%d history=%d", done.Status, len(done.Evidence), len(done.History))
	}

	var list []models.Ticket
	if status := do(t, h, http.MethodGet, "/tickets?status=done", "", &list); status != http.StatusOK || len(list) != 1 {
		t.Errorf("Expected one done ticket, got %d (%d)", len(list), status)
	}

	var stats models.Stats
	if status := do(t, h, http.MethodGet, "/stats", "", &stats); status != http.StatusOK || stats.Total != 1 {
		t.Errorf("Unexpected stats %d: %+v", status, stats)
	}

	if status := do(t, h, http.MethodDelete, "/tickets/"+id, "", nil); status != http.StatusNoContent {
		t.Errorf("Delete: expected 204, got %d", status)
	}
	if status := do(t, h, http.MethodGet, "/tickets/"+id, "", &errResp); status != http.StatusNotFound || errResp.Code != CodeNotFound {
		t.Errorf("Expected 404 not_found, got %d %+v", status, errResp)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var tk models.Ticket
	do(t, h, http.MethodPost, "/tickets", `{"title":"errors","wip_class":"code_exec"}`, &tk)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing title", http.MethodPost, "/tickets", `{}`, http.StatusBadRequest, CodeValidation},
		{"bad json", http.MethodPost, "/tickets", `{`, http.StatusBadRequest, CodeValidation},
		{"unknown action", http.MethodPost, "/tickets/" + tk.ID + "/close", `{}`, http.StatusBadRequest, CodeValidation},
		{"invalid transition", http.MethodPost, "/tickets/" + tk.ID + "/transition", `{"to":"executing","lease_holder":"a"}`, http.StatusBadRequest, CodeInvalidTransition},
		{"drop without reason", http.MethodPost, "/tickets/" + tk.ID + "/transition", `{"to":"dropped"}`, http.StatusBadRequest, CodeReasonRequired},
		{"signoff outside review", http.MethodPost, "/tickets/" + tk.ID + "/signoff", `{}`, http.StatusBadRequest, CodeInvalidState},
		{"unknown ticket", http.MethodPost, "/tickets/T-nope/transition", `{"to":"triage"}`, http.StatusNotFound, CodeNotFound},
		{"bad status filter", http.MethodGet, "/tickets?status=paused", ``, http.StatusBadRequest, CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			status := do(t, h, tt.method, tt.path, tt.body, &resp)
			if status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, status)
			}
			if resp.Code != tt.code {
				t.Errorf("Expected code %s, got %s (%s)", tt.code, resp.Code, resp.Error)
			}
		})
	}
}

func TestCapacityExceededOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var ids []string
	for i := 0; i < 2; i++ {
		var tk models.Ticket
		do(t, h, http.MethodPost, "/tickets", `{"title":"exec","wip_class":"code_exec"}`, &tk)
		do(t, h, http.MethodPost, "/tickets/"+tk.ID+"/transition", `{"to":"triage"}`, nil)
		do(t, h, http.MethodPost, "/tickets/"+tk.ID+"/transition", `{"to":"ready"}`, nil)
		ids = append(ids, tk.ID)
	}
	if status := do(t, h, http.MethodPost, "/tickets/"+ids[0]+"/transition", `{"to":"executing","lease_holder":"a"}`, nil); status != http.StatusOK {
		t.Fatalf("First start: expected 200, got %d", status)
	}

	var resp ErrorResponse
	status := do(t, h, http.MethodPost, "/tickets/"+ids[1]+"/transition", `{"to":"executing","lease_holder":"b"}`, &resp)
	if status != http.StatusConflict || resp.Code != CodeCapacityExceeded {
		t.Fatalf("Expected 409 capacity_exceeded, got %d %+v", status, resp)
	}
	if resp.Class != "code_exec" || resp.Count != 1 || resp.Cap != 1 {
		t.Errorf("Unexpected capacity details: %+v", resp)
	}
}

func TestPatchTicket(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var tk models.Ticket
	do(t, h, http.MethodPost, "/tickets", `{"title":"patch"}`, &tk)

	var patched models.Ticket
	status := do(t, h, http.MethodPatch, "/tickets/"+tk.ID, `{"owner":"erin","priority":2,"status":"done"}`, &patched)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if patched.Owner != "erin" || patched.Priority != 2 {
		t.Errorf("Patch not applied: %+v", patched)
	}
	if patched.Status != models.StatusQueued {
		t.Errorf("Status must not be patchable, got %s", patched.Status)
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	var tk models.Ticket
	do(t, h, http.MethodPost, "/tickets", `{"title":"audited"}`, &tk)
	do(t, h, http.MethodPost, "/tickets/"+tk.ID+"/transition", `{"to":"done"}`, nil)

	var entries []models.PDREntry
	if status := do(t, h, http.MethodGet, "/tickets/"+tk.ID+"/decisions", "", &entries); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 decision records, got %d", len(entries))
	}
	if entries[1].Action != "ticket.transition" || entries[1].Outcome != "rejected" || entries[1].TicketID != tk.ID {
		t.Errorf("Unexpected refusal record: %+v", entries[1])
	}
	if len(entries[0].InputsHash) != 64 {
		t.Errorf("Expected sha256 inputs hash, got %q", entries[0].InputsHash)
	}
}

func TestSchedulerEndpoint_Disabled(t *testing.T) {
	s := newTestServer(t)

	var body map[string]interface{}
	if status := do(t, s.Handler(), http.MethodGet, "/scheduler", "", &body); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if body["enabled"] != false {
		t.Errorf("Expected enabled=false, got %v", body)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pdr := audit.NewPDRWriter(st, lifecycle.IsRefusal)
	engine := lifecycle.NewEngine(st, lifecycle.Config{}, pdr)
	return NewServer(engine, st, "127.0.0.1:0")
}

// do sends a request through h and decodes the JSON response into out when
// out is non-nil.
func do(t *testing.T, h http.Handler, method, path, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w.Code
}
