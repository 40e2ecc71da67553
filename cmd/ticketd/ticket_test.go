package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fentz26/ticketd/internal/audit"
	"github.com/fentz26/ticketd/internal/controlplane"
	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
	"github.com/fentz26/ticketd/internal/store"
	"github.com/spf13/cobra"
)

func startTestDaemon(t *testing.T) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := lifecycle.NewEngine(st, lifecycle.Config{}, audit.NewPDRWriter(st, lifecycle.IsRefusal))
	srv := httptest.NewServer(controlplane.NewServer(engine, st, "").Handler())
	t.Cleanup(srv.Close)

	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = prev })
}

func TestAPIError(t *testing.T) {
	err := apiError(http.StatusConflict, []byte(`{"error":"stale","code":"conflict"}`))
	if err.Error() != "conflict (409): stale" {
		t.Errorf("Unexpected error text: %v", err)
	}

	err = apiError(http.StatusBadGateway, []byte("upstream down"))
	if err.Error() != "API error (502): upstream down" {
		t.Errorf("Unexpected error text: %v", err)
	}
}

func TestCLIAgainstDaemon(t *testing.T) {
	startTestDaemon(t)

	resp, err := apiPost("/tickets", lifecycle.CreateRequest{Title: "From the CLI", WIPClass: models.WIPDBReads})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	created, err := decodeTicket(resp)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	reason, leaseHolder, actor = "", "", "cli@test"
	if err := runTicketMove(ticketMoveCmd, []string{created.ID, "triage"}); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	// triage cannot jump straight to executing
	leaseHolder = "agent-7"
	err = runTicketMove(ticketMoveCmd, []string{created.ID, "executing"})
	if err == nil || !strings.Contains(err.Error(), "invalid_transition") {
		t.Errorf("Expected invalid_transition error, got %v", err)
	}

	resp, err = apiGet(ticketPath(created.ID))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var got models.Ticket
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Status != models.StatusTriage || got.Version != 2 {
		t.Errorf("Expected triage at version 2, got %s v%d", got.Status, got.Version)
	}
	if last := got.History[len(got.History)-1]; last.By != "cli@test" {
		t.Errorf("Expected actor cli@test, got %q", last.By)
	}

	if err := runTicketDelete(ticketDeleteCmd, []string{created.ID}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := apiGet(ticketPath(created.ID)); err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("Expected not_found after delete, got %v", err)
	}
}

func TestRejectReasonIsOptional(t *testing.T) {
	if ann := ticketRejectCmd.Flags().Lookup("reason").Annotations[cobra.BashCompOneRequiredFlag]; len(ann) > 0 {
		t.Fatalf("reject --reason must not be required, got annotations %v", ann)
	}

	startTestDaemon(t)

	resp, err := apiPost("/tickets", lifecycle.CreateRequest{Title: "Rework me"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	created, _ := decodeTicket(resp)
	for _, step := range []lifecycle.TransitionRequest{
		{To: models.StatusTriage},
		{To: models.StatusReady},
		{To: models.StatusExecuting, LeaseHolder: "agent-1"},
		{To: models.StatusReview},
	} {
		if _, err := apiPost(ticketPath(created.ID, "transition"), step); err != nil {
			t.Fatalf("Transition to %s failed: %v", step.To, err)
		}
	}

	reason, leaseHolder = "", ""
	if err := runTicketReject(ticketRejectCmd, []string{created.ID}); err != nil {
		t.Fatalf("Reject without reason failed: %v", err)
	}

	resp, err = apiGet(ticketPath(created.ID))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, _ := decodeTicket(resp)
	last := got.History[len(got.History)-1]
	if got.Status != models.StatusExecuting || last.Reason != "Needs rework" {
		t.Errorf("Expected executing with default reason, got %s %q", got.Status, last.Reason)
	}

	// The reject shows up in the audit trail.
	resp, err = apiGet(ticketPath(created.ID, "decisions"))
	if err != nil {
		t.Fatalf("Decisions failed: %v", err)
	}
	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n := len(entries); n == 0 || entries[n-1].Action != "ticket.reject" || entries[n-1].Outcome != "success" {
		t.Errorf("Expected trailing ticket.reject success, got %+v", entries)
	}

	showAudit = true
	defer func() { showAudit = false }()
	if err := runTicketShow(ticketShowCmd, []string{created.ID}); err != nil {
		t.Errorf("show --audit failed: %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	startTestDaemon(t)

	health, err := CheckHealth()
	if err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if !health.OK || health.DB != "ok" {
		t.Errorf("Unexpected health: %+v", health)
	}
	if !isDaemonRunning() {
		t.Error("Expected daemon to be reported running")
	}
}

func TestCheckHealth_Unreachable(t *testing.T) {
	prev := apiAddr
	apiAddr = "http://127.0.0.1:1"
	defer func() { apiAddr = prev }()

	if _, err := CheckHealth(); err == nil {
		t.Error("Expected error for unreachable daemon")
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := map[int64]string{
		5:    "5s",
		90:   "1m30s",
		3700: "1h01m",
	}
	for in, want := range tests {
		if got := formatSeconds(in); got != want {
			t.Errorf("formatSeconds(%d) = %q, want %q", in, got, want)
		}
	}
}
