package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/ticketd/internal/models"
)

func TestDecodeOperation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Operation
	}{
		{"evidence", `{"kind":"link","content":"https://x","source":"agent"}`,
			EvidenceRequest{ID: "T-1", Kind: "link", Content: "https://x", Source: "agent"}},
		{"transition", `{"to":"triage","by":"alice","reason":"go"}`,
			TransitionRequest{ID: "T-1", To: models.StatusTriage, By: "alice", Reason: "go"}},
		{"signoff", `{"notes":"ok"}`, SignoffRequest{ID: "T-1", Notes: "ok"}},
		{"reject", ``, RejectRequest{ID: "T-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := DecodeOperation(tt.name, "T-1", []byte(tt.body))
			if err != nil {
				t.Fatalf("DecodeOperation failed: %v", err)
			}
			if op != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, op)
			}
			if op.Name() != tt.name {
				t.Errorf("Expected name %s, got %s", tt.name, op.Name())
			}
		})
	}
}

func TestDecodeOperation_Errors(t *testing.T) {
	if _, err := DecodeOperation("close", "T-1", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("Unknown action: expected ErrValidation, got %v", err)
	}
	if _, err := DecodeOperation("transition", "T-1", []byte("{")); !errors.Is(err, ErrValidation) {
		t.Errorf("Bad json: expected ErrValidation, got %v", err)
	}
}

// recordingHandler captures which handler method an operation reached.
type recordingHandler struct {
	called string
}

func (h *recordingHandler) AppendEvidence(context.Context, EvidenceRequest) (*models.Ticket, error) {
	h.called = "evidence"
	return nil, nil
}

func (h *recordingHandler) Transition(context.Context, TransitionRequest) (*models.Ticket, error) {
	h.called = "transition"
	return nil, nil
}

func (h *recordingHandler) Signoff(context.Context, SignoffRequest) (*models.Ticket, error) {
	h.called = "signoff"
	return nil, nil
}

func (h *recordingHandler) Reject(context.Context, RejectRequest) (*models.Ticket, error) {
	h.called = "reject"
	return nil, nil
}

func TestOperation_ApplyDispatch(t *testing.T) {
	for _, op := range []Operation{EvidenceRequest{}, TransitionRequest{}, SignoffRequest{}, RejectRequest{}} {
		h := &recordingHandler{}
		if _, err := op.Apply(context.Background(), h); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if h.called != op.Name() {
			t.Errorf("%s dispatched to %s", op.Name(), h.called)
		}
	}
}

func TestEngineApply(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	tk := mustCreate(t, e, CreateRequest{Title: "apply"})

	op, err := DecodeOperation("transition", tk.ID, []byte(`{"to":"triage","by":"bob"}`))
	if err != nil {
		t.Fatalf("DecodeOperation failed: %v", err)
	}
	got, err := e.Apply(ctx, op)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Status != models.StatusTriage || got.History[1].By != "bob" {
		t.Errorf("Unexpected ticket after apply: status=%s history=%+v", got.Status, got.History)
	}
}

func TestUpdate_Patch(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	tk := mustCreate(t, e, CreateRequest{Title: "patch me"})

	title := "patched"
	priority := 1
	owner := "carol"
	class := models.WIPHumanReview
	plan := []string{"step 1"}
	got, err := e.Update(ctx, tk.ID, Patch{
		Title:    &title,
		Priority: &priority,
		Owner:    &owner,
		WIPClass: &class,
		Plan:     &plan,
		Budget:   &models.Budget{MaxTokens: 1000},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Title != "patched" || got.Priority != 1 || got.Owner != "carol" || got.WIPClass != models.WIPHumanReview {
		t.Errorf("Patch not applied: %+v", got)
	}
	if got.Budget.MaxTokens != 1000 || got.Budget.MaxToolCalls != 12 {
		t.Errorf("Budget should merge, got %+v", got.Budget)
	}
	if got.Status != models.StatusQueued || len(got.History) != 1 {
		t.Error("Update must not touch status or history")
	}
	if got.Version != 2 {
		t.Errorf("Expected version 2, got %d", got.Version)
	}

	empty := ""
	if _, err := e.Update(ctx, tk.ID, Patch{Title: &empty}); !errors.Is(err, ErrValidation) {
		t.Errorf("Empty title: expected ErrValidation, got %v", err)
	}
	if _, err := e.Update(ctx, "T-nope", Patch{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_ClassLockedWhileExecuting(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	tk := mustCreate(t, e, CreateRequest{Title: "busy"})
	move(t, e, tk.ID, models.StatusTriage, "")
	move(t, e, tk.ID, models.StatusReady, "")
	move(t, e, tk.ID, models.StatusExecuting, "agent")

	class := models.WIPCodeExec
	if _, err := e.Update(ctx, tk.ID, Patch{WIPClass: &class}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}
