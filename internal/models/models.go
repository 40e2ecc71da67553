// Package models defines the core domain types for ticketd.
package models

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a ticket.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusTriage    Status = "triage"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusBlocked   Status = "blocked"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
	StatusDropped   Status = "dropped"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusQueued, StatusTriage, StatusReady, StatusExecuting,
	StatusBlocked, StatusReview, StatusDone, StatusDropped,
}

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// WIPClass is the admission-control bucket a ticket occupies while executing.
type WIPClass string

const (
	WIPWebCalls    WIPClass = "web_calls"
	WIPDBReads     WIPClass = "db_reads"
	WIPCodeExec    WIPClass = "code_exec"
	WIPHumanReview WIPClass = "human_review"
	WIPGeneral     WIPClass = "general"
)

// WIPClasses lists every WIP class.
var WIPClasses = []WIPClass{WIPWebCalls, WIPDBReads, WIPCodeExec, WIPHumanReview, WIPGeneral}

// Valid reports whether c is a member of the WIP class enumeration.
func (c WIPClass) Valid() bool {
	for _, v := range WIPClasses {
		if c == v {
			return true
		}
	}
	return false
}

// VerificationStatus is the outcome of the review step.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

// MethodHumanSignoff marks a verification produced by the signoff operation.
const MethodHumanSignoff = "human_signoff"

// Verification records whether a ticket's completion has been checked, and by whom.
type Verification struct {
	Status     VerificationStatus `json:"status"`
	Confidence float64            `json:"confidence"`
	Method     *string            `json:"method"`
	Verifier   *string            `json:"verifier"`
	Notes      string             `json:"notes,omitempty"`
}

// HumanSignedOff reports whether v is a verified, human-originated signoff.
func (v Verification) HumanSignedOff() bool {
	return v.Status == VerificationVerified && v.Method != nil && strings.Contains(*v.Method, MethodHumanSignoff)
}

// Budget holds static caps consulted by external executors.
type Budget struct {
	MaxToolCalls int `json:"max_tool_calls"`
	MaxTokens    int `json:"max_tokens"`
	MaxMinutes   int `json:"max_minutes"`
	MaxChildren  int `json:"max_children"`
}

// DefaultBudget returns the budget assigned to tickets created without one.
func DefaultBudget() Budget {
	return Budget{MaxToolCalls: 12, MaxTokens: 50000, MaxMinutes: 45, MaxChildren: 6}
}

// DoneItem is a single definition-of-done checklist entry.
type DoneItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// EvidenceEntry is an observation attached to a ticket. Entries are append-only.
type EvidenceEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	Confidence *float64  `json:"confidence"`
}

// HistoryEntry records one status change. From is nil for the creation entry.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	From      *Status   `json:"from"`
	To        Status    `json:"to"`
	By        string    `json:"by"`
	Reason    string    `json:"reason,omitempty"`
}

// Ticket is a unit of work tracked through the lifecycle state machine.
type Ticket struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Type             string          `json:"type"`
	Priority         int             `json:"priority"`
	Intent           string          `json:"intent,omitempty"`
	Requester        string          `json:"requester,omitempty"`
	Owner            string          `json:"owner"`
	Status           Status          `json:"status"`
	WIPClass         WIPClass        `json:"wip_class"`
	LeaseHolder      *string         `json:"lease_holder"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at"`
	DefinitionOfDone []DoneItem      `json:"definition_of_done"`
	BlockedBy        []string        `json:"blocked_by"`
	Blocks           []string        `json:"blocks"`
	Plan             []string        `json:"plan"`
	Evidence         []EvidenceEntry `json:"evidence"`
	History          []HistoryEntry  `json:"history"`
	Verification     Verification    `json:"verification"`
	Budget           Budget          `json:"budget"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TicketFilter narrows a ticket listing. Empty fields match everything.
type TicketFilter struct {
	Status Status
	Owner  string
}

// ClassUsage is the executing count and cap of one WIP class.
type ClassUsage struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Stats summarises the ticket population.
type Stats struct {
	Total                  int                     `json:"total"`
	ByStatus               map[Status]int          `json:"by_status"`
	WIPUtilization         map[WIPClass]ClassUsage `json:"wip_utilization"`
	AvgTimePerStateSeconds map[Status]int64        `json:"avg_time_per_state_seconds"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TicketID   string    `json:"ticket_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
