package lifecycle

import (
	"time"

	"github.com/fentz26/ticketd/internal/models"
)

// DefaultLeaseMinutes is used when a ticket's budget carries no max_minutes.
const DefaultLeaseMinutes = 45

// Leases assigns and clears the execution lease on a ticket. A lease exists
// exactly while the ticket is executing.
type Leases struct {
	defaultMinutes int
}

// NewLeases creates a lease manager. minutes <= 0 selects DefaultLeaseMinutes.
func NewLeases(minutes int) *Leases {
	if minutes <= 0 {
		minutes = DefaultLeaseMinutes
	}
	return &Leases{defaultMinutes: minutes}
}

// Duration returns how long a lease on t lasts.
func (l *Leases) Duration(t *models.Ticket) time.Duration {
	minutes := t.Budget.MaxMinutes
	if minutes <= 0 {
		minutes = l.defaultMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Acquire sets the lease on t for holder, falling back to the holder t
// already carries. It fails with ErrLeaseRequired when neither exists.
func (l *Leases) Acquire(t *models.Ticket, holder string, now time.Time) error {
	if holder == "" && t.LeaseHolder != nil {
		holder = *t.LeaseHolder
	}
	if holder == "" {
		return ErrLeaseRequired
	}
	l.grant(t, holder, now)
	return nil
}

// Regrant sets a fresh lease using the first non-empty of holder, owner, and
// "unassigned". It cannot fail.
func (l *Leases) Regrant(t *models.Ticket, holder string, now time.Time) {
	switch {
	case holder != "":
	case t.Owner != "":
		holder = t.Owner
	default:
		holder = "unassigned"
	}
	l.grant(t, holder, now)
}

// Release clears the lease unconditionally.
func (l *Leases) Release(t *models.Ticket) {
	t.LeaseHolder = nil
	t.LeaseExpiresAt = nil
}

// Expired reports whether t holds a lease that ran out before now.
func (l *Leases) Expired(t *models.Ticket, now time.Time) bool {
	return t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}

func (l *Leases) grant(t *models.Ticket, holder string, now time.Time) {
	expires := now.Add(l.Duration(t))
	t.LeaseHolder = &holder
	t.LeaseExpiresAt = &expires
}
