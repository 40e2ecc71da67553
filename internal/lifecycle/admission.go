package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/fentz26/ticketd/internal/models"
)

// Caps maps each WIP class to the maximum number of tickets that may be
// executing in it at once.
type Caps map[models.WIPClass]int

// fallbackCap applies to a class missing from Caps.
const fallbackCap = 5

// DefaultCaps returns the stock per-class limits.
func DefaultCaps() Caps {
	return Caps{
		models.WIPWebCalls:    2,
		models.WIPCodeExec:    1,
		models.WIPHumanReview: 3,
		models.WIPDBReads:     4,
		models.WIPGeneral:     5,
	}
}

// Cap returns the limit for class.
func (c Caps) Cap(class models.WIPClass) int {
	if limit, ok := c[class]; ok {
		return limit
	}
	return fallbackCap
}

// executingCounter is the slice of the ticket store admission needs.
type executingCounter interface {
	CountByStatusAndClass(ctx context.Context, status models.Status, class models.WIPClass) (int, error)
}

// Admission gates ready → executing on per-class capacity. Counts are read
// from the store at the moment of the check, never cached.
type Admission struct {
	counter executingCounter
	caps    Caps

	mu    sync.Mutex
	locks map[models.WIPClass]*sync.Mutex
}

// NewAdmission creates an admission controller over counter. The caps map is
// copied and never changes afterwards.
func NewAdmission(counter executingCounter, caps Caps) *Admission {
	if caps == nil {
		caps = DefaultCaps()
	}
	frozen := make(Caps, len(caps))
	for class, limit := range caps {
		frozen[class] = limit
	}
	return &Admission{
		counter: counter,
		caps:    frozen,
		locks:   make(map[models.WIPClass]*sync.Mutex),
	}
}

// Caps returns a copy of the configured limits.
func (a *Admission) Caps() Caps {
	out := make(Caps, len(a.caps))
	for class, limit := range a.caps {
		out[class] = limit
	}
	return out
}

// Cap returns the limit for class.
func (a *Admission) Cap(class models.WIPClass) int {
	return a.caps.Cap(class)
}

// TryAdmit reports whether class has a free executing slot right now.
func (a *Admission) TryAdmit(ctx context.Context, class models.WIPClass) (bool, error) {
	if err := a.Check(ctx, class); err != nil {
		var capErr *CapacityError
		if errors.As(err, &capErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Check returns a *CapacityError when class is at or above its cap.
func (a *Admission) Check(ctx context.Context, class models.WIPClass) error {
	count, err := a.counter.CountByStatusAndClass(ctx, models.StatusExecuting, class)
	if err != nil {
		return err
	}
	limit := a.caps.Cap(class)
	if count >= limit {
		return &CapacityError{Class: class, Count: count, Cap: limit}
	}
	return nil
}

// Lock serializes check-then-act admissions for class within this process and
// returns the unlock func. The store re-validates the count in the write
// transaction, which covers other processes sharing the database.
func (a *Admission) Lock(class models.WIPClass) func() {
	a.mu.Lock()
	l, ok := a.locks[class]
	if !ok {
		l = &sync.Mutex{}
		a.locks[class] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}
