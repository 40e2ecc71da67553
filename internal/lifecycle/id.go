package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a ticket ID of the form T-YYYYMMDD-HHMMSS-xxxxxx. The random
// suffix lets independent writers create tickets in the same second without
// a shared sequence.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "T-" + now.UTC().Format("20060102-150405") + "-" + suffix
}
