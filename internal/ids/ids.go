// Package ids issues ULID identifiers for users, roles, sessions and audit
// rows. ULIDs sort by creation time, which keeps listing queries index-friendly.
package ids

import (
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(crand.Reader, 0)
)

// New returns a ULID string. Safe for concurrent use.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
