// Package audit keeps the append-only trail of authentication and
// administrative actions. Recording is best-effort: a failed write is logged
// and counted, never surfaced to the caller, so auth outcomes cannot depend
// on audit availability.
package audit

import (
	"context"
	"time"

	"authgate.io/internal/ids"
	"authgate.io/internal/obs"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one immutable audit row.
type Entry struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id,omitempty"`
	Action     string            `json:"action"`
	Module     string            `json:"module"`
	EntityType string            `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	EntityName string            `json:"entity_name,omitempty"`
	OldValues  map[string]string `json:"old_values,omitempty"`
	NewValues  map[string]string `json:"new_values,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error_message,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Filter narrows Search results. Zero values mean "any".
type Filter struct {
	UserID     string
	Action     string
	Module     string
	EntityType string
	Status     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Find(ctx context.Context, id string) (*Entry, error)
	Search(ctx context.Context, filter Filter) ([]*Entry, int, error)
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// Publisher receives every recorded entry. The SSE feed subscribes through
// the stream broker, which satisfies this interface.
type Publisher interface {
	Publish(entry *Entry)
}

// Trail records and queries audit entries.
type Trail struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

// NewTrail wires a trail over the given store. pub may be nil.
func NewTrail(store Store, pub Publisher) *Trail {
	return &Trail{store: store, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends an entry, filling id, timestamp, request id and default
// status. Errors are swallowed by contract.
func (t *Trail) Record(ctx context.Context, entry Entry) {
	if t == nil || t.store == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	if entry.RequestID == "" {
		if rid, ok := obs.RequestIDFromContext(ctx); ok {
			entry.RequestID = rid
		}
	}

	if err := t.store.Append(ctx, &entry); err != nil {
		obs.ObserveAuditWriteFailure()
		obs.Logger().WithError(err).WithField("action", entry.Action).Warn("audit append failed")
		return
	}

	obs.Logger().WithFields(map[string]any{
		"type":       "audit",
		"action":     entry.Action,
		"module":     entry.Module,
		"user_id":    entry.UserID,
		"status":     entry.Status,
		"request_id": entry.RequestID,
	}).Debug("audit")

	if t.pub != nil {
		t.pub.Publish(&entry)
	}
}

// Find returns a single entry by id.
func (t *Trail) Find(ctx context.Context, id string) (*Entry, error) {
	return t.store.Find(ctx, id)
}

// Search lists entries newest first. The returned int is the total match
// count before limit/offset.
func (t *Trail) Search(ctx context.Context, filter Filter) ([]*Entry, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return t.store.Search(ctx, filter)
}
