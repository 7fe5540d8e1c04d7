package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"authgate.io/internal/obs"
)

type stubStore struct {
	entries    []*Entry
	failAppend bool
	lastFilter Filter
}

func (s *stubStore) Append(_ context.Context, e *Entry) error {
	if s.failAppend {
		return errors.New("disk on fire")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) Find(_ context.Context, id string) (*Entry, error) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *stubStore) Search(_ context.Context, f Filter) ([]*Entry, int, error) {
	s.lastFilter = f
	return s.entries, len(s.entries), nil
}

func (s *stubStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

type stubPublisher struct {
	published []*Entry
}

func (p *stubPublisher) Publish(e *Entry) { p.published = append(p.published, e) }

func TestRecordFillsDefaults(t *testing.T) {
	store := &stubStore{}
	pub := &stubPublisher{}
	trail := NewTrail(store, pub)

	trail.Record(context.Background(), Entry{Action: "login", Module: "auth"})

	if len(store.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(store.entries))
	}
	e := store.entries[0]
	if e.ID == "" {
		t.Fatal("expected a generated id")
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if e.Status != StatusSuccess {
		t.Fatalf("expected default status, got %q", e.Status)
	}
	if len(pub.published) != 1 || pub.published[0].ID != e.ID {
		t.Fatalf("expected the entry published: %+v", pub.published)
	}
}

func TestRecordKeepsExplicitFields(t *testing.T) {
	store := &stubStore{}
	trail := NewTrail(store, nil)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	trail.Record(context.Background(), Entry{
		ID:        "fixed-id",
		Action:    "login",
		Status:    StatusFailed,
		CreatedAt: at,
	})

	e := store.entries[0]
	if e.ID != "fixed-id" || e.Status != StatusFailed || !e.CreatedAt.Equal(at) {
		t.Fatalf("explicit fields overwritten: %+v", e)
	}
}

func TestRecordPicksUpRequestID(t *testing.T) {
	store := &stubStore{}
	trail := NewTrail(store, nil)
	ctx := obs.WithRequestID(context.Background(), "req-7")

	trail.Record(ctx, Entry{Action: "logout", Module: "auth"})

	if store.entries[0].RequestID != "req-7" {
		t.Fatalf("request id not propagated: %+v", store.entries[0])
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := &stubStore{failAppend: true}
	pub := &stubPublisher{}
	trail := NewTrail(store, pub)

	trail.Record(context.Background(), Entry{Action: "login", Module: "auth"})

	if len(pub.published) != 0 {
		t.Fatal("failed append must not publish")
	}
}

func TestRecordOnNilTrail(t *testing.T) {
	var trail *Trail
	trail.Record(context.Background(), Entry{Action: "login"})
}

func TestSearchClampsPaging(t *testing.T) {
	store := &stubStore{}
	trail := NewTrail(store, nil)
	ctx := context.Background()

	if _, _, err := trail.Search(ctx, Filter{}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if store.lastFilter.Limit != 50 {
		t.Fatalf("default limit = %d", store.lastFilter.Limit)
	}

	if _, _, err := trail.Search(ctx, Filter{Limit: 9999, Offset: -3}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if store.lastFilter.Limit != 200 || store.lastFilter.Offset != 0 {
		t.Fatalf("clamp failed: %+v", store.lastFilter)
	}
}
