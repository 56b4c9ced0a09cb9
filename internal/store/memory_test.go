package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/i474232898/meteo-dashboard/internal/dashboard"
	"github.com/i474232898/meteo-dashboard/internal/identity"
	"github.com/i474232898/meteo-dashboard/internal/station"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (identity.Identity, error) {
	return identity.Identity{ID: token, Token: token}, nil
}

type emptyStore struct{}

func (emptyStore) List(context.Context, string) ([]station.Object, error) { return nil, nil }
func (emptyStore) Get(context.Context, string) ([]byte, error) { return nil, nil }

func newTestStore(now *time.Time) *MemoryStore {
	s := NewMemoryStore(dashboard.Deps{
		Auth:   fakeAuth{},
		Stores: func(identity.Identity) station.ObjectStore { return emptyStore{} },
	})
	s.now = func() time.Time { return *now }
	return s
}

func TestMemoryStore_CreateGet(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	s := newTestStore(&now)
	defer s.Close()

	d := s.Create()
	got, err := s.Get(d.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != d {
		t.Fatal("expected same dashboard")
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Touch("missing") {
		t.Fatal("touch of unknown id must report false")
	}
}

func TestMemoryStore_SweepEvictsIdle(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	s := newTestStore(&now)
	defer s.Close()

	idle := s.Create()
	active := s.Create()
	if _, err := idle.Gate.SignIn(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(20 * time.Minute)
	s.Touch(active.ID)
	now = now.Add(15 * time.Minute)

	if n := s.Sweep(30 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := s.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("idle dashboard still registered")
	}
	if _, ok := idle.Gate.CurrentUser(); ok {
		t.Fatal("evicted dashboard must be signed out")
	}
	if _, err := s.Get(active.ID); err != nil {
		t.Fatalf("active dashboard evicted: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
}

func TestMemoryStore_Each(t *testing.T) {
	now := time.Now()
	s := newTestStore(&now)
	defer s.Close()

	s.Create()
	s.Create()

	seen := 0
	s.Each(func(*dashboard.Dashboard) { seen++ })
	if seen != 2 {
		t.Fatalf("seen %d dashboards", seen)
	}
}
