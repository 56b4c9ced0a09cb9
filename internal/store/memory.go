package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/i474232898/meteo-dashboard/internal/dashboard"
)

var (
	// ErrNotFound is returned when no dashboard exists for a session id.
	ErrNotFound = errors.New("no dashboard for session")
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dashboard_active_sessions",
	Help: "Dashboards currently held in memory.",
})

// entry pairs a dashboard with the last time a request touched it.
type entry struct {
	dash     *dashboard.Dashboard
	lastSeen time.Time
}

// MemoryStore is a concurrency-safe in-memory registry of dashboards.
type MemoryStore struct {
	mu sync.RWMutex

	// key: session id
	data map[string]*entry

	deps dashboard.Deps
	now  func() time.Time
}

// NewMemoryStore creates a registry whose dashboards share deps.
func NewMemoryStore(deps dashboard.Deps) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entry),
		deps: deps,
		now:  time.Now,
	}
}

// Create builds a dashboard under a fresh session id.
func (s *MemoryStore) Create() *dashboard.Dashboard {
	id := uuid.NewString()
	d := dashboard.New(id, s.deps)

	s.mu.Lock()
	s.data[id] = &entry{dash: d, lastSeen: s.now()}
	n := len(s.data)
	s.mu.Unlock()

	activeSessions.Set(float64(n))
	return d
}

// Get returns the dashboard for id.
func (s *MemoryStore) Get(id string) (*dashboard.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.dash, nil
}

// Touch marks id as used now. It reports whether id exists.
func (s *MemoryStore) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[id]
	if ok {
		e.lastSeen = s.now()
	}
	return ok
}

// Sweep removes dashboards idle for longer than maxIdle and closes them.
// It returns how many were evicted.
func (s *MemoryStore) Sweep(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)

	var evicted []*dashboard.Dashboard
	s.mu.Lock()
	for id, e := range s.data {
		if e.lastSeen.Before(cutoff) {
			evicted = append(evicted, e.dash)
			delete(s.data, id)
		}
	}
	n := len(s.data)
	s.mu.Unlock()
	activeSessions.Set(float64(n))

	// Close outside the lock: it signs out and waits for reloads.
	for _, d := range evicted {
		d.Close()
	}
	return len(evicted)
}

// Each calls fn for every dashboard. fn runs without the lock held.
func (s *MemoryStore) Each(fn func(*dashboard.Dashboard)) {
	s.mu.RLock()
	all := make([]*dashboard.Dashboard, 0, len(s.data))
	for _, e := range s.data {
		all = append(all, e.dash)
	}
	s.mu.RUnlock()

	for _, d := range all {
		fn(d)
	}
}

// Len returns the number of dashboards held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close closes and removes every dashboard.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	all := s.data
	s.data = make(map[string]*entry)
	s.mu.Unlock()
	activeSessions.Set(0)

	for _, e := range all {
		e.dash.Close()
	}
}
