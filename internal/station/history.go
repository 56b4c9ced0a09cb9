package station

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

// DefaultWindow is how many of the most recently modified objects a reload
// fetches. Older objects are never requested.
const DefaultWindow = 48

var (
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_history_reloads_total",
		Help: "History reloads by outcome (ok, list_failed, stale, cancelled).",
	}, []string{"outcome"})
	objectsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_history_objects_skipped_total",
		Help: "Reading objects that failed to fetch or parse and were left out of a reload.",
	})
	reloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dashboard_history_reload_duration_seconds",
		Help:    "Wall time of a full reload: list, fetch and sort.",
		Buckets: prometheus.DefBuckets,
	})
)

// Object is one entry of a remote listing.
type Object struct {
	Key          string
	LastModified time.Time
}

// ObjectStore is the narrow read contract the reconciler needs.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// History is an immutable snapshot of the reading timeline. Readings are
// ordered by Timestamp ascending and Current is the last of them.
type History struct {
	Readings []Reading `json:"readings"`
	Current  *Reading  `json:"current,omitempty"`
	LoadedAt time.Time `json:"loadedAt,omitzero"`
	// Skipped counts objects that were in the window but could not be used.
	Skipped int `json:"skipped"`
}

// Options configures a Reconciler.
type Options struct {
	// Prefix is the listing prefix; {identityId} is replaced on every reload.
	Prefix string
	Window int
	Logger *slog.Logger
}

// Reconciler rebuilds History from per-reading objects in the store.
type Reconciler struct {
	store  ObjectStore
	prefix string
	window int
	logger *slog.Logger

	mu      sync.RWMutex
	history History
	// gen is bumped by every Reload and Clear. A reload only publishes if it
	// still holds the latest generation.
	gen     uint64
	loading int
}

func NewReconciler(store ObjectStore, opts Options) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Prefix == "" {
		opts.Prefix = "owners/{identityId}/devices/"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		prefix:  opts.Prefix,
		window:  opts.Window,
		logger:  opts.Logger,
		history: emptyHistory(),
	}
}

// emptyHistory renders as an empty list rather than null.
func emptyHistory() History {
	return History{Readings: []Reading{}}
}

// PrefixFor returns the listing prefix scoped to identityID.
func (r *Reconciler) PrefixFor(identityID string) string {
	return strings.ReplaceAll(r.prefix, "{identityId}", identityID)
}

// Reload lists the identity's reading objects, fetches the most recent
// window concurrently and replaces History wholesale. Objects that fail to
// fetch or parse are logged and skipped. If the listing itself fails,
// History is cleared and the error returned.
func (r *Reconciler) Reload(ctx context.Context, identityID string) (History, error) {
	start := time.Now()
	defer func() { reloadDuration.Observe(time.Since(start).Seconds()) }()

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.loading++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.loading--
		r.mu.Unlock()
	}()

	prefix := r.PrefixFor(identityID)
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		reloadsTotal.WithLabelValues("list_failed").Inc()
		r.publish(gen, emptyHistory())
		return emptyHistory(), fmt.Errorf("list readings under %q: %w", prefix, err)
	}

	// Newest first, then cut the window.
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	if len(objects) > r.window {
		objects = objects[:r.window]
	}

	readings := make([]Reading, len(objects))
	ok := make([]bool, len(objects))

	var g errgroup.Group
	for i, obj := range objects {
		i, obj := i, obj
		g.Go(func() error {
			body, err := r.store.Get(ctx, obj.Key)
			if err != nil {
				objectsSkipped.Inc()
				r.logger.Warn("reading fetch failed, skipping", "key", obj.Key, "error", err)
				return nil
			}
			reading, err := ParseReading(body)
			if err != nil {
				objectsSkipped.Inc()
				r.logger.Warn("reading parse failed, skipping", "key", obj.Key, "error", err)
				return nil
			}
			readings[i] = reading
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		reloadsTotal.WithLabelValues("cancelled").Inc()
		return r.Snapshot(), err
	}

	out := make([]Reading, 0, len(objects))
	for i := range readings {
		if ok[i] {
			out = append(out, readings[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})

	h := History{
		Readings: out,
		LoadedAt: time.Now().UTC(),
		Skipped:  len(objects) - len(out),
	}
	if len(out) > 0 {
		last := out[len(out)-1]
		h.Current = &last
	}

	if !r.publish(gen, h) {
		reloadsTotal.WithLabelValues("stale").Inc()
		r.logger.Debug("reload superseded, result dropped", "identity_id", identityID)
		return h, nil
	}
	reloadsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("history reloaded",
		"identity_id", identityID,
		"listed_window", len(objects),
		"readings", len(out),
		"skipped", h.Skipped,
	)
	return h, nil
}

func (r *Reconciler) publish(gen uint64, h History) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	r.history = h
	return true
}

// Clear drops History and Current and invalidates any reload in flight.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.gen++
	r.history = emptyHistory()
	r.mu.Unlock()
}

// Snapshot returns the last published History.
func (r *Reconciler) Snapshot() History {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history
}

// Current returns the newest reading, if any.
func (r *Reconciler) Current() (Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.history.Current == nil {
		return Reading{}, false
	}
	return *r.history.Current, true
}

// Loading reports whether a reload is running.
func (r *Reconciler) Loading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading > 0
}
