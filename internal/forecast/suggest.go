package forecast

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultSuggestDelay     = 500 * time.Millisecond
	DefaultSuggestMinLength = 2
	DefaultSuggestLimit     = 5

	suggestTimeout = 10 * time.Second
)

// Suggestions is the suggester state for the latest input.
type Suggestions struct {
	Query   string  `json:"query"`
	Places  []Place `json:"places"`
	Pending bool    `json:"pending"`
	Error   string  `json:"error,omitempty"`
}

type SuggesterOptions struct {
	Delay     time.Duration
	MinLength int
	Limit     int
	Logger    *slog.Logger
}

// Suggester debounces keystrokes into place searches. Only the latest input
// ever publishes: a new keystroke stops the pending timer and cancels the
// request in flight.
type Suggester struct {
	search PlaceSearcher
	delay  time.Duration
	minLen int
	limit  int
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	state  Suggestions
}

func NewSuggester(search PlaceSearcher, opts SuggesterOptions) *Suggester {
	if opts.Delay <= 0 {
		opts.Delay = DefaultSuggestDelay
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultSuggestMinLength
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSuggestLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Suggester{
		search: search,
		delay:  opts.Delay,
		minLen: opts.MinLength,
		limit:  opts.Limit,
		logger: opts.Logger,
		state:  Suggestions{Places: []Place{}},
	}
}

// Input records a keystroke. Inputs shorter than the minimum clear the
// suggestions without querying.
func (s *Suggester) Input(query string) {
	query = strings.TrimSpace(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	seq := s.seq

	s.state = Suggestions{Query: query, Places: []Place{}}
	if utf8.RuneCountInString(query) < s.minLen {
		return
	}
	s.state.Pending = true
	s.timer = time.AfterFunc(s.delay, func() { s.run(seq, query) })
}

func (s *Suggester) run(seq uint64, query string) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), suggestTimeout)
	s.cancel = cancel
	s.mu.Unlock()

	places, err := s.search.SearchPlaces(ctx, query, s.limit)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		s.logger.Debug("stale place suggestions dropped", "query", query)
		return
	}
	s.cancel = nil
	s.state.Pending = false
	if err != nil {
		s.logger.Warn("place suggestions failed", "query", query, "error", err)
		s.state.Places = []Place{}
		s.state.Error = err.Error()
		return
	}
	if len(places) > s.limit {
		places = places[:s.limit]
	}
	s.state.Places = places
	s.state.Error = ""
}

// Current returns the suggestions for the latest input.
func (s *Suggester) Current() Suggestions {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Places = append([]Place(nil), s.state.Places...)
	if out.Places == nil {
		out.Places = []Place{}
	}
	return out
}

// Clear drops the input and results, e.g. after a place was selected.
func (s *Suggester) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.state = Suggestions{Places: []Place{}}
}

// Close stops any pending or in-flight search.
func (s *Suggester) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopLocked invalidates the pending timer and in-flight request.
func (s *Suggester) stopLocked() {
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
