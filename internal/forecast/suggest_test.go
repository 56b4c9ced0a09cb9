package forecast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	err     error
	block   bool // wait for ctx cancellation on the first call
	places  []Place
}

func (f *fakeSearcher) SearchPlaces(ctx context.Context, name string, limit int) ([]Place, error) {
	f.mu.Lock()
	f.queries = append(f.queries, name)
	first := len(f.queries) == 1
	f.mu.Unlock()

	if f.block && first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Place, 0, limit)
	for _, p := range f.places {
		if len(out) == limit {
			break
		}
		out = append(out, p)
	}
	if len(f.places) == 0 {
		out = append(out, Place{Name: name})
	}
	return out, nil
}

func (f *fakeSearcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func waitSettled(t *testing.T, s *Suggester) Suggestions {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur := s.Current()
		if !cur.Pending {
			return cur
		}
		if time.Now().After(deadline) {
			t.Fatal("suggestions never settled")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSuggester_BurstIssuesOneRequest(t *testing.T) {
	f := &fakeSearcher{}
	s := NewSuggester(f, SuggesterOptions{Delay: 40 * time.Millisecond})
	defer s.Close()

	for _, q := range []string{"W", "Wa", "War", "Wars", "Warsz"} {
		s.Input(q)
		time.Sleep(5 * time.Millisecond)
	}
	cur := waitSettled(t, s)
	time.Sleep(60 * time.Millisecond)

	calls := f.calls()
	if len(calls) != 1 || calls[0] != "Warsz" {
		t.Fatalf("calls = %v, want exactly [Warsz]", calls)
	}
	if cur.Query != "Warsz" || len(cur.Places) != 1 || cur.Places[0].Name != "Warsz" {
		t.Fatalf("unexpected suggestions: %+v", cur)
	}
}

func TestSuggester_MinLength(t *testing.T) {
	f := &fakeSearcher{}
	s := NewSuggester(f, SuggesterOptions{Delay: 10 * time.Millisecond})
	defer s.Close()

	s.Input(" W ")
	time.Sleep(40 * time.Millisecond)

	if calls := f.calls(); len(calls) != 0 {
		t.Fatalf("no request expected below min length, got %v", calls)
	}
	if cur := s.Current(); cur.Pending || len(cur.Places) != 0 {
		t.Fatalf("unexpected state: %+v", cur)
	}
}

func TestSuggester_ShortInputClearsResults(t *testing.T) {
	f := &fakeSearcher{}
	s := NewSuggester(f, SuggesterOptions{Delay: 5 * time.Millisecond})
	defer s.Close()

	s.Input("Krak")
	if cur := waitSettled(t, s); len(cur.Places) != 1 {
		t.Fatalf("expected results, got %+v", cur)
	}
	s.Input("K")
	if cur := s.Current(); len(cur.Places) != 0 {
		t.Fatalf("short input must clear results, got %+v", cur)
	}
}

func TestSuggester_StaleInFlightCancelled(t *testing.T) {
	f := &fakeSearcher{block: true}
	s := NewSuggester(f, SuggesterOptions{Delay: 5 * time.Millisecond})
	defer s.Close()

	s.Input("Gda")
	deadline := time.Now().Add(time.Second)
	for len(f.calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(time.Millisecond)
	}

	s.Input("Gdansk")
	cur := waitSettled(t, s)
	if cur.Query != "Gdansk" || cur.Error != "" {
		t.Fatalf("stale request leaked into state: %+v", cur)
	}
	if len(cur.Places) != 1 || cur.Places[0].Name != "Gdansk" {
		t.Fatalf("unexpected places: %+v", cur.Places)
	}
}

func TestSuggester_ErrorClearsAndKeepsText(t *testing.T) {
	f := &fakeSearcher{err: errors.New("upstream returned HTTP 503")}
	s := NewSuggester(f, SuggesterOptions{Delay: 5 * time.Millisecond})
	defer s.Close()

	s.Input("Poznan")
	cur := waitSettled(t, s)
	if cur.Error == "" || len(cur.Places) != 0 {
		t.Fatalf("unexpected state: %+v", cur)
	}
}

func TestSuggester_LimitApplied(t *testing.T) {
	f := &fakeSearcher{places: make([]Place, 10)}
	s := NewSuggester(f, SuggesterOptions{Delay: 5 * time.Millisecond, Limit: 3})
	defer s.Close()

	s.Input("Lodz")
	if cur := waitSettled(t, s); len(cur.Places) != 3 {
		t.Fatalf("places = %d, want 3", len(cur.Places))
	}
}

func TestSuggester_Clear(t *testing.T) {
	f := &fakeSearcher{}
	s := NewSuggester(f, SuggesterOptions{Delay: 20 * time.Millisecond})
	defer s.Close()

	s.Input("Lublin")
	s.Clear()
	time.Sleep(50 * time.Millisecond)

	if calls := f.calls(); len(calls) != 0 {
		t.Fatalf("cleared input must not query, got %v", calls)
	}
	if cur := s.Current(); cur.Query != "" || cur.Pending {
		t.Fatalf("unexpected state: %+v", cur)
	}
}
