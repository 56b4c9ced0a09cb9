package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/meteo-dashboard/internal/cloudapi"
	"github.com/i474232898/meteo-dashboard/internal/identity"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// callLog records subscribe, unsubscribe and claim calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == s {
			n++
		}
	}
	return n
}

type fakeSubscriber struct {
	log *callLog
	err error
	// before runs inside Subscribe for the n-th call, after it is logged.
	before func(n int)

	mu       sync.Mutex
	n        int
	handlers []func([]byte)
}

func (f *fakeSubscriber) Subscribe(_ context.Context, topic string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	f.n++
	id := f.n
	f.mu.Unlock()

	f.log.add(fmt.Sprintf("subscribe#%d:%s", id, topic))
	if f.before != nil {
		f.before(id)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
	return func() { f.log.add(fmt.Sprintf("unsubscribe#%d", id)) }, nil
}

// deliver pushes a message to the n-th (1-based) subscription.
func (f *fakeSubscriber) deliver(n int) {
	f.mu.Lock()
	h := f.handlers[n-1]
	f.mu.Unlock()
	h([]byte(`{"claimed":true}`))
}

type fakeBroker struct {
	log    *callLog
	err    error
	onCall func()
	last   cloudapi.ClaimRequest
}

func (f *fakeBroker) Claim(_ context.Context, req cloudapi.ClaimRequest) error {
	f.log.add("claim:" + req.DeviceID)
	f.last = req
	if f.onCall != nil {
		f.onCall()
	}
	return f.err
}

type fakeSession struct {
	signedIn bool
}

func (f fakeSession) Credentials() (identity.Credentials, bool) {
	if !f.signedIn {
		return identity.Credentials{}, false
	}
	return identity.Credentials{IdentityID: "eu-north-1:abc", SessionToken: "id-token"}, true
}

type harness struct {
	log     *callLog
	sub     *fakeSubscriber
	broker  *fakeBroker
	reloads atomic.Int32
	coord   *Coordinator
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{log: &callLog{}}
	h.sub = &fakeSubscriber{log: h.log}
	h.broker = &fakeBroker{log: h.log}
	h.coord = NewCoordinator(fakeSession{signedIn: true}, h.sub, h.broker, Options{
		Timeout:     timeout,
		OnConfirmed: func(string) { h.reloads.Add(1) },
	})
	return h
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().State != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", c.Status().State, want)
		}
		time.Sleep(time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// preconditions
// ---------------------------------------------------------------------------

func TestSubmit_Preconditions(t *testing.T) {
	tests := []struct {
		name     string
		signedIn bool
		device   string
		code     string
		want     error
	}{
		{"not signed in", false, "st-1", "1234", ErrNotSignedIn},
		{"missing device", true, "  ", "1234", ErrMissingDeviceID},
		{"missing code", true, "st-1", "", ErrMissingPairingCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			c := NewCoordinator(fakeSession{signedIn: tt.signedIn}, &fakeSubscriber{log: log}, &fakeBroker{log: log}, Options{})

			st, err := c.Submit(context.Background(), tt.device, tt.code)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if st.State != Idle || st.Error == "" {
				t.Fatalf("status = %+v, want Idle with reason", st)
			}
			if calls := log.snapshot(); len(calls) != 0 {
				t.Fatalf("no network call expected, got %v", calls)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// handshake
// ---------------------------------------------------------------------------

func TestSubmit_SubscribesBeforeClaim(t *testing.T) {
	h := newHarness(t, time.Minute)

	st, err := h.coord.Submit(context.Background(), "st-1", "1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.State != AwaitingConfirmation || st.AttemptID == "" {
		t.Fatalf("status = %+v", st)
	}

	calls := h.log.snapshot()
	want := []string{"subscribe#1:devices/st-1/data", "claim:st-1"}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	if h.broker.last.PairingCode != "1234" || h.broker.last.IdentityID != "eu-north-1:abc" || h.broker.last.AuthToken != "id-token" {
		t.Fatalf("claim request = %+v", h.broker.last)
	}
	h.coord.Reset()
}

func TestConfirm_ReloadsOnceOnDuplicates(t *testing.T) {
	h := newHarness(t, time.Minute)
	if _, err := h.coord.Submit(context.Background(), "st-1", "1234"); err != nil {
		t.Fatal(err)
	}

	h.sub.deliver(1)
	h.sub.deliver(1)
	h.sub.deliver(1)

	if st := h.coord.Status(); st.State != Confirmed {
		t.Fatalf("state = %s, want confirmed", st.State)
	}
	if n := h.reloads.Load(); n != 1 {
		t.Fatalf("reloads = %d, want 1", n)
	}
	if n := h.log.count("unsubscribe#1"); n != 1 {
		t.Fatalf("unsubscribes = %d, want 1", n)
	}
}

func TestTimeout_ReleasesOnceNoReload(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	if _, err := h.coord.Submit(context.Background(), "st-1", "1234"); err != nil {
		t.Fatal(err)
	}

	waitState(t, h.coord, TimedOut)
	if st := h.coord.Status(); st.Message == "" || st.Error != "" {
		t.Fatalf("timeout must be advisory, got %+v", st)
	}

	// A late confirmation after the timeout is a no-op.
	h.sub.deliver(1)

	if st := h.coord.Status(); st.State != TimedOut {
		t.Fatalf("state = %s, want timedOut", st.State)
	}
	if n := h.log.count("unsubscribe#1"); n != 1 {
		t.Fatalf("unsubscribes = %d, want 1", n)
	}
	if n := h.reloads.Load(); n != 0 {
		t.Fatalf("reloads = %d, want 0", n)
	}
}

func TestConfirm_StopsTimer(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	if _, err := h.coord.Submit(context.Background(), "st-1", "1234"); err != nil {
		t.Fatal(err)
	}
	h.sub.deliver(1)
	time.Sleep(60 * time.Millisecond)

	if st := h.coord.Status(); st.State != Confirmed {
		t.Fatalf("state = %s, want confirmed", st.State)
	}
	if n := h.log.count("unsubscribe#1"); n != 1 {
		t.Fatalf("unsubscribes = %d, want 1", n)
	}
}

func TestSubmit_SecondClaimReleasesFirst(t *testing.T) {
	h := newHarness(t, time.Minute)
	if _, err := h.coord.Submit(context.Background(), "st-1", "1234"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Submit(context.Background(), "st-2", "5678"); err != nil {
		t.Fatal(err)
	}

	calls := h.log.snapshot()
	unsubAt, subAt := -1, -1
	for i, c := range calls {
		switch c {
		case "unsubscribe#1":
			unsubAt = i
		case "subscribe#2:devices/st-2/data":
			subAt = i
		}
	}
	if unsubAt < 0 || subAt < 0 || unsubAt > subAt {
		t.Fatalf("first subscription must be released before the second opens: %v", calls)
	}

	// The first channel can no longer confirm anything.
	h.sub.deliver(1)
	if st := h.coord.Status(); st.State != AwaitingConfirmation || st.DeviceID != "st-2" {
		t.Fatalf("status = %+v", st)
	}
	if h.reloads.Load() != 0 {
		t.Fatal("stale confirmation must not reload")
	}

	h.sub.deliver(2)
	if st := h.coord.Status(); st.State != Confirmed {
		t.Fatalf("state = %s", st.State)
	}
	if h.log.count("unsubscribe#1") != 1 {
		t.Fatal("first subscription released more than once")
	}
}

func TestSubmit_SupersedeWaitsForPendingSubscribe(t *testing.T) {
	h := newHarness(t, time.Minute)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.sub.before = func(n int) {
		if n == 1 {
			close(entered)
			<-unblock
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = h.coord.Submit(context.Background(), "st-1", "1111")
	}()
	<-entered

	second := make(chan Status, 1)
	go func() {
		defer wg.Done()
		st, _ := h.coord.Submit(context.Background(), "st-2", "2222")
		second <- st
	}()

	time.Sleep(30 * time.Millisecond)
	if n := h.log.count("subscribe#2:devices/st-2/data"); n != 0 {
		t.Fatalf("second subscription opened while the first was pending: %v", h.log.snapshot())
	}

	close(unblock)
	wg.Wait()

	calls := h.log.snapshot()
	index := func(s string) int {
		for i, c := range calls {
			if c == s {
				return i
			}
		}
		return -1
	}
	unsub1, sub2, claim2 := index("unsubscribe#1"), index("subscribe#2:devices/st-2/data"), index("claim:st-2")
	if unsub1 < 0 || sub2 < 0 || claim2 < 0 || unsub1 > sub2 || sub2 > claim2 {
		t.Fatalf("unexpected call order: %v", calls)
	}
	if st := <-second; st.State != AwaitingConfirmation || st.DeviceID != "st-2" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if h.log.count("unsubscribe#2") != 0 {
		t.Fatalf("live subscription released: %v", calls)
	}
}

func TestSubmit_ClaimFailureRejects(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.broker.err = errors.New("upstream returned HTTP 403: invalid nonce")

	st, err := h.coord.Submit(context.Background(), "st-1", "bad")
	if err != nil {
		t.Fatalf("upstream failures are reported in status, got %v", err)
	}
	if st.State != Rejected || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
	if h.log.count("unsubscribe#1") != 1 {
		t.Fatal("rejected attempt must release its subscription")
	}

	time.Sleep(50 * time.Millisecond)
	if h.coord.Status().State != Rejected {
		t.Fatal("timer must not fire after rejection")
	}
}

func TestSubmit_SubscribeFailureRejectsWithoutClaim(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.sub.err = errors.New("mqtt client not connected")

	st, err := h.coord.Submit(context.Background(), "st-1", "1234")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Rejected {
		t.Fatalf("state = %s", st.State)
	}
	if h.log.count("claim:st-1") != 0 {
		t.Fatal("claim must not be sent without a confirmation channel")
	}
}

func TestSubmit_ConfirmationDuringClaimCall(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.broker.onCall = func() { h.sub.deliver(1) }

	st, err := h.coord.Submit(context.Background(), "st-1", "1234")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != Confirmed {
		t.Fatalf("state = %s, want confirmed", st.State)
	}
	if h.reloads.Load() != 1 {
		t.Fatalf("reloads = %d", h.reloads.Load())
	}
}

func TestReset_ReleasesAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	if _, err := h.coord.Submit(context.Background(), "st-1", "1234"); err != nil {
		t.Fatal(err)
	}

	h.coord.Reset()
	h.coord.Reset()

	if st := h.coord.Status(); st.State != Idle {
		t.Fatalf("state = %s", st.State)
	}
	if h.log.count("unsubscribe#1") != 1 {
		t.Fatal("reset must release the subscription exactly once")
	}

	time.Sleep(50 * time.Millisecond)
	h.sub.deliver(1)
	if st := h.coord.Status(); st.State != Idle {
		t.Fatalf("late events must be ignored after reset, state = %s", st.State)
	}
	if h.reloads.Load() != 0 {
		t.Fatal("no reload expected after reset")
	}
}

func TestTopicFor(t *testing.T) {
	c := NewCoordinator(fakeSession{}, nil, nil, Options{Topic: "$aws/things/{deviceId}/shadow/update/accepted"})
	if got := c.TopicFor("st-9"); got != "$aws/things/st-9/shadow/update/accepted" {
		t.Fatalf("topic = %q", got)
	}
}
