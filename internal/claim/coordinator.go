package claim

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/i474232898/meteo-dashboard/internal/cloudapi"
	"github.com/i474232898/meteo-dashboard/internal/identity"
)

// State of the current claim attempt.
type State string

const (
	Idle                 State = "idle"
	Validating           State = "validating"
	AwaitingConfirmation State = "awaitingConfirmation"
	Confirmed            State = "confirmed"
	TimedOut             State = "timedOut"
	Rejected             State = "rejected"
)

// Terminal reports whether no further transition can happen for the attempt.
func (s State) Terminal() bool {
	return s == Confirmed || s == TimedOut || s == Rejected
}

var (
	ErrNotSignedIn        = errors.New("sign in to claim a device")
	ErrMissingDeviceID    = errors.New("device id is required")
	ErrMissingPairingCode = errors.New("pairing code is required")
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultTopic   = "devices/{deviceId}/data"

	msgAwaiting = "Claim sent, waiting for the device to confirm."
	msgTimedOut = "The device has not confirmed yet. Pairing may take longer; check again later."
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashboard_claim_attempts_total",
		Help: "Claim attempts by terminal state.",
	}, []string{"state"})
	confirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dashboard_claim_confirmations_received_total",
		Help: "Messages received on confirmation channels, duplicates included.",
	})
)

// Subscriber opens a confirmation channel; the returned function releases it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error)
}

// Broker sends the claim request.
type Broker interface {
	Claim(ctx context.Context, req cloudapi.ClaimRequest) error
}

// Session reports the signed-in identity, if any.
type Session interface {
	Credentials() (identity.Credentials, bool)
}

// Status is a snapshot of the current attempt.
type Status struct {
	AttemptID string    `json:"attemptId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

type Options struct {
	// Topic may contain {deviceId}.
	Topic   string
	Timeout time.Duration
	Logger  *slog.Logger
	// OnConfirmed runs once per confirmed attempt, after the coordinator
	// lock is released. It must not block.
	OnConfirmed func(deviceID string)
}

// Coordinator runs at most one claim attempt at a time.
type Coordinator struct {
	session Session
	sub     Subscriber
	broker  Broker

	topic       string
	timeout     time.Duration
	logger      *slog.Logger
	onConfirmed func(string)

	// submitMu is held from superseding the previous attempt until the new
	// subscription is registered, so at most one confirmation subscription
	// is ever live.
	submitMu sync.Mutex

	mu     sync.Mutex
	status Status
	// gen identifies the live attempt. Callbacks from older attempts carry a
	// stale gen and become no-ops.
	gen   uint64
	unsub func()
	timer *time.Timer
}

func NewCoordinator(session Session, sub Subscriber, broker Broker, opts Options) *Coordinator {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		session:     session,
		sub:         sub,
		broker:      broker,
		topic:       opts.Topic,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		onConfirmed: opts.OnConfirmed,
		status:      Status{State: Idle},
	}
}

// TopicFor returns the confirmation channel of a device.
func (c *Coordinator) TopicFor(deviceID string) string {
	return strings.ReplaceAll(c.topic, "{deviceId}", deviceID)
}

// Submit starts a new attempt, superseding any previous one. Precondition
// failures return one of the Err* values with the coordinator back in Idle.
// Upstream failures are reported through the returned Status.
func (c *Coordinator) Submit(ctx context.Context, deviceID, pairingCode string) (Status, error) {
	deviceID = strings.TrimSpace(deviceID)
	pairingCode = strings.TrimSpace(pairingCode)
	now := time.Now().UTC()

	c.submitMu.Lock()
	submitLocked := true
	defer func() {
		if submitLocked {
			c.submitMu.Unlock()
		}
	}()

	c.mu.Lock()
	prev := c.release()
	c.status = Status{DeviceID: deviceID, State: Validating, StartedAt: now, UpdatedAt: now}
	c.mu.Unlock()
	if prev != nil {
		prev()
		c.logger.Debug("previous claim superseded")
	}

	creds, signedIn := c.session.Credentials()
	var err error
	switch {
	case !signedIn:
		err = ErrNotSignedIn
	case deviceID == "":
		err = ErrMissingDeviceID
	case pairingCode == "":
		err = ErrMissingPairingCode
	}
	if err != nil {
		c.mu.Lock()
		c.status = Status{DeviceID: deviceID, State: Idle, Error: err.Error(), UpdatedAt: now}
		st := c.status
		c.mu.Unlock()
		return st, err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.status = Status{
		AttemptID: uuid.NewString(),
		DeviceID:  deviceID,
		State:     AwaitingConfirmation,
		Message:   msgAwaiting,
		StartedAt: now,
		UpdatedAt: now,
	}
	attemptID := c.status.AttemptID
	c.mu.Unlock()

	log := c.logger.With("attempt_id", attemptID, "device_id", deviceID)
	topic := c.TopicFor(deviceID)

	// The confirmation channel must exist before the claim reaches the broker,
	// or a fast device could confirm into the void.
	unsub, err := c.sub.Subscribe(ctx, topic, func(payload []byte) {
		c.confirm(gen, payload)
	})
	if err != nil {
		log.Warn("confirmation subscribe failed", "topic", topic, "error", err)
		c.finish(gen, Rejected, "Could not open the confirmation channel.", err)
		return c.Status(), nil
	}

	c.mu.Lock()
	if gen != c.gen || c.status.State != AwaitingConfirmation {
		// Superseded, reset or already confirmed while subscribing.
		c.mu.Unlock()
		unsub()
		return c.Status(), nil
	}
	c.unsub = unsub
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(gen) })
	c.mu.Unlock()
	submitLocked = false
	c.submitMu.Unlock()
	log.Info("awaiting claim confirmation", "topic", topic, "timeout", c.timeout)

	err = c.broker.Claim(ctx, cloudapi.ClaimRequest{
		DeviceID:    deviceID,
		PairingCode: pairingCode,
		IdentityID:  creds.IdentityID,
		AuthToken:   creds.SessionToken,
	})
	if err != nil {
		log.Warn("claim request failed", "error", err)
		c.finish(gen, Rejected, "The claim request was rejected.", err)
	}
	return c.Status(), nil
}

func (c *Coordinator) confirm(gen uint64, payload []byte) {
	confirmationsTotal.Inc()

	c.mu.Lock()
	if gen != c.gen || c.status.State != AwaitingConfirmation {
		c.mu.Unlock()
		c.logger.Debug("confirmation ignored", "size", len(payload))
		return
	}
	deviceID := c.status.DeviceID
	unsub := c.transition(Confirmed, "Device claimed.", nil)
	cb := c.onConfirmed
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.logger.Info("claim confirmed", "device_id", deviceID)
	if cb != nil {
		cb(deviceID)
	}
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status.State != AwaitingConfirmation {
		c.mu.Unlock()
		return
	}
	deviceID := c.status.DeviceID
	unsub := c.transition(TimedOut, msgTimedOut, nil)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.logger.Info("claim confirmation timed out", "device_id", deviceID, "timeout", c.timeout)
}

func (c *Coordinator) finish(gen uint64, state State, msg string, err error) {
	c.mu.Lock()
	if gen != c.gen || c.status.State != AwaitingConfirmation {
		c.mu.Unlock()
		return
	}
	unsub := c.transition(state, msg, err)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// transition moves the live attempt to a terminal state and hands back the
// subscription for release outside the lock. Caller holds c.mu.
func (c *Coordinator) transition(state State, msg string, err error) func() {
	c.status.State = state
	c.status.Message = msg
	if err != nil {
		c.status.Error = err.Error()
	}
	c.status.UpdatedAt = time.Now().UTC()
	attemptsTotal.WithLabelValues(string(state)).Inc()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	unsub := c.unsub
	c.unsub = nil
	return unsub
}

// release invalidates the live attempt. Caller holds c.mu.
func (c *Coordinator) release() func() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	unsub := c.unsub
	c.unsub = nil
	return unsub
}

// Status returns the current attempt.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Reset drops any attempt and returns to Idle. Used on sign-out.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	unsub := c.release()
	c.status = Status{State: Idle}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
