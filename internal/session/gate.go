package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/i474232898/meteo-dashboard/internal/identity"
)

// Event is a sign-in state transition.
type Event int

const (
	SignedIn Event = iota + 1
	SignedOut
)

func (e Event) String() string {
	switch e {
	case SignedIn:
		return "signedIn"
	case SignedOut:
		return "signedOut"
	default:
		return "unknown"
	}
}

// Observer receives transitions. It runs synchronously on the goroutine that
// caused the transition and must not call SignIn or SignOut.
type Observer func(Event, identity.Identity)

// Authenticator turns an ID token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, idToken string) (identity.Identity, error)
}

// Attacher grants an identity access to the confirmation transport.
type Attacher interface {
	Attach(ctx context.Context, identityID, authToken string) error
}

type observer struct {
	id uint64
	fn Observer
}

// Gate tracks the signed-in identity of one dashboard and notifies observers
// of transitions.
type Gate struct {
	auth   Authenticator
	attach Attacher
	logger *slog.Logger

	// transition serialises SignIn/SignOut so observers see events in order.
	transition sync.Mutex

	mu        sync.RWMutex
	current   *identity.Identity
	observers []observer
	nextID    uint64
}

func NewGate(auth Authenticator, attach Attacher, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{auth: auth, attach: attach, logger: logger}
}

// CurrentUser returns the signed-in identity, if any.
func (g *Gate) CurrentUser() (identity.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return identity.Identity{}, false
	}
	return *g.current, true
}

// Credentials returns what downstream calls need from the session.
func (g *Gate) Credentials() (identity.Credentials, bool) {
	ident, ok := g.CurrentUser()
	if !ok {
		return identity.Credentials{}, false
	}
	return identity.Credentials{IdentityID: ident.ID, SessionToken: ident.Token}, true
}

// SignIn authenticates idToken and makes it the current identity. Signing in
// as a different identity signs the previous one out first. The entitlement
// attach completes before the identity becomes visible and before SignedIn
// observers run; its failure is logged only.
func (g *Gate) SignIn(ctx context.Context, idToken string) (identity.Identity, error) {
	ident, err := g.auth.Authenticate(ctx, idToken)
	if err != nil {
		return identity.Identity{}, err
	}

	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	prev := g.current
	switched := prev != nil && prev.ID != ident.ID
	if switched {
		g.current = nil
	}
	g.mu.Unlock()

	if switched {
		g.logger.Info("identity switched", "from", prev.ID, "to", ident.ID)
		g.notify(SignedOut, *prev)
	}

	// The identity is published only after attach has returned.
	if g.attach != nil {
		if err := g.attach.Attach(ctx, ident.ID, ident.Token); err != nil {
			g.logger.Warn("entitlement attach failed, continuing", "identity_id", ident.ID, "error", err)
		}
	}

	g.mu.Lock()
	g.current = &ident
	g.mu.Unlock()

	g.logger.Info("signed in", "identity_id", ident.ID, "sub", ident.Subject)
	g.notify(SignedIn, ident)
	return ident, nil
}

// SignOut clears the identity. Observers have run by the time it returns.
// It reports whether anyone was signed in.
func (g *Gate) SignOut() bool {
	g.transition.Lock()
	defer g.transition.Unlock()

	g.mu.Lock()
	prev := g.current
	g.current = nil
	g.mu.Unlock()

	if prev == nil {
		return false
	}
	g.logger.Info("signed out", "identity_id", prev.ID)
	g.notify(SignedOut, *prev)
	return true
}

// Observe registers fn and returns an idempotent cancel.
func (g *Gate) Observe(fn Observer) (cancel func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.observers = append(g.observers, observer{id: id, fn: fn})
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			for i, o := range g.observers {
				if o.id == id {
					g.observers = append(g.observers[:i:i], g.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (g *Gate) notify(ev Event, ident identity.Identity) {
	g.mu.RLock()
	obs := make([]observer, len(g.observers))
	copy(obs, g.observers)
	g.mu.RUnlock()

	for _, o := range obs {
		o.fn(ev, ident)
	}
}
