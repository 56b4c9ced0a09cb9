package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/i474232898/meteo-dashboard/internal/claim"
	"github.com/i474232898/meteo-dashboard/internal/forecast"
	"github.com/i474232898/meteo-dashboard/internal/identity"
	"github.com/i474232898/meteo-dashboard/internal/session"
	"github.com/i474232898/meteo-dashboard/internal/station"
)

var ErrNotSignedIn = errors.New("not signed in")

const reloadTimeout = 30 * time.Second

// StoreFunc returns the object store scoped to an identity's credentials.
type StoreFunc func(identity.Identity) station.ObjectStore

// Deps are the process-wide collaborators every dashboard shares.
type Deps struct {
	Auth       session.Authenticator
	Attacher   session.Attacher
	Stores     StoreFunc
	Subscriber claim.Subscriber
	Broker     claim.Broker
	Places     forecast.Provider

	History station.Options
	Claim   claim.Options
	Suggest forecast.SuggesterOptions
	Logger  *slog.Logger
}

// Dashboard is one UI session: identity, reading history, device claim and
// city forecast.
type Dashboard struct {
	ID        string
	CreatedAt time.Time

	Gate      *session.Gate
	History   *station.Reconciler
	Claims    *claim.Coordinator
	Suggester *forecast.Suggester
	City      *forecast.CityView

	store  *identityStore
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	unobserve func()
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New wires one dashboard. Sign-in triggers a background history reload,
// sign-out clears history and any claim before SignOut returns, and a
// confirmed claim triggers another reload.
func New(id string, deps Deps) *Dashboard {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("dashboard_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		store:     &identityStore{},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	d.Gate = session.NewGate(deps.Auth, deps.Attacher, logger)

	histOpts := deps.History
	histOpts.Logger = logger
	d.History = station.NewReconciler(d.store, histOpts)

	claimOpts := deps.Claim
	claimOpts.Logger = logger
	claimOpts.OnConfirmed = func(deviceID string) {
		if ident, ok := d.Gate.CurrentUser(); ok {
			d.logger.Info("device claimed, reloading history", "device_id", deviceID)
			d.reloadAsync(ident.ID)
		}
	}
	d.Claims = claim.NewCoordinator(d.Gate, deps.Subscriber, deps.Broker, claimOpts)

	suggestOpts := deps.Suggest
	suggestOpts.Logger = logger
	d.Suggester = forecast.NewSuggester(deps.Places, suggestOpts)
	d.City = forecast.NewCityView(deps.Places, logger)

	d.unobserve = d.Gate.Observe(func(ev session.Event, ident identity.Identity) {
		switch ev {
		case session.SignedIn:
			d.store.set(deps.Stores(ident))
			d.reloadAsync(ident.ID)
		case session.SignedOut:
			d.store.set(nil)
			d.History.Clear()
			d.Claims.Reset()
		}
	})
	return d
}

func (d *Dashboard) reloadAsync(identityID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, reloadTimeout)
		defer cancel()
		if _, err := d.History.Reload(ctx, identityID); err != nil {
			d.logger.Warn("history reload failed", "identity_id", identityID, "error", err)
		}
	}()
}

// Reload rebuilds history for the signed-in identity and waits for it.
func (d *Dashboard) Reload(ctx context.Context) (station.History, error) {
	ident, ok := d.Gate.CurrentUser()
	if !ok {
		return station.History{}, ErrNotSignedIn
	}
	return d.History.Reload(ctx, ident.ID)
}

// Refresh reloads history in the background when someone is signed in.
func (d *Dashboard) Refresh() bool {
	ident, ok := d.Gate.CurrentUser()
	if !ok {
		return false
	}
	d.reloadAsync(ident.ID)
	return true
}

// SelectPlace clears the suggestions and loads the forecast for place.
func (d *Dashboard) SelectPlace(ctx context.Context, place forecast.Place) forecast.Selection {
	d.Suggester.Clear()
	return d.City.Select(ctx, place)
}

// Close signs out, stops timers and waits for background reloads.
func (d *Dashboard) Close() {
	d.closeOnce.Do(func() {
		d.Gate.SignOut()
		d.unobserve()
		d.Suggester.Close()
		d.City.Clear()

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.cancel()
		d.wg.Wait()
		d.logger.Debug("dashboard closed")
	})
}

// identityStore forwards to the store of the signed-in identity.
type identityStore struct {
	mu    sync.RWMutex
	store station.ObjectStore
}

func (s *identityStore) set(store station.ObjectStore) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

func (s *identityStore) get() (station.ObjectStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, ErrNotSignedIn
	}
	return s.store, nil
}

func (s *identityStore) List(ctx context.Context, prefix string) ([]station.Object, error) {
	store, err := s.get()
	if err != nil {
		return nil, err
	}
	return store.List(ctx, prefix)
}

func (s *identityStore) Get(ctx context.Context, key string) ([]byte, error) {
	store, err := s.get()
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}
