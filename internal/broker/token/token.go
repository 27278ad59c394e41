// Package token owns the access/refresh token pair and its lifecycle:
// initial login, proactive refresh ahead of expiry, and reactive refresh
// when the executor observes a 401.
package token

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lockerbot/gobroker/internal/broker/transport"
	"github.com/lockerbot/gobroker/pkg/persistence"
)

var log = logrus.WithField("component", "token_manager")

// Credentials is what the caller supplies to Connect.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// State is the live token pair. Exactly one State exists per connected
// session; it is replaced atomically on every refresh.
type State struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Manager holds the token state. Concurrent Refresh calls coalesce into a
// single network call; late callers receive the first call's result.
type Manager struct {
	transport *transport.Client

	refreshMargin time.Duration
	retryInterval time.Duration

	mu    sync.RWMutex
	state State
	store persistence.Store

	sf singleflight.Group
}

// NewManager creates a manager with no token; Login must run first.
func NewManager(tr *transport.Client, refreshMargin, retryInterval time.Duration) *Manager {
	return &Manager{
		transport:     tr,
		refreshMargin: refreshMargin,
		retryInterval: retryInterval,
	}
}

// AttachStore enables session resume: the token pair is persisted on every
// change, and a stored pair that is still comfortably inside its lifetime
// is restored immediately.
func (m *Manager) AttachStore(store persistence.Store) {
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()

	var saved State
	if err := store.Load(&saved); err != nil {
		if err != persistence.ErrNotExists {
			log.Warnf("could not load saved session: %v", err)
		}
		return
	}
	if saved.AccessToken == "" || time.Until(saved.ExpiresAt) < m.refreshMargin {
		return
	}

	m.mu.Lock()
	m.state = saved
	m.mu.Unlock()
	log.Infof("restored saved session, token valid until %s", saved.ExpiresAt.Format(time.RFC3339))
}

// Login exchanges credentials for the initial token pair. When a restored
// session already holds a live token, no network call is made.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	m.mu.RLock()
	restored := m.state.AccessToken != "" && time.Until(m.state.ExpiresAt) >= m.refreshMargin
	m.mu.RUnlock()
	if restored {
		return nil
	}
	var resp authResponse
	err := m.transport.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Endpoint: "/auth/login",
		Body:     creds,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return transport.ErrNoToken
	}

	m.setState(resp)
	log.Info("authenticated with broker")
	return nil
}

// Current returns the live access token, or ErrNoToken when the session
// holds none.
func (m *Manager) Current() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.AccessToken == "" {
		return "", transport.ErrNoToken
	}
	return m.state.AccessToken, nil
}

// ExpiresAt returns the current token's expiry instant.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ExpiresAt
}

// Refresh exchanges the refresh token for a new pair. Safe to call
// concurrently: overlapping calls share one network exchange.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		m.mu.RLock()
		refreshToken := m.state.RefreshToken
		m.mu.RUnlock()
		if refreshToken == "" {
			return nil, transport.ErrNoToken
		}

		var resp authResponse
		err := m.transport.Do(ctx, transport.Request{
			Method:   http.MethodPost,
			Endpoint: "/auth/refresh",
			Body:     map[string]string{"refresh_token": refreshToken},
		}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.AccessToken == "" {
			return nil, transport.ErrNoToken
		}

		if resp.RefreshToken == "" {
			// Broker kept the refresh token; carry the current one forward.
			resp.RefreshToken = refreshToken
		}
		m.setState(resp)
		log.Info("refreshed access token")
		return nil, nil
	})
	return err
}

func (m *Manager) setState(resp authResponse) {
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	m.mu.Lock()
	m.state = State{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	store, state := m.store, m.state
	m.mu.Unlock()

	if store != nil {
		if err := store.Save(state); err != nil {
			log.Warnf("could not persist session: %v", err)
		}
	}
}

// Clear drops the token pair. Used on disconnect.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.state = State{}
	m.mu.Unlock()
}

// RunScheduler refreshes the token a margin before expiry, until ctx ends.
// A failed refresh is logged and retried on a fixed interval; the scheduler
// never takes the connectivity layer down.
func (m *Manager) RunScheduler(ctx context.Context) {
	for {
		expiresAt := m.ExpiresAt()

		var wait time.Duration
		if expiresAt.IsZero() {
			// No expiry known yet; poll until login has happened.
			wait = m.retryInterval
		} else {
			wait = time.Until(expiresAt.Add(-m.refreshMargin))
			if wait < 0 {
				wait = 0
			}
		}

		if !sleep(ctx, wait) {
			return
		}
		if m.ExpiresAt().IsZero() {
			continue
		}

		if err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("scheduled token refresh failed, retrying in %v: %v", m.retryInterval, err)
			if !sleep(ctx, m.retryInterval) {
				return
			}
		}
	}
}

// sleep waits d unless ctx ends first; reports whether the full wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		// Yield to the context before a zero-length wait.
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
