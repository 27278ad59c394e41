package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lockerbot/gobroker/internal/broker/transport"
	"github.com/lockerbot/gobroker/pkg/persistence"
)

func authHandler(loginHits, refreshHits *int64, delay time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(loginHits, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		n := atomic.AddInt64(refreshHits, 1)
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.RefreshToken == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-refreshed",
			"expires_in":   3600,
			"_hit":         n,
		})
	})
	return mux
}

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr := transport.NewClient(srv.URL, 5*time.Second)
	return NewManager(tr, 5*time.Minute, time.Minute), srv
}

func TestCurrentBeforeLogin(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	if _, err := m.Current(); err != transport.ErrNoToken {
		t.Fatalf("Current before login = %v, want ErrNoToken", err)
	}
}

func TestLoginStoresTokenPair(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	if err := m.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	tok, err := m.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tok != "access-1" {
		t.Fatalf("Current = %q, want access-1", tok)
	}
	if exp := m.ExpiresAt(); time.Until(exp) < 55*time.Minute {
		t.Fatalf("ExpiresAt = %v, want roughly an hour out", exp)
	}
}

func TestRefreshReplacesTokenAndKeepsRefreshToken(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	if err := m.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tok, _ := m.Current()
	if tok != "access-refreshed" {
		t.Fatalf("Current after refresh = %q", tok)
	}

	// The broker did not rotate the refresh token, so the old one must
	// still work for the next refresh.
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if got := atomic.LoadInt64(&refreshHits); got != 2 {
		t.Fatalf("refresh endpoint hit %d times, want 2", got)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 100*time.Millisecond))

	if err := m.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&refreshHits); got != 1 {
		t.Fatalf("8 concurrent refreshes hit the endpoint %d times, want 1", got)
	}
}

func TestRefreshWithoutTokenFails(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	if err := m.Refresh(context.Background()); err != transport.ErrNoToken {
		t.Fatalf("Refresh without login = %v, want ErrNoToken", err)
	}
}

func TestClearDropsToken(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	if err := m.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	m.Clear()
	if _, err := m.Current(); err != transport.ErrNoToken {
		t.Fatalf("Current after Clear = %v, want ErrNoToken", err)
	}
}

func TestSessionResumeAcrossManagers(t *testing.T) {
	var loginHits, refreshHits int64
	handler := authHandler(&loginHits, &refreshHits, 0)

	srv := httptest.NewServer(handler)
	defer srv.Close()
	tr := transport.NewClient(srv.URL, 5*time.Second)

	store := persistence.NewJSONFileService(t.TempDir()).NewStore("session")

	first := NewManager(tr, 5*time.Minute, time.Minute)
	first.AttachStore(store)
	if err := first.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := atomic.LoadInt64(&loginHits); got != 1 {
		t.Fatalf("login hits = %d, want 1", got)
	}

	// A new manager with the same store picks up the saved pair and skips
	// the network login entirely.
	second := NewManager(tr, 5*time.Minute, time.Minute)
	second.AttachStore(store)
	if err := second.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("resumed Login: %v", err)
	}
	if got := atomic.LoadInt64(&loginHits); got != 1 {
		t.Fatalf("login hits = %d after resume, want still 1", got)
	}

	tok, err := second.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tok != "access-1" {
		t.Fatalf("resumed token = %q, want access-1", tok)
	}
}

func TestExpiredSavedSessionIsIgnored(t *testing.T) {
	var loginHits, refreshHits int64
	m, _ := newTestManager(t, authHandler(&loginHits, &refreshHits, 0))

	store := persistence.NewJSONFileService(t.TempDir()).NewStore("session")
	if err := store.Save(State{
		AccessToken:  "stale",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(time.Minute), // inside the refresh margin
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m.AttachStore(store)
	if _, err := m.Current(); err != transport.ErrNoToken {
		t.Fatal("near-expiry saved session must not be restored")
	}

	if err := m.Login(context.Background(), Credentials{APIKey: "k", APISecret: "s"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := atomic.LoadInt64(&loginHits); got != 1 {
		t.Fatalf("login hits = %d, want 1", got)
	}
}
