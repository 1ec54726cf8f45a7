package vendorauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func tokenResponse(w http.ResponseWriter, access, refresh string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"expires_in":%d,"scope":"read"}`, access, refresh, expiresIn)
}

func TestTokenCachedUntilMargin(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		tokenResponse(w, "tok-1", "refresh-1", 3600)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	for i := 0; i < 5; i++ {
		tok, err := m.Token(context.Background())
		if err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
		if tok.AccessToken != "tok-1" {
			t.Fatalf("unexpected access token %q", tok.AccessToken)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 token endpoint call, got %d", got)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", m.State())
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		tokenResponse(w, "tok-1", "", 3600)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent token: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single collapsed refresh, got %d calls", got)
	}
}

func TestRefreshUsesRefreshTokenGrant(t *testing.T) {
	var grants []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		grants = append(grants, r.PostForm.Get("grant_type"))
		n := len(grants)
		mu.Unlock()
		tokenResponse(w, fmt.Sprintf("tok-%d", n), "refresh-1", 3600)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("initial token: %v", err)
	}
	m.Invalidate()
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token after invalidate: %v", err)
	}
	if tok.AccessToken != "tok-2" {
		t.Fatalf("expected fresh token after invalidate, got %q", tok.AccessToken)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(grants) != 2 || grants[0] != "client_credentials" || grants[1] != "refresh_token" {
		t.Fatalf("unexpected grant sequence %v", grants)
	}
}

func TestRejectedRefreshFallsBackToClientCredentials(t *testing.T) {
	var grants []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		grant := r.PostForm.Get("grant_type")
		mu.Lock()
		grants = append(grants, grant)
		mu.Unlock()
		if grant == "refresh_token" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		tokenResponse(w, "tok-fresh", "refresh-2", 3600)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t), WithRetryBase(time.Millisecond))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.current.Store(&Token{AccessToken: "stale", RefreshToken: "refresh-old", ExpiresAt: time.Now().Add(-time.Minute)})

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "tok-fresh" {
		t.Fatalf("expected client-credentials fallback token, got %q", tok.AccessToken)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(grants) != 2 || grants[0] != "refresh_token" || grants[1] != "client_credentials" {
		t.Fatalf("unexpected grant sequence %v", grants)
	}
}

func TestExpiredAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t),
		WithMaxAttempts(1), WithMaxFailures(2), WithRetryBase(time.Millisecond))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := m.Token(context.Background()); err == nil {
		t.Fatal("expected first refresh to fail")
	} else if errors.Is(err, ErrExpired) {
		t.Fatalf("expired too early: %v", err)
	}
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired after failure budget, got %v", err)
	}
	if m.State() != StateExpired {
		t.Fatalf("expected expired state, got %s", m.State())
	}
}

func TestExpiredRecoversOnNextSuccess(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "upstream down", http.StatusInternalServerError)
			return
		}
		tokenResponse(w, "tok-recovered", "", 3600)
	}))
	defer srv.Close()

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t),
		WithMaxAttempts(1), WithMaxFailures(1), WithRetryBase(time.Millisecond))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := m.Token(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	healthy.Store(true)
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token after recovery: %v", err)
	}
	if tok.AccessToken != "tok-recovered" {
		t.Fatalf("unexpected token %q", tok.AccessToken)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", m.State())
	}
}

func TestWaiterHonorsOwnContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		tokenResponse(w, "tok-slow", "", 3600)
	}))
	defer srv.Close()
	defer close(release)

	m, err := NewManager(srv.URL, "client", "secret", nil, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Token(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiter deadline, got %v", err)
	}
}

type memoryTokenStore struct {
	mu    sync.Mutex
	tok   *Token
	saves int
}

func (s *memoryTokenStore) Load(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, nil
}

func (s *memoryTokenStore) Save(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = &token
	s.saves++
	return nil
}

func TestPersistedTokenSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected token endpoint call")
	}))
	defer srv.Close()

	store := &memoryTokenStore{tok: &Token{
		AccessToken:  "persisted",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	m, err := NewManager(srv.URL, "client", "secret", store, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "persisted" {
		t.Fatalf("expected persisted token, got %q", tok.AccessToken)
	}
}

func TestRefreshPersistsNewToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "tok-1", "refresh-1", 3600)
	}))
	defer srv.Close()

	store := &memoryTokenStore{}
	m, err := NewManager(srv.URL, "client", "secret", store, newTestLogger(t))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saves != 1 || store.tok == nil || store.tok.AccessToken != "tok-1" {
		t.Fatalf("expected one persisted token, got saves=%d tok=%+v", store.saves, store.tok)
	}
}
