package vendorauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"thermolink/internal/observability/metrics"
)

// State is the manager's credential lifecycle state.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrExpired is surfaced to all callers after the refresh budget is
// exhausted. The integration layer stays down until a refresh succeeds,
// but the process must not crash.
var ErrExpired = errors.New("vendorauth: credentials expired")

// Manager owns the OAuth2 session with the vendor token endpoint. It is an
// account-wide singleton: concurrent callers share one cached token, and a
// refresh is collapsed to a single network call.
type Manager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	margin       time.Duration
	maxAttempts  int
	maxFailures  int
	retryBase    time.Duration
	timeout      time.Duration
	store        TokenStore
	client       *http.Client
	logger       *log.Logger
	now          func() time.Time

	current  atomic.Pointer[Token]
	state    atomic.Int32
	loadOnce sync.Once

	mu       sync.Mutex
	failures int

	group singleflight.Group
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithMargin sets the refresh safety margin.
func WithMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		if margin > 0 {
			m.margin = margin
		}
	}
}

// WithMaxAttempts sets the network attempt budget within one refresh.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithMaxFailures sets how many consecutive refresh failures flip the
// manager to expired.
func WithMaxFailures(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// WithRetryBase sets the backoff base between refresh attempts.
func WithRetryBase(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retryBase = d
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithClock injects a clock, used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a token manager against the vendor token endpoint.
func NewManager(tokenURL, clientID, clientSecret string, store TokenStore, logger *log.Logger, opts ...ManagerOption) (*Manager, error) {
	if tokenURL == "" {
		return nil, errors.New("vendorauth: empty token url")
	}
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("vendorauth: missing client credentials")
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		tokenURL:     strings.TrimRight(tokenURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		margin:       5 * time.Minute,
		maxAttempts:  3,
		maxFailures:  5,
		retryBase:    500 * time.Millisecond,
		timeout:      10 * time.Second,
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Token returns a currently valid bearer token, transparently refreshing if
// the cached one is inside the safety margin. Concurrent callers detecting
// an expiring token share one refresh; waiters honor their own context.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	m.loadOnce.Do(func() { m.loadPersisted(ctx) })

	if tok := m.current.Load(); tok != nil && tok.ValidFor(m.margin, m.now()) {
		return *tok, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		// The refresh runs detached from the initiating caller so its
		// cancellation cannot strand waiters mid-flight.
		refreshCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		return m.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

// Invalidate forces a re-authentication on the next Token call. Used after
// the vendor rejects a bearer token with 401.
func (m *Manager) Invalidate() {
	if tok := m.current.Load(); tok != nil {
		invalidated := *tok
		invalidated.ExpiresAt = time.Time{}
		m.current.Store(&invalidated)
	}
	m.state.Store(int32(StateUnauthenticated))
}

func (m *Manager) loadPersisted(ctx context.Context) {
	if m.store == nil {
		return
	}
	tok, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Printf("vendorauth: load persisted token: %v", err)
		return
	}
	if tok != nil {
		m.current.Store(tok)
		if tok.ValidFor(m.margin, m.now()) {
			m.state.Store(int32(StateAuthenticated))
		}
	}
}

func (m *Manager) refresh(ctx context.Context) (Token, error) {
	// A racing caller may have completed a refresh while we waited for the
	// single-flight slot.
	if tok := m.current.Load(); tok != nil && tok.ValidFor(m.margin, m.now()) {
		return *tok, nil
	}

	prev := m.current.Load()
	if prev == nil || prev.RefreshToken == "" {
		m.state.Store(int32(StateAuthenticating))
	} else {
		m.state.Store(int32(StateRefreshing))
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffJitter(m.retryBase, attempt)); err != nil {
				lastErr = err
				break
			}
		}
		tok, err := m.exchange(ctx, prev)
		if err == nil {
			m.current.Store(&tok)
			m.state.Store(int32(StateAuthenticated))
			m.resetFailures()
			metrics.TokenRefresh(metrics.ResultSuccess)
			if m.store != nil {
				if err := m.store.Save(ctx, tok); err != nil {
					m.logger.Printf("vendorauth: persist token: %v", err)
				}
			}
			return tok, nil
		}
		lastErr = err
		m.logger.Printf("vendorauth: refresh attempt %d failed: %v", attempt+1, err)
		// A rejected refresh token cannot succeed on retry; fall back to
		// client credentials immediately.
		if errors.Is(err, errGrantRejected) {
			prev = nil
		}
	}

	metrics.TokenRefresh(metrics.ResultError)
	if m.noteFailure() >= m.maxFailures {
		m.state.Store(int32(StateExpired))
		return Token{}, fmt.Errorf("%w: %v", ErrExpired, lastErr)
	}
	return Token{}, fmt.Errorf("vendorauth: refresh failed: %w", lastErr)
}

// errGrantRejected marks a definitive vendor rejection of the grant.
var errGrantRejected = errors.New("vendorauth: grant rejected")

func (m *Manager) exchange(ctx context.Context, prev *Token) (Token, error) {
	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	if prev != nil && prev.RefreshToken != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", prev.RefreshToken)
	} else {
		form.Set("grant_type", "client_credentials")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("%w: http %d: %s", errGrantRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("vendorauth: token endpoint http %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("vendorauth: decode token response: %w", err)
	}
	if payload.AccessToken == "" || payload.ExpiresIn <= 0 {
		return Token{}, errors.New("vendorauth: incomplete token response")
	}

	tok := Token{
		AccessToken: payload.AccessToken,
		ExpiresAt:   m.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scope:       payload.Scope,
	}
	// Vendors that rotate refresh tokens return a new one; otherwise keep
	// the long-lived one we already hold.
	tok.RefreshToken = payload.RefreshToken
	if tok.RefreshToken == "" && prev != nil {
		tok.RefreshToken = prev.RefreshToken
	}
	return tok, nil
}

func (m *Manager) noteFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

func backoffJitter(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
