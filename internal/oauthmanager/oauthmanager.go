// Package oauthmanager owns per-provider OAuth session state: the
// idle/pending/authenticated/expired/error state machine from §4.3,
// single-flight refresh deduplication, throttling, and proactive
// refresh scheduling. It sits above internal/oauthflow (the wire
// protocol) and internal/tokenstore (persistence).
package oauthmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/oauthflow"
	"github.com/routecodex/routecodex/internal/tokenstore"
)

// DefaultThrottleWindow is the minimum spacing between two refresh
// attempts for the same (providerType, tokenFile) key.
const DefaultThrottleWindow = 60 * time.Second

// DefaultRefreshBuffer is how far ahead of expiry a proactive refresh is
// scheduled.
const DefaultRefreshBuffer = 5 * time.Minute

// Flow is the subset of oauthflow.Config a session needs to refresh a
// token. It is an interface so tests can substitute a fake without
// spinning up an HTTP server.
type Flow interface {
	RefreshTokensWithRetry(ctx context.Context, refreshToken string, maxRetries int) (*routecodex.TokenStorage, error)
}

// session is one provider's live OAuth state.
type session struct {
	mu           sync.Mutex
	providerID   string
	alias        string
	state        routecodex.SessionState
	token        *routecodex.TokenStorage
	lastError    string
	lastActivity time.Time
	refreshTimer *time.Timer
}

// inflightRefresh is a keyed future: the first caller for a key performs
// the refresh, concurrent callers for the same key block on done and then
// read result/err.
type inflightRefresh struct {
	done   chan struct{}
	result *routecodex.TokenStorage
	err    error
}

// Manager tracks OAuth sessions for every configured provider.
type Manager struct {
	sessions sync.Map // string "providerID/alias" -> *session

	flowsMu sync.Mutex
	flows   map[string]Flow

	store tokenstore.Store

	throttleWindow time.Duration
	refreshBuffer  time.Duration

	refreshMu sync.Mutex
	refreshes map[string]*inflightRefresh
	lastTry   map[string]time.Time

	// interactiveGate serializes device flows across every provider of
	// this Manager (separate Managers do not share it): acquire by
	// receiving, release by sending.
	interactiveGate chan struct{}

	clock func() time.Time
}

// NewManager builds a Manager backed by store, using flows for refresh
// (keyed by providerID). Callers register a Flow per provider via
// RegisterFlow before Authenticate/Refresh is used for that provider.
func NewManager(store tokenstore.Store) *Manager {
	m := &Manager{
		store:            store,
		flows:            make(map[string]Flow),
		throttleWindow:   DefaultThrottleWindow,
		refreshBuffer:    DefaultRefreshBuffer,
		refreshes:        make(map[string]*inflightRefresh),
		lastTry:          make(map[string]time.Time),
		interactiveGate:  make(chan struct{}, 1),
		clock:            time.Now,
	}
	m.interactiveGate <- struct{}{}
	return m
}

// RegisterFlow associates a Flow implementation with a providerID, used
// for refreshes performed by this Manager.
func (m *Manager) RegisterFlow(providerID string, f Flow) {
	m.flowsMu.Lock()
	defer m.flowsMu.Unlock()
	m.flows[providerID] = f
}

func (m *Manager) flowFor(providerID string) (Flow, bool) {
	m.flowsMu.Lock()
	defer m.flowsMu.Unlock()
	f, ok := m.flows[providerID]
	return f, ok
}

func sessionKey(providerID, alias string) string {
	if alias == "" {
		alias = "default"
	}
	return providerID + "/" + alias
}

func (m *Manager) sessionFor(providerID, alias string) *session {
	key := sessionKey(providerID, alias)
	v, _ := m.sessions.LoadOrStore(key, &session{
		providerID: providerID,
		alias:      alias,
		state:      routecodex.SessionIdle,
	})
	return v.(*session)
}

// Status reports the current session status for a provider.
func (m *Manager) Status(providerID, alias string) routecodex.OAuthSessionStatus {
	s := m.sessionFor(providerID, alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.statusLocked(s)
}

func (m *Manager) statusLocked(s *session) routecodex.OAuthSessionStatus {
	now := m.clock()
	ts := routecodex.TokenStatus{}
	if s.token != nil {
		expiresAt := time.UnixMilli(s.token.ExpiresAt)
		ts.ExpiresAt = expiresAt
		ts.IsExpired = s.token.IsExpired(now, 0)
		ts.NeedsRefresh = s.token.IsExpired(now, m.refreshBuffer)
		ts.IsValid = !ts.IsExpired
		ts.TimeToExpiry = expiresAt.Sub(now)
	}
	return routecodex.OAuthSessionStatus{
		ProviderID:   s.providerID,
		Status:       s.state,
		Token:        ts,
		LastActivity: s.lastActivity,
		Error:        s.lastError,
	}
}

// BeginAuthenticate transitions idle -> pending. If a flow is already
// pending it returns immediately with the current status and ok=false,
// per the "only one active device flow" rule; a session in any other
// state (including authenticated) moves to pending.
func (m *Manager) BeginAuthenticate(providerID, alias string) (routecodex.OAuthSessionStatus, bool) {
	s := m.sessionFor(providerID, alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == routecodex.SessionPending {
		return m.statusLocked(s), false
	}
	s.state = routecodex.SessionPending
	s.lastActivity = m.clock()
	return m.statusLocked(s), true
}

// CompleteAuthenticate transitions pending -> authenticated, persists the
// token, and schedules proactive refresh. A persistence failure is logged
// and the token is still kept in memory, as in doRefresh.
func (m *Manager) CompleteAuthenticate(ctx context.Context, providerID, alias string, tok *routecodex.TokenStorage) error {
	s := m.sessionFor(providerID, alias)
	if err := m.store.Save(ctx, providerID, alias, tok); err != nil {
		slog.Default().Warn("oauthmanager: persist token failed, using in-memory token",
			"provider_id", providerID, "alias", alias, "error", err)
	}
	s.mu.Lock()
	s.state = routecodex.SessionAuthenticated
	s.token = tok
	s.lastError = ""
	s.lastActivity = m.clock()
	s.mu.Unlock()
	m.scheduleProactiveRefresh(providerID, alias)
	return nil
}

// FailAuthenticate transitions pending -> error.
func (m *Manager) FailAuthenticate(providerID, alias string, cause error) {
	s := m.sessionFor(providerID, alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = routecodex.SessionError
	if cause != nil {
		s.lastError = cause.Error()
	}
	s.lastActivity = m.clock()
}

// StopSession transitions any state -> idle and cancels a pending
// proactive refresh timer.
func (m *Manager) StopSession(providerID, alias string) {
	s := m.sessionFor(providerID, alias)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.state = routecodex.SessionIdle
	s.lastActivity = m.clock()
}

// AcquireInteractive blocks until this Manager may start an interactive
// device flow (only one at a time across this Manager), returning a release
// function the caller must call when the flow finishes.
func (m *Manager) AcquireInteractive(ctx context.Context) (func(), error) {
	select {
	case <-m.interactiveGate:
		return func() { m.interactiveGate <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetToken returns the current access token for a provider, refreshing
// it first if it is within the refresh buffer of expiry and a refresh
// token is available. It is safe for concurrent use from request paths.
func (m *Manager) GetToken(ctx context.Context, providerID, alias string) (string, error) {
	s := m.sessionFor(providerID, alias)

	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()

	if tok == nil {
		loaded, ok, err := m.store.Load(ctx, providerID, alias)
		if err != nil {
			return "", fmt.Errorf("oauthmanager: load token: %w", err)
		}
		if !ok {
			return "", routecodex.NewError(routecodex.CodeNoProviderTarget, "no oauth token for provider "+providerID)
		}
		s.mu.Lock()
		s.token = loaded
		s.state = routecodex.SessionAuthenticated
		s.mu.Unlock()
		tok = loaded
	}

	now := m.clock()
	if !tok.IsExpired(now, m.refreshBuffer) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		s.mu.Lock()
		s.state = routecodex.SessionExpired
		s.mu.Unlock()
		return tok.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx, providerID, alias)
	if err != nil {
		// Failure doesn't destroy the token (§4.3 failure model).
		return tok.AccessToken, nil
	}
	return refreshed.AccessToken, nil
}

// Refresh performs a single-flight, throttled refresh for (providerID,
// alias). Concurrent callers for the same key share one in-flight
// request's result.
func (m *Manager) Refresh(ctx context.Context, providerID, alias string) (*routecodex.TokenStorage, error) {
	key := sessionKey(providerID, alias)

	m.refreshMu.Lock()
	if inflight, ok := m.refreshes[key]; ok {
		m.refreshMu.Unlock()
		<-inflight.done
		return inflight.result, inflight.err
	}
	if last, ok := m.lastTry[key]; ok && m.clock().Sub(last) < m.throttleWindow {
		m.refreshMu.Unlock()
		s := m.sessionFor(providerID, alias)
		s.mu.Lock()
		tok := s.token
		s.mu.Unlock()
		if tok == nil {
			return nil, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "refresh throttled and no cached token")
		}
		return tok, nil
	}
	inflight := &inflightRefresh{done: make(chan struct{})}
	m.refreshes[key] = inflight
	m.lastTry[key] = m.clock()
	m.refreshMu.Unlock()

	tok, err := m.doRefresh(ctx, providerID, alias)

	inflight.result, inflight.err = tok, err
	close(inflight.done)

	m.refreshMu.Lock()
	delete(m.refreshes, key)
	m.refreshMu.Unlock()

	return tok, err
}

func (m *Manager) doRefresh(ctx context.Context, providerID, alias string) (*routecodex.TokenStorage, error) {
	s := m.sessionFor(providerID, alias)

	s.mu.Lock()
	cur := s.token
	s.mu.Unlock()
	if cur == nil {
		loaded, ok, err := m.store.Load(ctx, providerID, alias)
		if err != nil {
			return nil, fmt.Errorf("oauthmanager: load token: %w", err)
		}
		if !ok {
			return nil, routecodex.NewError(routecodex.CodeNoProviderTarget, "no oauth token for provider "+providerID)
		}
		cur = loaded
	}
	if cur.RefreshToken == "" {
		return nil, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "provider has no refresh token")
	}

	flow, ok := m.flowFor(providerID)
	if !ok {
		return nil, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "no oauth flow registered for provider "+providerID)
	}

	refreshed, err := flow.RefreshTokensWithRetry(ctx, cur.RefreshToken, 3)
	if err != nil {
		s.mu.Lock()
		s.state = routecodex.SessionError
		s.lastError = err.Error()
		s.mu.Unlock()
		return nil, fmt.Errorf("oauthmanager: refresh: %w", err)
	}

	// A persistence failure here must not discard the freshly refreshed
	// token (§7: "the in-memory token is still used so the current
	// request can complete") -- only the write to disk failed, and the
	// next successful Save will catch the session back up.
	if saveErr := m.store.Save(ctx, providerID, alias, refreshed); saveErr != nil {
		slog.Default().Warn("oauthmanager: persist refreshed token failed, using in-memory token",
			"provider_id", providerID, "alias", alias, "error", saveErr)
	}

	s.mu.Lock()
	s.token = refreshed
	s.state = routecodex.SessionAuthenticated
	s.lastError = ""
	s.lastActivity = m.clock()
	s.mu.Unlock()

	m.scheduleProactiveRefresh(providerID, alias)
	return refreshed, nil
}

// scheduleProactiveRefresh arms a timer to refresh the token at
// expires_at - refreshBuffer, floored at 0.
func (m *Manager) scheduleProactiveRefresh(providerID, alias string) {
	s := m.sessionFor(providerID, alias)

	s.mu.Lock()
	tok := s.token
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.mu.Unlock()

	if tok == nil || tok.RefreshToken == "" {
		return
	}

	delay := time.Until(time.UnixMilli(tok.ExpiresAt)) - m.refreshBuffer
	if delay < 0 {
		delay = 0
	}

	timer := time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = m.Refresh(ctx, providerID, alias)
	})

	s.mu.Lock()
	s.refreshTimer = timer
	s.mu.Unlock()
}

var _ Flow = (*oauthflow.Config)(nil)
