package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// refreshThreshold triggers a proactive refresh when a token is about to
// expire.
const refreshThreshold = 5 * time.Minute

// Manager caches the run-scoped token for one scope and coordinates
// refreshes so concurrent workers never trigger redundant token requests.
// All workers read through Get; only the manager mutates the token.
type Manager struct {
	provider CredentialProvider
	scope    string
	logger   *zap.Logger

	current Token

	// Refresh coordination
	refreshing  bool
	refreshCond *sync.Cond

	mu sync.RWMutex
}

// NewManager creates a token manager bound to one scope
func NewManager(provider CredentialProvider, scope string, logger *zap.Logger) *Manager {
	return &Manager{
		provider:    provider,
		scope:       scope,
		logger:      logger.With(zap.String("component", "token_manager"), zap.String("scope", scope)),
		refreshCond: sync.NewCond(&sync.Mutex{}),
	}
}

// Get returns a valid bearer token, acquiring or refreshing as needed
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.current
	m.mu.RUnlock()

	if token.Valid() && !m.shouldRefresh(token) {
		return token.Value, nil
	}

	return m.refresh(ctx)
}

// Invalidate discards the cached token. The next Get acquires a fresh one.
// The ingestion client calls this once when a flush comes back 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = Token{}
	m.mu.Unlock()
}

// shouldRefresh checks whether the token is close enough to expiry to
// refresh proactively
func (m *Manager) shouldRefresh(token Token) bool {
	if token.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(token.ExpiresAt) < refreshThreshold
}

// refresh acquires a new token, coalescing concurrent callers onto a
// single provider call
func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.refreshCond.L.Lock()

	// Another goroutine is already refreshing; wait for it and reuse its
	// result if the token came back valid.
	if m.refreshing {
		m.refreshCond.Wait()
		m.refreshCond.L.Unlock()

		m.mu.RLock()
		token := m.current
		m.mu.RUnlock()

		if token.Valid() && !m.shouldRefresh(token) {
			return token.Value, nil
		}

		return m.refresh(ctx)
	}

	m.refreshing = true
	m.refreshCond.L.Unlock()

	defer func() {
		m.refreshCond.L.Lock()
		m.refreshing = false
		m.refreshCond.Broadcast()
		m.refreshCond.L.Unlock()
	}()

	token, err := m.provider.Token(ctx, m.scope)
	if err != nil {
		m.logger.Error("token acquisition failed", zap.Error(err))
		return "", err
	}

	m.mu.Lock()
	m.current = token
	m.mu.Unlock()

	m.logger.Debug("token acquired",
		zap.String("provider", m.provider.Name()),
		zap.Time("expires_at", token.ExpiresAt))

	return token.Value, nil
}
