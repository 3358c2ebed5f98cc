package account

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenEntry is a cached access token, derived from a refresh token and
// never itself authoritative.
type TokenEntry struct {
	AccessToken   string
	ExpiresAtMs   int64
}

// expired reports whether the entry needs a refresh for use at
// (now + lookahead).
func (t TokenEntry) expired(nowMs, lookaheadMs int64) bool {
	return nowMs+lookaheadMs >= t.ExpiresAtMs
}

const (
	tokenLookaheadMs         = 60_000
	proactiveRefreshWindowMs = 5 * 60_000
	proactiveScanInterval    = 60 * time.Second
)

// RefreshFunc performs the actual network round trip to exchange a
// refresh token for a fresh access token.
type RefreshFunc func(ctx context.Context, acct *Account) (TokenEntry, error)

// TokenStore is the only writer of TokenEntry values; callers read
// through TokenFor. A refresh is at-most-one-in-flight per account,
// via singleflight keyed on email.
type TokenStore struct {
	mu      sync.RWMutex
	entries map[string]TokenEntry
	group   singleflight.Group
	refresh RefreshFunc

	legacyRefresh func(ctx context.Context) error
}

// NewTokenStore builds a TokenStore around the given refresh callback.
func NewTokenStore(refresh RefreshFunc) *TokenStore {
	return &TokenStore{
		entries: make(map[string]TokenEntry),
		refresh: refresh,
	}
}

// WithLegacyRefresh registers the best-effort legacy-extractor refresh
// invoked once by ForceRefreshAll.
func (s *TokenStore) WithLegacyRefresh(fn func(ctx context.Context) error) *TokenStore {
	s.legacyRefresh = fn
	return s
}

// TokenFor returns a cached token if it has more than 60s of life left,
// otherwise performs a refresh. Concurrent callers for the same account
// share one in-flight refresh.
func (s *TokenStore) TokenFor(ctx context.Context, acct *Account, nowMs int64) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[acct.Email]
	s.mu.RUnlock()

	if ok && !entry.expired(nowMs, tokenLookaheadMs) {
		return entry.AccessToken, nil
	}

	return s.doRefresh(ctx, acct)
}

func (s *TokenStore) doRefresh(ctx context.Context, acct *Account) (string, error) {
	v, err, _ := s.group.Do(acct.Email, func() (interface{}, error) {
		entry, err := s.refresh(ctx, acct)
		if err != nil {
			// Do not cache a negative result: the next caller retries.
			return "", err
		}
		s.mu.Lock()
		s.entries[acct.Email] = entry
		s.mu.Unlock()
		return entry.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached entry for an account, forcing the next
// TokenFor call to refresh.
func (s *TokenStore) Invalidate(email string) {
	s.mu.Lock()
	delete(s.entries, email)
	s.mu.Unlock()
}

// ForceRefreshAll clears and re-fetches every OAuth account's token,
// plus a best-effort legacy-extractor refresh. A failed account refresh
// does not stop the others; the first such error is returned.
func (s *TokenStore) ForceRefreshAll(ctx context.Context, accounts []*Account) error {
	var firstErr error
	for _, acct := range accounts {
		if acct.Source != SourceOAuth {
			continue
		}
		s.Invalidate(acct.Email)
		if _, err := s.doRefresh(ctx, acct); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.legacyRefresh != nil {
		_ = s.legacyRefresh(ctx)
	}
	return firstErr
}

// RunProactiveScheduler wakes every proactiveScanInterval (<=60s) and
// refreshes any token within 5 minutes of expiry. It returns once ctx
// is cancelled, which is the documented shutdown signal.
func (s *TokenStore) RunProactiveScheduler(ctx context.Context, accounts func() []*Account, nowMs func() int64) {
	ticker := time.NewTicker(proactiveScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshNearExpiry(ctx, accounts(), nowMs())
		}
	}
}

func (s *TokenStore) refreshNearExpiry(ctx context.Context, accounts []*Account, nowMs int64) {
	for _, acct := range accounts {
		if acct.Source != SourceOAuth {
			continue
		}
		s.mu.RLock()
		entry, ok := s.entries[acct.Email]
		s.mu.RUnlock()
		if ok && !entry.expired(nowMs, proactiveRefreshWindowMs) {
			continue
		}
		// Best-effort: a failed proactive refresh is retried next tick,
		// or reactively on the next TokenFor/401.
		_, _ = s.doRefresh(ctx, acct)
	}
}
