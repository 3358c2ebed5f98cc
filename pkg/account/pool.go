package account

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitCooldownMs is used when a 429 carries no parseable
	// reset time.
	DefaultRateLimitCooldownMs = 60_000

	// MaxWaitBeforeErrorMs bounds how long the dispatcher will sleep on
	// a pool-exhausted wait before failing with RESOURCE_EXHAUSTED.
	MaxWaitBeforeErrorMs = 120_000

	// optimisticResetInterval bounds how often a single model's rate
	// limits may be optimistically cleared pool-wide. Without it, many
	// concurrent dispatch goroutines observing the same exhausted model
	// would each reset it the instant they see "all limited", turning
	// one real 429 storm into a thundering herd of repeat probes.
	optimisticResetInterval = 5 * time.Second
)

// StickySelection is the most recent successful (account,model) binding
// for a model, kept to maximize upstream cache reuse. It is advisory:
// losing it never changes correctness, only cache hit rate.
type StickySelection struct {
	Email string
}

// Selection is the result of a successful pickNext.
type Selection struct {
	Account *Account
}

// WaitResult is returned when no account currently survives filtering;
// the caller decides whether to sleep WaitMs and retry, or fail.
type WaitResult struct {
	WaitMs int64
}

// Pool owns the authoritative account list and per-model rate-limit
// state. All mutation is serialized behind a single lock; selection is
// O(n) in the account count.
type Pool struct {
	mu       sync.Mutex
	accounts map[string]*Account
	order    []string // stable iteration order for round-robin tie-breaking
	sticky   map[string]StickySelection

	resetLimiters map[string]*rate.Limiter // per-model optimistic-reset pacing
}

// NewPool builds a Pool from an initial account set, in load order.
func NewPool(accounts []*Account) *Pool {
	p := &Pool{
		accounts:      make(map[string]*Account, len(accounts)),
		sticky:        make(map[string]StickySelection),
		resetLimiters: make(map[string]*rate.Limiter),
	}
	for _, a := range accounts {
		if a.ModelRateLimits == nil {
			a.ModelRateLimits = make(map[string]ModelRateLimit)
		}
		p.accounts[a.Email] = a
		p.order = append(p.order, a.Email)
	}
	return p
}

// Snapshot returns a shallow copy of the account list for read-only
// callers (health/account-limits endpoints); mutating the returned
// Account values does not affect pool state.
func (p *Pool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.order))
	for _, email := range p.order {
		out = append(out, *p.accounts[email])
	}
	return out
}

// PickNext implements the §4.4 selection algorithm for one model.
func (p *Pool) PickNext(model string, nowMs int64) (*Selection, *WaitResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked(model, nowMs)
	if len(eligible) == 0 {
		return nil, &WaitResult{WaitMs: p.minWaitLocked(model, nowMs)}
	}

	if sticky, ok := p.sticky[model]; ok {
		for _, a := range eligible {
			if a.Email == sticky.Email {
				a.LastUsed = epochToTime(nowMs)
				return &Selection{Account: a}, nil
			}
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].LastUsed.Before(eligible[j].LastUsed)
	})
	chosen := eligible[0]
	chosen.LastUsed = epochToTime(nowMs)
	p.sticky[model] = StickySelection{Email: chosen.Email}
	return &Selection{Account: chosen}, nil
}

// eligibleLocked returns accounts surviving the enabled/invalid/rate-
// limit filters, clearing any expired rate-limit entries for model as
// it goes. Caller must hold p.mu.
func (p *Pool) eligibleLocked(model string, nowMs int64) []*Account {
	var out []*Account
	for _, email := range p.order {
		a := p.accounts[email]
		if a.IsInvalid || !a.Enabled {
			continue
		}
		if rl, ok := a.ModelRateLimits[model]; ok && rl.IsRateLimited {
			if nowMs >= rl.ResetEpochMs {
				delete(a.ModelRateLimits, model)
			} else {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

func (p *Pool) minWaitLocked(model string, nowMs int64) int64 {
	min := int64(-1)
	for _, email := range p.order {
		a := p.accounts[email]
		if a.IsInvalid || !a.Enabled {
			continue
		}
		rl, ok := a.ModelRateLimits[model]
		if !ok || !rl.IsRateLimited {
			// An eligible-but-unseen account would have been picked
			// already; reaching here with no rate limit set means the
			// account is disabled/invalid, already excluded above.
			continue
		}
		wait := rl.ResetEpochMs - nowMs
		if wait < 0 {
			wait = 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// MarkRateLimited records a 429 for (account,model). A zero resetMs
// defaults to DefaultRateLimitCooldownMs from now.
func (p *Pool) MarkRateLimited(email, model string, resetEpochMs, nowMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[email]
	if !ok {
		return
	}
	if resetEpochMs <= 0 {
		resetEpochMs = nowMs + DefaultRateLimitCooldownMs
	}
	a.ModelRateLimits[model] = ModelRateLimit{IsRateLimited: true, ResetEpochMs: resetEpochMs}
	if sticky, ok := p.sticky[model]; ok && sticky.Email == email {
		delete(p.sticky, model)
	}
}

// ResetAllRateLimits clears every account's rate-limit entry for model,
// the "optimistic retry" invoked when the pool appears fully exhausted:
// accumulated state is treated as stale and a fresh probe is allowed.
func (p *Pool) ResetAllRateLimits(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		delete(a.ModelRateLimits, model)
	}
}

// TryResetAllRateLimits is the pool-exhausted entry point dispatch uses:
// it performs the same clear as ResetAllRateLimits but paces it to at
// most once per optimisticResetInterval per model, across every
// concurrent dispatch goroutine racing to reset the same model. Returns
// false without resetting anything when the pacing limiter denies it,
// in which case the caller should fail RESOURCE_EXHAUSTED rather than
// spin on a reset that was just performed by a concurrent request.
func (p *Pool) TryResetAllRateLimits(model string) bool {
	if !p.resetLimiterFor(model).Allow() {
		return false
	}
	p.ResetAllRateLimits(model)
	return true
}

func (p *Pool) resetLimiterFor(model string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.resetLimiters[model]
	if !ok {
		lim = rate.NewLimiter(rate.Every(optimisticResetInterval), 1)
		p.resetLimiters[model] = lim
	}
	return lim
}

// Invalidate marks an account unusable (e.g. on a hard auth failure)
// and drops any sticky binding pointing to it.
func (p *Pool) Invalidate(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[email]
	if !ok {
		return
	}
	a.IsInvalid = true
	a.InvalidReason = reason
	for model, sticky := range p.sticky {
		if sticky.Email == email {
			delete(p.sticky, model)
		}
	}
}

// ClearSticky drops the sticky binding for model, invalidating any
// cache-reuse preference without touching rate-limit state.
func (p *Pool) ClearSticky(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sticky, model)
}

// AllRateLimitedFor reports whether every enabled, valid account is
// currently rate-limited for model, the trigger for ResetAllRateLimits.
func (p *Pool) AllRateLimitedFor(model string, nowMs int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	any := false
	for _, email := range p.order {
		a := p.accounts[email]
		if a.IsInvalid || !a.Enabled {
			continue
		}
		any = true
		rl, ok := a.ModelRateLimits[model]
		if !ok || !rl.IsRateLimited || nowMs >= rl.ResetEpochMs {
			return false
		}
	}
	return any
}

// Count returns the number of accounts in the pool.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
