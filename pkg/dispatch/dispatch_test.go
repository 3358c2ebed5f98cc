package dispatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/pkg/account"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/skyforge-ai/antigravity-gateway/pkg/upstream"
)

type fakeAttempter struct {
	calls  int32
	attemptFn func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error)
}

func (f *fakeAttempter) Attempt(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.attemptFn(ctx, acct, token, req, nowMs)
}

func newTestPool(emails ...string) *account.Pool {
	accounts := make([]*account.Account, len(emails))
	for i, e := range emails {
		accounts[i] = &account.Account{Email: e, Enabled: true}
	}
	return account.NewPool(accounts)
}

func noopRefresh(ctx context.Context, acct *account.Account) (account.TokenEntry, error) {
	return account.TokenEntry{AccessToken: "tok-" + acct.Email, ExpiresAtMs: account.NowMs() + 3_600_000}, nil
}

func TestDispatchSucceedsOnFirstAttempt(t *testing.T) {
	pool := newTestPool("a@example.com")
	tokens := account.NewTokenStore(noopRefresh)
	wantMsg := &anthropic.ResponseMessage{ID: "msg_1"}

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		return &upstream.Result{Message: wantMsg}, nil
	}}

	d := New(Config{Pool: pool, Tokens: tokens, Upstream: up})
	result, err := d.Dispatch(context.Background(), &anthropic.Request{Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Same(t, wantMsg, result.Message)
	assert.EqualValues(t, 1, up.calls)
}

func TestDispatchRetriesAcrossAccountsOnRateLimit(t *testing.T) {
	pool := newTestPool("a@example.com", "b@example.com")
	tokens := account.NewTokenStore(noopRefresh)
	wantMsg := &anthropic.ResponseMessage{ID: "msg_2"}

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		if acct.Email == "a@example.com" {
			return nil, &upstream.RateLimitedError{ResetEpochMs: nowMs + 60_000}
		}
		return &upstream.Result{Message: wantMsg}, nil
	}}

	d := New(Config{Pool: pool, Tokens: tokens, Upstream: up})
	result, err := d.Dispatch(context.Background(), &anthropic.Request{Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Same(t, wantMsg, result.Message)
}

func TestDispatchExhaustedReturnsResourceExhausted(t *testing.T) {
	const model = "claude-3-5-sonnet-20241022"
	pool := newTestPool("a@example.com")
	tokens := account.NewTokenStore(noopRefresh)
	nowMs := account.NowMs()
	farFuture := nowMs + account.MaxWaitBeforeErrorMs*10

	// Pre-seed the pool as already rate-limited well past the wait
	// budget, so PickNext finds nothing eligible from the first attempt.
	pool.MarkRateLimited("a@example.com", model, farFuture, nowMs)

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		return nil, &upstream.RateLimitedError{ResetEpochMs: nowMs + account.MaxWaitBeforeErrorMs*10}
	}}

	d := New(Config{Pool: pool, Tokens: tokens, Upstream: up, NowMs: func() int64 { return nowMs }})
	_, err := d.Dispatch(context.Background(), &anthropic.Request{Model: model})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}

func TestDispatchFallsBackToConfiguredModel(t *testing.T) {
	pool := newTestPool("a@example.com")
	tokens := account.NewTokenStore(noopRefresh)
	wantMsg := &anthropic.ResponseMessage{ID: "msg_fallback"}

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		if req.Model == "claude-3-5-sonnet-20241022" {
			return nil, &upstream.RateLimitedError{ResetEpochMs: nowMs + account.MaxWaitBeforeErrorMs*10}
		}
		return &upstream.Result{Message: wantMsg}, nil
	}}

	d := New(Config{
		Pool:     pool,
		Tokens:   tokens,
		Upstream: up,
		Fallback: true,
		FallbackOf: func(model string) (string, bool) {
			if model == "claude-3-5-sonnet-20241022" {
				return "claude-3-haiku-20240307", true
			}
			return "", false
		},
	})
	result, err := d.Dispatch(context.Background(), &anthropic.Request{Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Same(t, wantMsg, result.Message)
}

func TestDispatchPermissionErrorIsTerminal(t *testing.T) {
	pool := newTestPool("a@example.com", "b@example.com")
	tokens := account.NewTokenStore(noopRefresh)

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		return nil, gatewayerrors.New(gatewayerrors.KindPermission, "denied")
	}}

	d := New(Config{Pool: pool, Tokens: tokens, Upstream: up})
	_, err := d.Dispatch(context.Background(), &anthropic.Request{Model: "claude-3-5-sonnet-20241022"})
	require.Error(t, err)
	assert.EqualValues(t, 1, up.calls, "a terminal permission error must not retry against the next account")
}

func TestDispatchAuthErrorInvalidatesTokenAndRetries(t *testing.T) {
	pool := newTestPool("a@example.com", "b@example.com")
	tokens := account.NewTokenStore(noopRefresh)
	wantMsg := &anthropic.ResponseMessage{ID: "msg_after_auth_fail"}

	up := &fakeAttempter{attemptFn: func(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error) {
		if acct.Email == "a@example.com" {
			return nil, &upstream.AuthError{}
		}
		return &upstream.Result{Message: wantMsg}, nil
	}}

	d := New(Config{Pool: pool, Tokens: tokens, Upstream: up})
	result, err := d.Dispatch(context.Background(), &anthropic.Request{Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Same(t, wantMsg, result.Message)
}
