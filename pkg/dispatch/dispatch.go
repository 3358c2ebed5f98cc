// Package dispatch implements the Dispatcher (C5): the retry loop that
// drives UpstreamClient attempts across the AccountPool, handling
// cooldown waits, rate-limit/auth classification, and optional
// model-level fallback, per spec §4.6.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/skyforge-ai/antigravity-gateway/internal/backoff"
	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/pkg/account"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/skyforge-ai/antigravity-gateway/pkg/telemetry"
	"github.com/skyforge-ai/antigravity-gateway/pkg/upstream"
)

// MaxRetries is the dispatcher's base attempt budget; the effective
// budget is max(MaxRetries, accountCount+1) per spec §4.6.
const MaxRetries = 3

// FallbackModel resolves a configured model -> fallback model mapping.
// ok is false when no fallback is configured for model.
type FallbackModel func(model string) (fallback string, ok bool)

// Attempter is the subset of *upstream.Client the Dispatcher drives; it
// exists so tests can substitute a fake upstream without a live network.
type Attempter interface {
	Attempt(ctx context.Context, acct *account.Account, token string, req *anthropic.Request, nowMs int64) (*upstream.Result, error)
}

// Config wires a Dispatcher's collaborators and fallback policy.
type Config struct {
	Pool       *account.Pool
	Tokens     *account.TokenStore
	Upstream   Attempter
	NowMs      func() int64
	Fallback   bool
	FallbackOf FallbackModel
	Tracer     trace.Tracer
}

// Dispatcher drives the §4.6 retry loop for one request.
type Dispatcher struct {
	cfg Config
}

// New builds a Dispatcher. cfg.NowMs defaults to account.NowMs, and
// cfg.Tracer defaults to a no-op tracer if nil.
func New(cfg Config) *Dispatcher {
	if cfg.NowMs == nil {
		cfg.NowMs = account.NowMs
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer(telemetry.DefaultSettings())
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch runs the retry loop for req against model req.Model,
// returning the classified *upstream.Result of the first successful
// attempt, or a terminal *gatewayerrors.GatewayError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *anthropic.Request) (*upstream.Result, error) {
	return d.dispatch(ctx, req, d.cfg.Fallback)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *anthropic.Request, fallbackAllowed bool) (*upstream.Result, error) {
	return telemetry.RecordSpan(ctx, d.cfg.Tracer, telemetry.SpanOptions{
		Name:        "dispatch.attempt_loop",
		Attributes:  telemetry.GetBaseAttributes("gateway", req.Model, nil, nil),
		EndWhenDone: true,
	}, func(ctx context.Context, span trace.Span) (*upstream.Result, error) {
		telemetry.AddSettingsAttributes(span, "gateway.request", map[string]interface{}{
			"max_tokens": req.MaxTokens,
			"stream":     req.Stream,
			"fallback":   fallbackAllowed,
		})
		return d.runAttemptLoop(ctx, req, fallbackAllowed)
	})
}

func (d *Dispatcher) runAttemptLoop(ctx context.Context, req *anthropic.Request, fallbackAllowed bool) (*upstream.Result, error) {
	model := req.Model
	budget := MaxRetries
	if n := d.cfg.Pool.Count(); n+1 > budget {
		budget = n + 1
	}

	riskyReset := false // at most one optimistic ResetAllRateLimits per dispatch call
	var lastErr error

	for attempt := 0; attempt < budget; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nowMs := d.cfg.NowMs()
		sel, wait := d.cfg.Pool.PickNext(model, nowMs)

		if sel == nil {
			outcome, err := d.handleExhausted(ctx, req, wait, fallbackAllowed, &riskyReset)
			if outcome != nil || err != nil {
				return outcome, err
			}
			continue // a reset or sleep happened; re-pick
		}

		acct := sel.Account
		token, err := d.cfg.Tokens.TokenFor(ctx, acct, nowMs)
		if err != nil {
			lastErr = gatewayerrors.Wrap(gatewayerrors.KindAuthentication, "token refresh failed", err)
			d.cfg.Pool.ClearSticky(model)
			continue
		}

		result, attemptErr := d.cfg.Upstream.Attempt(ctx, acct, token, req, nowMs)
		if attemptErr == nil {
			return result, nil
		}

		switch e := attemptErr.(type) {
		case *upstream.RateLimitedError:
			d.cfg.Pool.MarkRateLimited(acct.Email, model, e.ResetEpochMs, nowMs)
			lastErr = gatewayerrors.New(gatewayerrors.KindInvalidRequest, "rate limit exhausted")
			continue
		case *upstream.AuthError:
			d.cfg.Tokens.Invalidate(acct.Email)
			d.cfg.Pool.ClearSticky(model)
			lastErr = gatewayerrors.Wrap(gatewayerrors.KindAuthentication, "upstream authentication failed", e)
			continue
		case *upstream.ServerError:
			d.cfg.Pool.ClearSticky(model)
			lastErr = gatewayerrors.Wrap(gatewayerrors.KindOverloaded, "upstream server error", e)
			continue
		}

		if ge, ok := gatewayerrors.As(attemptErr); ok {
			// permission_error and invalid_request_error are terminal;
			// anything else (api_error, overloaded_error) is treated as
			// retryable within the remaining budget.
			if ge.Kind == gatewayerrors.KindPermission || ge.Kind == gatewayerrors.KindInvalidRequest {
				return nil, ge
			}
			d.cfg.Pool.ClearSticky(model)
			lastErr = ge
			continue
		}

		return nil, attemptErr
	}

	if lastErr != nil {
		if ge, ok := gatewayerrors.As(lastErr); ok {
			return nil, ge
		}
	}
	return nil, gatewayerrors.New(gatewayerrors.KindInvalidRequest, "exhausted retry budget without a successful upstream attempt")
}

// handleExhausted implements the pool-exhausted branch of the retry
// loop: sleep-and-retry within the wait budget, a one-shot optimistic
// rate-limit reset, model fallback, or a terminal RESOURCE_EXHAUSTED.
// A non-nil outcome or err means the caller should return immediately;
// both nil means the caller should loop back to PickNext.
func (d *Dispatcher) handleExhausted(ctx context.Context, req *anthropic.Request, wait *account.WaitResult, fallbackAllowed bool, riskyReset *bool) (*upstream.Result, error) {
	model := req.Model
	waitMs := wait.WaitMs

	if waitMs > 0 && waitMs <= account.MaxWaitBeforeErrorMs {
		if err := backoff.Sleep(ctx, time.Duration(waitMs)*time.Millisecond); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if fallbackAllowed && d.cfg.FallbackOf != nil {
		if fallbackModel, ok := d.cfg.FallbackOf(model); ok {
			fallbackReq := *req
			fallbackReq.Model = fallbackModel
			return d.dispatch(ctx, &fallbackReq, false)
		}
	}

	if !*riskyReset && d.cfg.Pool.AllRateLimitedFor(model, d.cfg.NowMs()) {
		*riskyReset = true
		if d.cfg.Pool.TryResetAllRateLimits(model) {
			return nil, nil
		}
	}

	return nil, gatewayerrors.New(gatewayerrors.KindInvalidRequest, "RESOURCE_EXHAUSTED: all accounts rate-limited for "+model)
}
