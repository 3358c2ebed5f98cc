// Package server implements the gateway's HTTP surface (§6): the chi
// router, security headers, the /v1/messages request/SSE lifecycle, and
// the operational endpoints (health, account-limits, refresh-token).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/internal/sse"
	"github.com/skyforge-ai/antigravity-gateway/pkg/account"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/skyforge-ai/antigravity-gateway/pkg/dispatch"
	"github.com/skyforge-ai/antigravity-gateway/pkg/localgw"
	"github.com/skyforge-ai/antigravity-gateway/pkg/validate"
)

// Server wires the chi router to the gateway's collaborators.
type Server struct {
	Pool       *account.Pool
	Tokens     *account.TokenStore
	Dispatcher *dispatch.Dispatcher
	LocalGW    *localgw.Gateway
	Mapper     validate.ModelMapper
	Debug      bool
	NowMs      func() int64
}

// Router builds the chi mux for the gateway, with security headers and
// request-scoped middleware applied ahead of routes via r.Use(...).
func (s *Server) Router() http.Handler {
	if s.NowMs == nil {
		s.NowMs = account.NowMs
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Get("/v1/models", s.handleModels)
	r.Get("/health", s.handleHealth)
	r.Get("/account-limits", s.handleAccountLimits)
	r.Post("/refresh-token", s.handleRefreshToken)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeGatewayError(w, false, gatewayerrors.New(gatewayerrors.KindNotFound, "unknown path"))
	})

	return r
}

// securityHeaders sets the fixed response headers required on every
// response, per spec §6.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	writeGatewayError(w, false, gatewayerrors.New(gatewayerrors.KindNotImplemented, "count_tokens is not implemented"))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := readBody(w, r, 64<<20)
	if err != nil {
		writeGatewayError(w, false, gatewayerrors.Wrap(gatewayerrors.KindInvalidRequest, "failed to read request body", err))
		return
	}

	var req anthropic.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeGatewayError(w, false, gatewayerrors.Wrap(gatewayerrors.KindInvalidRequest, "malformed JSON body", err))
		return
	}

	route, err := validate.Validate(raw, &req, s.Mapper)
	if err != nil {
		writeGatewayError(w, false, err)
		return
	}

	if route == validate.RouteLocalGateway {
		s.handleLocalGateway(ctx, w, &req)
		return
	}
	s.handleDispatcherRoute(ctx, w, &req)
}

func (s *Server) handleLocalGateway(ctx context.Context, w http.ResponseWriter, req *anthropic.Request) {
	if !req.Stream {
		msg, err := s.LocalGW.Handle(ctx, req)
		if err != nil {
			writeGatewayError(w, false, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
		return
	}

	events, err := s.LocalGW.HandleStream(ctx, req)
	if err != nil {
		writeGatewayError(w, false, err)
		return
	}
	streamEvents(ctx, w, events)
}

func (s *Server) handleDispatcherRoute(ctx context.Context, w http.ResponseWriter, req *anthropic.Request) {
	if !req.Stream {
		result, err := s.Dispatcher.Dispatch(ctx, req)
		if err != nil {
			writeGatewayError(w, false, err)
			return
		}
		if result.Message != nil {
			writeJSON(w, http.StatusOK, result.Message)
			return
		}
		// A streaming result for a non-streaming request should not
		// happen given the request's own Stream flag drives the vendor
		// payload, but guard defensively rather than panic.
		writeGatewayError(w, false, gatewayerrors.New(gatewayerrors.KindAPIError, "upstream returned a stream for a non-streaming request"))
		return
	}

	result, err := s.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		writeGatewayError(w, false, err)
		return
	}
	streamEvents(ctx, w, result.Events)
}

// streamEvents frames headers-then-events SSE per §6, flushing after
// every event so no full stream is ever buffered before its first byte
// reaches the client.
func streamEvents(ctx context.Context, w http.ResponseWriter, events <-chan anthropic.Event) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writer := sse.NewSSEWriter(w)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = writer.WriteEvent(sse.SSEEvent{Event: string(ev.Type), Data: string(data)})
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := knownModels()

	type modelEntry struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		MappedFrom string `json:"mapped_from,omitempty"`
	}

	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		e := modelEntry{ID: m, Type: "model"}
		if s.Debug && s.Mapper != nil {
			if canonical, ok := s.Mapper(m); ok {
				e.MappedFrom = m + " -> " + canonical
			}
		}
		entries = append(entries, e)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	accounts := s.Pool.Snapshot()
	nowMs := s.NowMs()

	type acctSummary struct {
		Display       string `json:"display_name"`
		Enabled       bool   `json:"enabled"`
		Invalid       bool   `json:"invalid"`
		RateLimited   bool   `json:"rate_limited"`
	}

	summaries := make([]acctSummary, 0, len(accounts))
	healthyCount := 0
	for _, a := range accounts {
		rateLimited := false
		for _, rl := range a.ModelRateLimits {
			if rl.IsRateLimited && nowMs < rl.ResetEpochMs {
				rateLimited = true
				break
			}
		}
		if a.Enabled && !a.IsInvalid {
			healthyCount++
		}
		summaries = append(summaries, acctSummary{
			Display:     a.DisplayName(),
			Enabled:     a.Enabled,
			Invalid:     a.IsInvalid,
			RateLimited: rateLimited,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"account_count":  len(accounts),
		"healthy_count":  healthyCount,
		"accounts":       summaries,
	})
}

func (s *Server) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	accounts := s.Pool.Snapshot()
	nowMs := s.NowMs()

	if r.URL.Query().Get("format") == "table" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ACCOUNT\tMODEL\tREMAINING\tRESET_IN_S\tLIMITED")
		for _, a := range accounts {
			if len(a.Quota.Models) == 0 {
				fmt.Fprintf(tw, "%s\t-\t-\t-\t-\n", a.DisplayName())
				continue
			}
			models := make([]string, 0, len(a.Quota.Models))
			for m := range a.Quota.Models {
				models = append(models, m)
			}
			sort.Strings(models)
			for _, m := range models {
				q := a.Quota.Models[m]
				rl, limited := a.ModelRateLimits[m]
				resetIn := int64(0)
				isLimited := limited && rl.IsRateLimited && nowMs < rl.ResetEpochMs
				if isLimited {
					resetIn = (rl.ResetEpochMs - nowMs) / 1000
				}
				fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%d\t%t\n", a.DisplayName(), m, q.RemainingFraction*100, resetIn, isLimited)
			}
		}
		tw.Flush()
		return
	}

	type quotaEntry struct {
		Model             string  `json:"model"`
		RemainingFraction float64 `json:"remaining_fraction"`
		RateLimited       bool    `json:"rate_limited"`
		ResetEpochMs      int64   `json:"reset_epoch_ms,omitempty"`
	}
	type acctEntry struct {
		Display string       `json:"display_name"`
		Quotas  []quotaEntry `json:"quotas"`
	}

	out := make([]acctEntry, 0, len(accounts))
	for _, a := range accounts {
		e := acctEntry{Display: a.DisplayName()}
		for model, q := range a.Quota.Models {
			rl, limited := a.ModelRateLimits[model]
			isLimited := limited && rl.IsRateLimited && nowMs < rl.ResetEpochMs
			qe := quotaEntry{Model: model, RemainingFraction: q.RemainingFraction, RateLimited: isLimited}
			if isLimited {
				qe.ResetEpochMs = rl.ResetEpochMs
			}
			e.Quotas = append(e.Quotas, qe)
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	accounts := s.Pool.Snapshot()
	ptrs := make([]*account.Account, len(accounts))
	for i := range accounts {
		ptrs[i] = &accounts[i]
	}
	if err := s.Tokens.ForceRefreshAll(r.Context(), ptrs); err != nil {
		writeGatewayError(w, false, gatewayerrors.Wrap(gatewayerrors.KindAuthentication, "token refresh failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func knownModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-haiku-20240307",
		"claude-3-opus-20240229",
		"gemini-pro",
		"gemini-1.5-pro",
		"gpt-os-20b",
		"gpt-4-turbo",
		"lmstudio-local",
		"deepseek-chat",
		"qwen-2.5-coder",
		"local-gemma",
		"gemma-2b",
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) (json.RawMessage, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGatewayError renders any error as the sanitized §7 wire body.
// headersSent indicates the SSE preamble has already gone out, so the
// error must be framed as a terminal "event: error" frame instead of a
// fresh status line.
func writeGatewayError(w http.ResponseWriter, headersSent bool, err error) {
	ge, ok := gatewayerrors.As(err)
	if !ok {
		ge = gatewayerrors.Wrap(gatewayerrors.KindAPIError, "internal error", err)
	}

	if headersSent {
		writer := sse.NewSSEWriter(w)
		body, _ := json.Marshal(gatewayerrors.ToBody(ge))
		_ = writer.WriteEvent(sse.SSEEvent{Event: "error", Data: string(body)})
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}

	writeJSON(w, ge.HTTPStatus(), gatewayerrors.ToBody(ge))
}
