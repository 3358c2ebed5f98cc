// Command gatewayd runs the antigravity gateway's HTTP surface: it wires
// the account pool, token store, dispatcher, and local gateway together
// and serves them behind the chi router, per spec §6.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skyforge-ai/antigravity-gateway/pkg/account"
	"github.com/skyforge-ai/antigravity-gateway/pkg/dispatch"
	"github.com/skyforge-ai/antigravity-gateway/pkg/gatewayconfig"
	"github.com/skyforge-ai/antigravity-gateway/pkg/localgw"
	"github.com/skyforge-ai/antigravity-gateway/pkg/server"
	"github.com/skyforge-ai/antigravity-gateway/pkg/telemetry"
	"github.com/skyforge-ai/antigravity-gateway/pkg/upstream"

	"github.com/skyforge-ai/antigravity-gateway/internal/httpclient"
)

// defaultEndpoints is the ordered Cloud-Code endpoint fallback list, per
// spec §4.5; CLOUD_CODE_ENDPOINTS overrides it with a comma-separated list.
var defaultEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daydream-prod.sandbox.googleapis.com",
}

func main() {
	if err := run(); err != nil {
		log.Printf("gatewayd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	env := gatewayconfig.LoadEnv()

	configPath, err := gatewayconfig.DefaultConfigPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	fileCfg, err := gatewayconfig.LoadFileConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}

	storePath, err := account.DefaultStorePath()
	if err != nil {
		return fmt.Errorf("resolving account store path: %w", err)
	}
	accounts, err := account.LoadAccounts(storePath)
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}
	if len(accounts) == 0 {
		log.Printf("gatewayd: no accounts enrolled at %s, dispatcher routes will fail RESOURCE_EXHAUSTED", storePath)
	}

	pool := account.NewPool(accounts)

	refresher := account.NewOAuthRefresher(
		os.Getenv("OAUTH_CLIENT_ID"),
		os.Getenv("OAUTH_CLIENT_SECRET"),
		os.Getenv("OAUTH_TOKEN_URL"),
	)
	tokens := account.NewTokenStore(refresher.Refresh).WithLegacyRefresh(func(ctx context.Context) error {
		// Legacy-sourced accounts authenticate via an extractor-managed
		// credential outside this process; nothing to proactively refresh.
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		Endpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure: env.Debug,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("gatewayd: telemetry shutdown: %v", err)
		}
	}()

	endpoints := defaultEndpoints
	if raw := os.Getenv("CLOUD_CODE_ENDPOINTS"); raw != "" {
		var custom []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				custom = append(custom, p)
			}
		}
		if len(custom) > 0 {
			endpoints = custom
		}
	}

	tracingEnabled := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	upstreamClient := upstream.New(httpclient.NewClient(httpclient.Config{Timeout: 5 * time.Minute}), upstream.Config{
		Endpoints: endpoints,
		Tracer:    telemetry.GetTracer(telemetry.DefaultSettings().WithEnabled(tracingEnabled)),
	})

	localGateway := localgw.New(localgw.Config{
		URL:    env.LocalLLMURL,
		APIKey: env.LocalLLMKey,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Pool:       pool,
		Tokens:     tokens,
		Upstream:   upstreamClient,
		Fallback:   env.Fallback,
		FallbackOf: fileCfg.FallbackFor(),
		Tracer:     telemetry.GetTracer(telemetry.DefaultSettings().WithEnabled(tracingEnabled)),
	})

	srv := &server.Server{
		Pool:       pool,
		Tokens:     tokens,
		Dispatcher: dispatcher,
		LocalGW:    localGateway,
		Mapper:     fileCfg.Mapper(),
		Debug:      env.Debug,
	}

	go tokens.RunProactiveScheduler(ctx, func() []*account.Account {
		snapshot := pool.Snapshot()
		ptrs := make([]*account.Account, len(snapshot))
		for i := range snapshot {
			ptrs[i] = &snapshot[i]
		}
		return ptrs
	}, account.NowMs)

	httpServer := &http.Server{
		Addr:              ":" + env.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("gatewayd: listening on :%s", env.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("gatewayd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-serveErr
}
