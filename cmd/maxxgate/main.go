// Command maxxgate runs the unified LLM-gateway proxy: a single HTTP server
// multiplexing OpenAI/Anthropic/Gemini-shaped requests across a pool of
// credentialed upstream providers. Wiring order follows the teacher's
// cmd/maxx/main.go (data dir -> stores -> background tasks -> handlers ->
// server), generalized from the teacher's sqlite-backed repositories to
// this pack's JSON-file pool and OAuth2 refresh pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/awsl-project/maxxgate/internal/adapter/provider"
	_ "github.com/awsl-project/maxxgate/internal/adapter/provider/custom" // register openai/claude-compatible adapters
	_ "github.com/awsl-project/maxxgate/internal/adapter/provider/kiro"   // register kiro adapter
	"github.com/awsl-project/maxxgate/internal/config"
	"github.com/awsl-project/maxxgate/internal/dispatch"
	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/event"
	"github.com/awsl-project/maxxgate/internal/httpapi"
	"github.com/awsl-project/maxxgate/internal/logging"
	"github.com/awsl-project/maxxgate/internal/pool"
	"github.com/awsl-project/maxxgate/internal/refresh"
)

func getDefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "maxxgate")
}

func main() {
	addr := flag.String("addr", "", "Server address (overrides MAXXGATE_ADDR)")
	dataDir := flag.String("data", "", "Data directory for the provider pool file (default: ~/.config/maxxgate)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	dataDirPath := *dataDir
	if dataDirPath == "" {
		if env := os.Getenv("MAXXGATE_DATA_DIR"); env != "" {
			dataDirPath = env
		} else {
			dataDirPath = getDefaultDataDir()
		}
	}
	if err := os.MkdirAll(dataDirPath, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(1)
	}

	poolPath := cfg.ProviderPoolsFilePath
	if poolPath == "" {
		poolPath = filepath.Join(dataDirPath, "providers.json")
	}

	bus := event.NewBus()

	baseLogger, err := logging.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	bridged := zap.New(logging.NewBridge(baseLogger.Core(), bus, zapcore.WarnLevel))
	logger := bridged.Sugar()
	defer logger.Sync()

	maxErrorCount := cfg.MaxErrorCount
	if maxErrorCount <= 0 {
		maxErrorCount = 5
	}
	poolMgr, err := pool.NewManager(poolPath, maxErrorCount, bus, logger)
	if err != nil {
		logger.Fatalw("failed to load provider pool", "path", poolPath, "error", err)
	}
	if len(cfg.ProviderFallbackChain) > 0 {
		chain := make([]domain.ProviderType, 0, len(cfg.ProviderFallbackChain))
		for _, pt := range cfg.ProviderFallbackChain {
			chain = append(chain, domain.ProviderType(pt))
		}
		poolMgr.SetFallbackChain(chain)
	}
	if len(cfg.ModelFallbackMapping) > 0 {
		poolMgr.SetModelFallbacks(cfg.ModelFallbackMapping)
	}

	refresher := refresh.NewRefresher()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startBackgroundTasks(ctx, poolMgr, refresher, cfg, logger)

	dispatcher := dispatch.New(poolMgr, refresher, cfg, logger)

	models := newModelLister(poolMgr, logger)
	api := httpapi.New(dispatcher, cfg, models, logger)
	wsForwarder := event.NewWebSocketForwarder(bus, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", api.ChatCompletions)
	mux.HandleFunc("/v1/messages/count_tokens", api.CountTokens)
	mux.HandleFunc("/v1/messages", api.Messages)
	mux.HandleFunc("/v1beta/models/", geminiRouter(api))
	mux.HandleFunc("/v1/models", api.ListModels(domain.WireFormatOpenAI))
	mux.HandleFunc("/v1beta/models", api.ListModels(domain.WireFormatGemini))
	mux.HandleFunc("/health", api.Health)
	mux.HandleFunc("/ws", wsForwarder.HandleWebSocket)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Infow("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	cancel()
}

// geminiRouter distinguishes the two :generateContent/:streamGenerateContent
// verbs that both live under the same "/v1beta/models/" prefix.
func geminiRouter(api *httpapi.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case hasSuffix(r.URL.Path, ":streamGenerateContent"):
			api.StreamGenerateContent(w, r)
		case hasSuffix(r.URL.Path, ":generateContent"):
			api.GenerateContent(w, r)
		default:
			api.ListModels(domain.WireFormatGemini)(w, r)
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// startBackgroundTasks runs two background sweeps, a credential refresh sweep
// and a health-check sweep, both ticking every cfg.CronRefreshToken (one hour
// when that is not positive), grounded on the teacher's internal/core/task.go
// ticker shape.
func startBackgroundTasks(ctx context.Context, poolMgr *pool.Manager, refresher *refresh.Refresher, cfg *config.Config, logger *zap.SugaredLogger) {
	interval := cfg.CronRefreshToken
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poolMgr.RefreshSweep(ctx, cfg.CronNearMinutes, func(sweepCtx context.Context, record *domain.ProviderRecord) error {
					cred, err := refresher.Refresh(sweepCtx, record)
					if err != nil {
						return err
					}
					poolMgr.UpdateCredential(record, cred)
					return nil
				})
			}
		}
	}()
	logger.Infow("refresh sweep scheduled", "interval", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, pt := range append([]domain.ProviderType{domain.ProviderType(cfg.ModelProvider)}, poolMgr.FallbackChain()...) {
					checkHealth(ctx, poolMgr, pt, logger)
				}
			}
		}
	}()
	logger.Infow("health check sweep scheduled", "interval", interval)
}

// checkHealth probes every provider of pt through its adapter's HealthCheck,
// skipping provider types with no registered adapter factory.
func checkHealth(ctx context.Context, poolMgr *pool.Manager, pt domain.ProviderType, logger *zap.SugaredLogger) {
	factory, ok := provider.GetAdapterFactory(pt)
	if !ok {
		return
	}
	a, err := factory()
	if err != nil {
		logger.Debugw("health check: adapter build failed", "providerType", pt, "error", err)
		return
	}
	poolMgr.CheckHealth(ctx, pt, false, func(probeCtx context.Context, record *domain.ProviderRecord, force bool) (bool, string, error) {
		result, err := a.HealthCheck(probeCtx, record, force)
		if err != nil {
			return false, "", err
		}
		return result.OK, result.ModelName, nil
	})
}

// newModelLister unions the ListModels results of every provider type in the
// fallback chain, asked through that type's first record whatever its health,
// and skips a type with no records, no adapter, or whose adapter call fails —
// a cold pool should still serve an empty /v1/models,
// not a 500.
func newModelLister(poolMgr *pool.Manager, logger *zap.SugaredLogger) httpapi.ModelLister {
	return func(ctx context.Context) []string {
		seen := make(map[string]bool)
		var ids []string
		for _, pt := range poolMgr.FallbackChain() {
			records := poolMgr.Providers(pt)
			if len(records) == 0 {
				continue
			}
			factory, ok := provider.GetAdapterFactory(pt)
			if !ok {
				continue
			}
			a, err := factory()
			if err != nil {
				continue
			}
			got, err := a.ListModels(ctx, records[0])
			if err != nil {
				logger.Debugw("list models failed", "providerType", pt, "error", err)
				continue
			}
			for _, id := range got {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		return ids
	}
}
