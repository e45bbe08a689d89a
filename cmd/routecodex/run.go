package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/circuitbreaker"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/nodes"
	"github.com/routecodex/routecodex/internal/oauthmanager"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/pipelineconfig"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/snapshot"
	"github.com/routecodex/routecodex/internal/telemetry"
	"github.com/routecodex/routecodex/internal/tokenstore"
	"github.com/routecodex/routecodex/internal/transport"
	"github.com/routecodex/routecodex/internal/worker"
)

// providerDirectory adapts the statically configured providers into the
// nodes.Directory a Provider node uses to resolve connection details per
// request (§4.6).
type providerDirectory map[string]nodes.DirectoryEntry

func (d providerDirectory) Lookup(providerID string) (nodes.DirectoryEntry, bool) {
	e, ok := d[providerID]
	return e, ok
}

func newProviderDirectory(entries []config.ProviderEntry) providerDirectory {
	dir := make(providerDirectory, len(entries))
	for _, p := range entries {
		if !p.IsEnabled() {
			continue
		}
		var envVars []string
		if p.EnvVar != "" {
			envVars = []string{p.EnvVar}
		}
		dir[p.ID] = nodes.DirectoryEntry{
			BaseURL:      p.BaseURL,
			ProviderType: routecodex.ProviderType(p.Type),
			OAuth:        p.OAuth,
			StaticAPIKey: p.APIKey,
			EnvVarNames:  envVars,
		}
	}
	return dir
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting routecodex", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	var snapWriter snapshot.Writer = snapshot.NoopWriter{}
	if cfg.Snapshot.Enabled || snapshot.Enabled() {
		snapWriter = snapshot.NewFileWriter(cfg.Snapshot.BaseDir, cfg.Snapshot.QueueSize, slog.Default())
		slog.Info("debug snapshots enabled", "base_dir", cfg.Snapshot.BaseDir)
	}

	tokenStore := tokenstore.NewFileStore(tokenstore.BaseDir())
	oauthMgr := oauthmanager.NewManager(tokenStore)
	for _, p := range cfg.Providers {
		if p.IsEnabled() && p.OAuth {
			slog.Info("provider configured for oauth, register its device-flow client out of band", "provider", p.ID)
		}
	}

	httpTransport := transport.New(dnsResolver,
		transport.WithTokenSource(oauthMgr),
		transport.WithSnapshotWriter(snapWriter),
	)
	directory := newProviderDirectory(cfg.Providers)
	for id := range directory {
		slog.Info("provider registered", "id", id)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	registry := pipeline.NewRegistry()
	bind := func(impl string, build func(string, map[string]any) (routecodex.Node, error)) pipeline.Factory {
		return func(options map[string]any) (pipeline.Node, error) { return build(impl, options) }
	}
	registry.Register(nodes.ImplAnthropicOpenAI, bind(nodes.ImplAnthropicOpenAI, nodes.NewLLMSwitch))
	registry.Register(nodes.ImplResponsesOpenAI, bind(nodes.ImplResponsesOpenAI, nodes.NewLLMSwitch))
	registry.Register(nodes.ImplOpenAINormalize, bind(nodes.ImplOpenAINormalize, nodes.NewLLMSwitch))
	registry.Register(nodes.ImplTransform, bind(nodes.ImplTransform, nodes.NewWorkflow))
	registry.Register(nodes.ImplBlacklist, bind(nodes.ImplBlacklist, nodes.NewCompatibility))
	registry.Register(nodes.ImplToolArgsNormalize, bind(nodes.ImplToolArgsNormalize, nodes.NewCompatibility))
	registry.Register(nodes.ImplLMStudio, bind(nodes.ImplLMStudio, nodes.NewCompatibility))
	registry.Register(nodes.ImplTransport, nodes.NewProviderFactory(httpTransport, directory))

	instances, err := pipeline.NewInstanceCache(registry, cfg.Cache.InstanceSweep, cfg.Cache.InstanceMaxIdle)
	if err != nil {
		return err
	}
	defer instances.Close()

	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	var tracingShutdown func(context.Context) error
	var tracer = trace.Tracer(nil)
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("routecodex/pipeline")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	runner := pipeline.NewRunner(instances, tracer)

	blueprintIndex, err := loadBlueprints(instances, registry)
	if err != nil {
		slog.Warn("no generated pipeline blueprints found, router starts empty", "error", err)
		blueprintIndex, err = router.NewBlueprintIndex(nil)
		if err != nil {
			return err
		}
	}

	routePool := router.NewRouteTargetPool(cfg.RoutePools(), breakers)

	workers := worker.NewRunner(
		worker.NewCircuitBreakerEvictionWorker(breakers, 5*time.Minute, 30*time.Minute),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workers.Run(workerCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/v1/pipeline", newPipelineHandler(blueprintIndex, routePool, runner, directory, metrics))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("routecodex ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("routecodex stopped")
	return nil
}

// loadBlueprints reads the generated pipeline-config document and builds
// a BlueprintIndex over it (§6). It returns an error (not a fatal one --
// the caller falls back to an empty index) when the document hasn't been
// generated yet.
func loadBlueprints(_ *pipeline.InstanceCache, _ *pipeline.Registry) (*router.BlueprintIndex, error) {
	doc, err := pipelineconfig.Load(pipelineconfig.DefaultPath())
	if err != nil {
		return nil, err
	}
	blueprints, err := doc.Blueprints()
	if err != nil {
		return nil, err
	}
	return router.NewBlueprintIndex(blueprints)
}
