// Command pwkd is the Privacy Witness Kernel daemon: it ingests captured
// frames, dispatches them through registered detection backends, reduces
// the results through the event contract, and seals them into the
// append-only signed log (spec.md §4). It never runs detection backends
// of its own; those are wired in by RegisterDetector at startup from a
// build-specific entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pwk/internal/config"
	"pwk/internal/contract"
	"pwk/internal/kernel"
	"pwk/internal/logging"
	"pwk/internal/watcher"
)

// Exit codes follow spec.md §6: 0 success, 2 configuration error.
const (
	exitOK        = 0
	exitConfigErr = 2
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: "+config.ConfigPath()+")")
	flag.Parse()

	if *configPath == "" {
		if env := os.Getenv("WITNESS_CONFIG"); env != "" {
			*configPath = env
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: load config: %v\n", err)
		os.Exit(exitConfigErr)
	}
	cfg.ApplyEnvOverrides()

	if _, err := config.MigrateConfig(cfg, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: migrate config: %v\n", err)
		os.Exit(exitConfigErr)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: invalid config: %v\n", err)
		os.Exit(exitConfigErr)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: create directories: %v\n", err)
		os.Exit(exitConfigErr)
	}

	if os.Getenv("DEVICE_KEY_SEED") == "" {
		// A missing seed isn't fatal: internal/attestation falls back to
		// a PUF-derived seed file instead, but the operator should know
		// the device identity is floating rather than pinned.
		fmt.Fprintln(os.Stderr, "pwkd: warning: DEVICE_KEY_SEED not set, deriving device identity from local attestation only")
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: invalid log level: %v\n", err)
		os.Exit(exitConfigErr)
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	logCfg := &logging.Config{
		Level:    level,
		Format:   format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkd: init logger: %v\n", err)
		os.Exit(exitConfigErr)
	}
	defer logger.Close()

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Error("kernel init failed", "error", err)
		os.Exit(exitConfigErr)
	}
	defer k.Close()

	if err := registerModules(k); err != nil {
		logger.Error("module registration failed", "error", err)
		os.Exit(exitConfigErr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := k.Start(ctx); err != nil {
		logger.Error("kernel start failed", "error", err)
		os.Exit(exitConfigErr)
	}
	logger.Info("pwkd started", "device_id", fmt.Sprintf("%x", k.DeviceID()), "storage", cfg.Storage.Path)

	if cfg.Monitoring.Enabled {
		srv := newMonitoringServer(cfg.Monitoring.ListenAddr, k)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("monitoring server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("monitoring endpoint listening", "addr", cfg.Monitoring.ListenAddr)
	}

	policyWatcher, err := watcher.New([]string{cfg.BreakGlass.PolicyPath, cfg.Vault.Path}, cfg.Watch.DebounceMs/1000+1)
	if err != nil {
		logger.Warn("policy/vault watcher unavailable", "error", err)
	} else {
		if err := policyWatcher.Start(); err != nil {
			logger.Warn("policy/vault watcher failed to start", "error", err)
		} else {
			defer policyWatcher.Stop()
			go watchPolicyChanges(ctx, policyWatcher, logger)
		}
	}

	runBucketRotationLoop(ctx, k, cfg, logger)

	logger.Info("pwkd shutting down")
}

// activeRulesetID is the operator-facing ruleset identifier stamped into
// every sealed event's ruleset_id field and hashed into ruleset_hash
// (spec.md §3), the same identifier a break-glass request's --ruleset-id
// flag names when justifying access to the history it covers.
const activeRulesetID = "ruleset:v1"

// registerModules declares the event types pwkd will accept from its
// detection backends. This is the kernel's ruleset: changing it changes
// the hash every newly sealed event carries, and internal/reprocess
// refuses to reinterpret events sealed under a prior ruleset.
func registerModules(k *kernel.Kernel) error {
	descriptors := []contract.ModuleDescriptor{
		{
			EventType:      "object_detection-v1",
			RequiredFields: fieldSet("object_class", "size_class", "confidence"),
			OptionalFields: fieldSet(),
		},
		{
			EventType:      "motion-v1",
			RequiredFields: fieldSet("object_class", "size_class", "confidence"),
			OptionalFields: fieldSet(),
		},
	}
	k.SetRuleset(activeRulesetID, descriptors)
	return nil
}

// newMonitoringServer builds the HTTP server backing cfg.Monitoring:
// /healthz and /readyz from the kernel's health.Checker, /metrics from its
// metrics.KernelMetrics registry. It binds to whatever address
// cfg.Monitoring.ListenAddr names; the default is 127.0.0.1:9090, since the
// counters it exposes (drop rates, conformance alarm rates) are
// operational telemetry, not something meant to leave the device network.
func newMonitoringServer(addr string, k *kernel.Kernel) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", k.HealthChecker().HealthHandler())
	mux.Handle("/livez", k.HealthChecker().LivenessHandler())
	mux.Handle("/readyz", k.HealthChecker().ReadinessHandler())
	mux.Handle("/metrics", k.Metrics().Registry().HTTPHandler())
	return &http.Server{Addr: addr, Handler: mux}
}

func fieldSet(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// runBucketRotationLoop rotates the Tier-1 bucket key at every bucket
// boundary until ctx is cancelled, destroying the prior key on each
// rotation (spec.md §4.5's non-linkability window).
func runBucketRotationLoop(ctx context.Context, k *kernel.Kernel, cfg *config.Config, logger *logging.Logger) {
	width := time.Duration(cfg.Bucket.SizeMinutes) * time.Minute
	ticker := time.NewTicker(width)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := k.RotateBucket(t); err != nil {
				logger.Error("bucket rotation failed", "error", err)
			}
		}
	}
}

func watchPolicyChanges(ctx context.Context, w *watcher.Watcher, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			logger.Info("policy or vault path changed", "path", ev.Path, "size", ev.Size)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
