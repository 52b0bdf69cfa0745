package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shiba4life/fold-db-sub003/internal/backup"
	"github.com/shiba4life/fold-db-sub003/internal/config"
	"github.com/shiba4life/fold-db-sub003/internal/daemon"
	"github.com/shiba4life/fold-db-sub003/internal/httpsig"
	"github.com/shiba4life/fold-db-sub003/internal/keystore"
	"github.com/shiba4life/fold-db-sub003/internal/platform/privacylog"
	"github.com/shiba4life/fold-db-sub003/internal/platform/ratelimiter"
	"github.com/shiba4life/fold-db-sub003/internal/registry"
	"github.com/shiba4life/fold-db-sub003/internal/rotation"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultDataDir = "foldkey-data"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to foldkey.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	policyName := flag.String("policy", "", "Verification policy: strict | standard | lenient")
	registryURL := flag.String("registry-url", "", "Registry base URL (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("foldkeyd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromPath(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *policyName != "" {
		cfg.Policy = *policyName
	}
	if *registryURL != "" {
		cfg.Registry.URL = *registryURL
	}

	log := buildLogger(cfg.Log.Level)
	slog.SetDefault(log)

	srv, err := buildServer(cfg, log)
	if err != nil {
		log.Error("foldkeyd failed to initialize", "error", err.Error())
		os.Exit(1)
	}

	log.Info("foldkeyd starting", "version", version, "policy", cfg.Policy)
	if err := srv.Run(ctx); err != nil {
		log.Error("foldkeyd failed", "error", err.Error())
		os.Exit(1)
	}
	log.Info("foldkeyd stopped")
}

func buildServer(cfg config.Config, log *slog.Logger) (*daemon.Server, error) {
	policy, err := httpsig.PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}

	store, err := keystore.NewFile(keystoreDir(cfg), backup.Options{
		KDF:        backup.KDF(cfg.Keystore.KDF),
		Encryption: backup.Cipher(cfg.Keystore.Cipher),
	})
	if err != nil {
		return nil, err
	}
	manager := rotation.NewManager(store, rotation.ManagerOptions{Logger: log})

	var registryClient *registry.Client
	if cfg.Registry.URL != "" {
		registryClient, err = registry.NewClient(cfg.Registry.URL, registry.Options{Logger: log})
		if err != nil {
			return nil, err
		}
	}

	svc, err := daemon.NewService(daemon.ServiceOptions{
		Manager:  manager,
		Registry: registryClient,
		Policy:   policy,
		Metrics:  httpsig.NewMetrics(),
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	var limiter *ratelimiter.MapLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimiter.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 0)
	}

	return daemon.NewServer(daemon.ServerOptions{
		Addr:    cfg.Listen,
		Service: svc,
		Limiter: limiter,
		Logger:  log,
	})
}

func keystoreDir(cfg config.Config) string {
	if cfg.Keystore.Dir != "" {
		return cfg.Keystore.Dir
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "keys")
}

// buildLogger emits JSON records through the privacy sanitizer so no
// passphrase, key material, or plain key identifier reaches the sink.
func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}
