// Command decisionledgerd is the service entrypoint: it loads
// configuration, wires a store, the engine, metrics, and logging
// together, and serves a thin read API plus health and metrics
// listeners until it receives a shutdown signal.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/config"
	"github.com/ledgerforge/decision-ledger/pkg/engine"
	"github.com/ledgerforge/decision-ledger/pkg/ledgerlog"
	"github.com/ledgerforge/decision-ledger/pkg/metrics"
	"github.com/ledgerforge/decision-ledger/pkg/reducer"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/store"
	"github.com/ledgerforge/decision-ledger/pkg/store/memstore"
	"github.com/ledgerforge/decision-ledger/pkg/store/sqlstore"
)

func main() {
	log, err := ledgerlog.New(ledgerlog.Config{Level: parseLogLevel(os.Getenv("LOG_LEVEL")), Format: "json", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	ledgerlog.SetGlobal(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.NewRegistry(reg)

	snapPolicy := snapshot.Policy{
		EveryNEvents:              cfg.SnapshotInterval,
		KeepLastN:                 3,
		PruneEventsUpToLatestSnap: false,
	}
	anchorPolicy, err := buildAnchorPolicy(cfg)
	if err != nil {
		log.Error("failed to configure anchor signing", "error", err)
		os.Exit(1)
	}
	lockPolicy, err := buildLockPolicy(cfg)
	if err != nil {
		log.Error("failed to load immutability policy", "error", err)
		os.Exit(1)
	}

	eng := engine.New(st, reducer.Policies{RequireRejectReason: true}, snapPolicy, anchorPolicy, lockPolicy, time.Now)
	eng.SetMetrics(m)

	mux := http.NewServeMux()
	registerReadAPI(mux, eng, st, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}

	go serve(log, "api", apiServer)
	go serve(log, "metrics", metricsServer)
	go serve(log, "health", healthServer)

	log.Info("decision ledger service ready", "ledger_id", cfg.LedgerID, "api_addr", cfg.ListenAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	for _, srv := range []*http.Server{apiServer, metricsServer, healthServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}
	log.Info("stopped")
}

func serve(log *ledgerlog.Logger, name string, srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "server", name, "error", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, log *ledgerlog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" && cfg.DBHost == "" {
		log.Info("no database configured, using in-memory store")
		return memstore.New(), func() {}, nil
	}

	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	}

	client, err := sqlstore.NewClient(ctx, dsn, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		if cfg.DatabaseRequired {
			return nil, nil, err
		}
		log.Error("database connection failed, falling back to in-memory store", "error", err)
		return memstore.New(), func() {}, nil
	}

	if err := client.MigrateUp(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	return sqlstore.New(client), func() { client.Close() }, nil
}

// buildAnchorPolicy reads the configured signing mode and loads the key
// material it needs. A missing Ed25519 key is generated and persisted to
// ANCHOR_ED25519_KEY_PATH so restarts reuse the same identity.
func buildAnchorPolicy(cfg *config.Config) (engine.AnchorPolicy, error) {
	policy := engine.AnchorPolicy{Enabled: cfg.AnchorSigningMode != "none", TenantID: cfg.TenantID, KeyID: cfg.LedgerID}

	switch cfg.AnchorSigningMode {
	case "none":
		return policy, nil
	case "hmac":
		key, err := os.ReadFile(cfg.AnchorHMACKeyPath)
		if err != nil {
			return policy, fmt.Errorf("read HMAC key: %w", err)
		}
		policy.SignWith = anchor.SigHMAC
		policy.HMACKey = key
		return policy, nil
	case "ed25519":
		priv, err := loadOrGenerateEd25519Key(cfg.AnchorEd25519KeyPath)
		if err != nil {
			return policy, fmt.Errorf("load Ed25519 key: %w", err)
		}
		policy.SignWith = anchor.SigEd25519
		policy.Ed25519Key = priv
		return policy, nil
	default:
		return policy, fmt.Errorf("unknown ANCHOR_SIGNING_MODE %q", cfg.AnchorSigningMode)
	}
}

// buildLockPolicy reads the immutability window from the retention policy
// file, when one is configured. An unconfigured path leaves auto-lock
// disabled; decisions still reach LOCKED only via an explicit LOCK append.
func buildLockPolicy(cfg *config.Config) (engine.LockPolicy, error) {
	if cfg.RetentionPolicyPath == "" {
		return engine.LockPolicy{}, nil
	}
	pf, err := config.LoadPolicyFile(cfg.RetentionPolicyPath)
	if err != nil {
		return engine.LockPolicy{}, err
	}
	return engine.LockPolicy{
		Enabled: pf.Immutability.Enabled,
		Window:  time.Duration(pf.Immutability.WindowSeconds) * time.Second,
	}, nil
}

func loadOrGenerateEd25519Key(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		path = "./data/anchor_ed25519_key.hex"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0o600); writeErr != nil {
			return nil, writeErr
		}
		return priv, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("anchor Ed25519 key at %s has invalid size %d", path, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
