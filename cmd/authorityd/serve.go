package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mandatekernel/authority-core/internal/api"
	"github.com/mandatekernel/authority-core/internal/config"
	"github.com/mandatekernel/authority-core/internal/logging"
	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/evaluator"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/mandate"
	"github.com/mandatekernel/authority-core/pkg/merkle"
	"github.com/mandatekernel/authority-core/pkg/pipeline"
	"github.com/mandatekernel/authority-core/pkg/pricebook"
	"github.com/mandatekernel/authority-core/pkg/spendcache"
	"github.com/mandatekernel/authority-core/pkg/store"

	_ "modernc.org/sqlite"
)

// runServe wires every component into a running server: the storage
// layer (Postgres if DATABASE_URL is set, embedded SQLite otherwise),
// the signing key registry, the evaluator and mandate manager, the
// spend cache, the Merkle aggregator's periodic sealing loop, the Kafka
// consumer groups feeding the ledger, and the HTTP API, then blocks
// until SIGINT/SIGTERM.
func runServe() {
	fmt.Fprintf(os.Stdout, "%sauthority-core starting...%s\n", ColorBold+ColorBlue, ColorReset)

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	signer, err := loadOrGenerateSigner()
	if err != nil {
		logger.Error("failed to init signer", "error", err)
		os.Exit(1)
	}
	registry := cryptoutil.NewKeyRegistry()
	registry.AddKey(signer)
	logger.Info("trust root ready", "key_id", signer.KeyID())

	book := pricebook.New()
	if cfg.PricebookPath != "" {
		seed, err := config.LoadPricebookSeed(cfg.PricebookPath)
		if err != nil {
			logger.Error("failed to load pricebook seed", "error", err)
			os.Exit(1)
		}
		for _, e := range seed {
			book.Set(e.ResourceType, contracts.Money{MinorUnits: e.MinorUnits, Currency: e.Currency})
		}
		logger.Info("pricebook seeded", "entries", len(seed), "path", cfg.PricebookPath)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := spendcache.New(rdb, st, cfg.SpendWindow, cfg.SpendCacheTTL)

	writer := ledger.NewWriter(st)
	mgr := mandate.NewManager(st, writer, registry)
	eval := evaluator.New(st, cache, registry, cfg.MandateCacheTTL)
	agg := merkle.NewAggregator(st, registry, merkle.SealThresholds{
		MaxEvents: cfg.SealMaxEvents,
		MaxAge:    cfg.SealMaxAge,
	})

	go runSealLoop(ctx, logger, agg, cfg.PartitionCount)

	var consumers []*pipeline.Consumer
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		consumers = startConsumers(ctx, cfg, logger, st, writer, cache, book)
	} else {
		logger.Warn("no kafka brokers configured, event pipeline disabled")
	}

	var publisher api.DecisionPublisher
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		pub := newDecisionPublisher(cfg, logger)
		defer func() { _ = pub.Close() }()
		publisher = pub
	}

	validator := api.NewJWTValidator(cfg.JWTSigningSecret)
	handler := api.NewHandler(eval, mgr, publisher)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.RequireBearerAuth(validator)(handler),
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	for _, c := range consumers {
		_ = c.Close()
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stdout, "%sDATABASE_URL not set, falling back to embedded sqlite at %s%s\n", ColorCyan, cfg.SQLitePath, ColorReset)
		return store.OpenSQLite(cfg.SQLitePath)
	}
	return store.OpenPostgres(cfg.DatabaseURL)
}

// runSealLoop periodically seals every partition's pending events into a
// signed Merkle batch so the audit ledger never accumulates an unbounded
// unsealed tail.
func runSealLoop(ctx context.Context, logger *slog.Logger, agg *merkle.Aggregator, partitions int) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < partitions; i++ {
				partition := partitionName(i)
				batch, err := agg.Seal(ctx, partition)
				if err != nil {
					logger.Error("merkle seal failed", "partition", partition, "error", err)
					continue
				}
				if batch != nil {
					logger.Info("merkle batch sealed", "partition", partition, "batch_id", batch.ID, "leaves", batch.LeafCount)
				}
			}
		}
	}
}

func partitionName(i int) string {
	return fmt.Sprintf("p%d", i)
}

// loadOrGenerateSigner loads a persistent signing key from disk,
// generating one the first time the process starts against a given
// data directory, following the teacher's lite-mode root-key bootstrap.
func loadOrGenerateSigner() (*cryptoutil.Signer, error) {
	keyPath := "data/root.key"
	if data, err := os.ReadFile(keyPath); err == nil {
		priv, err := decodeSigningKey(data)
		if err != nil {
			return nil, fmt.Errorf("invalid root.key: %w", err)
		}
		return cryptoutil.NewSignerFromKey(priv, "root"), nil
	}

	if err := os.MkdirAll("data", 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	signer, err := cryptoutil.NewSigner("root")
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := persistSigningKey(keyPath, signer); err != nil {
		return nil, err
	}
	return signer, nil
}

func persistSigningKey(path string, s *cryptoutil.Signer) error {
	der, err := x509.MarshalECPrivateKey(s.PrivateKey())
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(der)), 0o600)
}

func decodeSigningKey(data []byte) (*ecdsa.PrivateKey, error) {
	der, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	return x509.ParseECPrivateKey(der)
}
