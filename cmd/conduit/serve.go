package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/conduitworks/conduit/internal/engine"
	"github.com/conduitworks/conduit/internal/executors"
	"github.com/conduitworks/conduit/internal/expressions"
	"github.com/conduitworks/conduit/internal/logging"
	"github.com/conduitworks/conduit/internal/metrics"
	"github.com/conduitworks/conduit/internal/runner"
	"github.com/conduitworks/conduit/internal/secrets"
	"github.com/conduitworks/conduit/internal/server"
	"github.com/conduitworks/conduit/internal/store"
	"github.com/conduitworks/conduit/internal/streaming"
	"github.com/conduitworks/conduit/internal/template"
	"github.com/conduitworks/conduit/internal/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conduit HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rt, err := buildRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()
		return runServer(cmd.Context(), cfg, rt)
	},
}

// runtime is the assembled application: store, engine, hub and friends.
type runtime struct {
	store   *store.LibSQLStore
	vault   secrets.Vault
	hub     streaming.Hub
	engine  *engine.Engine
	pool    *engine.WorkerPool
	metrics *metrics.Metrics
	logger  *slog.Logger

	redisClient *redis.Client
}

func (rt *runtime) close() {
	rt.pool.Shutdown()
	if rt.redisClient != nil {
		_ = rt.redisClient.Close()
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close store", "error", err)
	}
}

func buildRuntime(ctx context.Context, cfg Config) (*runtime, error) {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	vault, err := buildVault(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var hub streaming.Hub
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		hub = streaming.NewRedisHub(redisClient, logger)
		logger.Info("status events via redis", "addr", cfg.RedisAddr)
	} else {
		hub = streaming.NewMemoryHub()
	}

	resolver := template.NewResolver()
	jq := expressions.NewJQEngine()
	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("cel engine: %w", err)
	}

	registry := executors.NewRegistry()
	for _, e := range []executors.Executor{
		executors.NewManualTriggerExecutor(),
		executors.NewStripeTriggerExecutor(hub, logger),
		executors.NewGoogleFormTriggerExecutor(hub, logger),
		executors.NewHTTPRequestExecutor(nil, resolver, hub, logger),
		executors.NewOpenAIExecutor(vault, resolver, hub, logger),
		executors.NewAnthropicExecutor(vault, resolver, hub, logger),
		executors.NewGeminiExecutor(vault, resolver, hub, logger),
		executors.NewDiscordExecutor(nil, resolver, hub, logger),
		executors.NewSlackExecutor(nil, resolver, hub, logger),
		executors.NewTransformExecutor(jq, hub, logger),
		executors.NewConditionExecutor(cel, hub, logger),
	} {
		if err := registry.Register(e); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register executor: %w", err)
		}
	}

	m := metrics.New()
	eng := engine.New(engine.Config{
		Workflows: st,
		Recorder:  st,
		Runners:   runner.NewFactory(st.Steps(), logger),
		Registry:  registry,
		Metrics:   m,
		Logger:    logger,
	})

	return &runtime{
		store:       st,
		vault:       vault,
		hub:         hub,
		engine:      eng,
		pool:        engine.NewWorkerPool(cfg.PoolSize),
		metrics:     m,
		logger:      logger,
		redisClient: redisClient,
	}, nil
}

// buildVault derives the credential vault key. A hex master key takes
// priority; a passphrase derives the key against a salt persisted next to
// the settings file. With neither configured, an ephemeral key is generated
// and stored credentials will not survive a restart.
func buildVault(cfg Config, st *store.LibSQLStore, logger *slog.Logger) (secrets.Vault, error) {
	vcfg := secrets.VaultConfig{}
	switch {
	case cfg.MasterKey != "":
		key, err := hex.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("master key is not valid hex: %w", err)
		}
		vcfg.MasterKey = key
	case cfg.Passphrase != "":
		salt, err := loadOrCreateSalt()
		if err != nil {
			return nil, err
		}
		vcfg.Passphrase = cfg.Passphrase
		vcfg.Salt = salt
	default:
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate vault key: %w", err)
		}
		vcfg.MasterKey = key
		logger.Warn("no vault key configured, using an ephemeral key; stored credentials will be unreadable after restart")
	}
	return secrets.NewAESVault(st, vcfg)
}

func loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(conduitDir(), "vault.salt")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

func runServer(ctx context.Context, cfg Config, rt *runtime) error {
	srv := server.New(server.Deps{
		Store:               rt.store,
		Executor:            rt.engine,
		Hub:                 rt.hub,
		Pool:                rt.pool,
		Metrics:             rt.metrics,
		Validator:           mustValidator(),
		Logger:              rt.logger,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("conduit listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	rt.pool.Wait()
	return nil
}

func mustValidator() validation.Validator {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		// Schemas are compiled from embedded constants; failure is a bug.
		panic(err)
	}
	return v
}
