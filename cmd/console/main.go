package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-control-plane/internal/console/handler"
	"github.com/xela07ax/spaceai-control-plane/internal/console/server"
	"github.com/xela07ax/spaceai-control-plane/internal/console/service"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"github.com/xela07ax/spaceai-control-plane/internal/repository"
	"github.com/xela07ax/spaceai-control-plane/internal/repository/postgres"
)

func main() {
	cfg, err := infra.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("console stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ключи: консоль и выпускает токены, и проверяет их
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	pub := &priv.PublicKey
	if len(cfg.Auth.PublicKey) > 0 {
		if pub, err = auth.ParseRSAPublicKey(cfg.Auth.PublicKey); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	// 2. Ресурсы
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	storage, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()
	if cfg.Audit.Backend == "memory" {
		logger.Warn("console reads its own in-memory ledger, gateway events are not visible")
	}

	users, err := userStore(ctx, cfg, storage, logger)
	if err != nil {
		return err
	}

	// 3. Слои (Dependency Injection)
	srv := server.NewConsoleServer(
		logger,
		auth.NewBaseValidator(pub),
		handler.NewAuthHandler(service.NewAuthService(users, auth.NewSigner(priv, cfg.Auth.TokenTTL)), logger),
		handler.NewAgentHandler(service.NewAgentService(rdb, logger), logger),
		handler.NewPolicyHandler(service.NewPolicyService(cfg.Policy.RulesPath, rdb), logger),
		handler.NewAuditHandler(service.NewAuditService(storage.Ledger), logger),
	)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Console.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Console API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// userStore операторы из конфига или из таблицы console_users.
// В режиме postgres пользователи из конфига досеиваются в таблицу при старте.
func userStore(ctx context.Context, cfg *infra.Config, storage *repository.Storage, logger *zap.Logger) (service.AuthProvider, error) {
	if cfg.Console.UserStore != "postgres" {
		return service.NewStaticUserStore(cfg.Console.Users), nil
	}

	pool := storage.Pool
	if pool == nil {
		p, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, p); err != nil {
			p.Close()
			return nil, err
		}
		context.AfterFunc(ctx, p.Close)
		pool = p
	}

	repo := postgres.NewUserRepo(pool)
	for _, u := range cfg.Console.Users {
		if err := repo.UpsertUser(ctx, u); err != nil {
			return nil, err
		}
	}
	logger.Info("console users seeded", zap.Int("count", len(cfg.Console.Users)))
	return repo, nil
}
