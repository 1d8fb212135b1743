package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spaceai-control-plane/internal/audit"
	"github.com/xela07ax/spaceai-control-plane/internal/capability"
	"github.com/xela07ax/spaceai-control-plane/internal/connectors"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/engine"
	"github.com/xela07ax/spaceai-control-plane/internal/infra"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"github.com/xela07ax/spaceai-control-plane/internal/policy"
	"github.com/xela07ax/spaceai-control-plane/internal/repository"
)

const shutdownTimeout = 5 * time.Second

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
		logger.Fatal("uag stopped with error", zap.Error(err))
	}
	logger.Info("UAG exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// При SIGTERM отменяется appCtx: слушатели Redis и watcher останавливаются сами
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Правила и контракты. Битый файл на старте фатален.
	rules, err := policy.LoadFile(cfg.Policy.RulesPath)
	if err != nil {
		return err
	}
	pdp := policy.NewEngine(rules,
		policy.WithDefaultDecision(domain.Decision(cfg.Policy.DefaultDecision)),
		policy.WithLogger(logger),
	)
	contracts, err := capability.LoadContractsFile(cfg.Engine.ContractsPath)
	if err != nil {
		return err
	}

	// 2. Инфраструктура
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	storage, err := repository.Open(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	var ledger audit.Ledger = storage.Ledger
	if cfg.Audit.FeedEnabled {
		feed := audit.NewFeed(audit.NewRedisFeedSink(rdb, infra.RedisChanAuditFeed), logger,
			audit.WithFeedBuffer(cfg.Audit.FeedBufferSize),
			audit.WithFeedInterval(cfg.Audit.FeedFlushInterval),
			audit.WithFeedStats(metrics),
		)
		feed.Start()
		defer feed.Stop() // после остановки серверов: досылаем хвост ленты
		ledger = audit.WithFeed(ledger, feed)
	}

	// 3. Control plane: kill-switch и песочница
	ksm := engine.NewKillSwitchManager(rdb, logger)
	if err := ksm.Init(appCtx); err != nil {
		return fmt.Errorf("init kill-switch: %w", err)
	}
	sm := engine.NewSandboxManager(rdb, cfg.Engine.SandboxAgents, logger)
	if err := sm.Init(appCtx); err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}

	// 4. Execution layer
	var executor engine.Executor
	if cfg.Engine.ConnectorAddr != "" {
		conn, err := grpc.NewClient(cfg.Engine.ConnectorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("connector client: %w", err)
		}
		defer conn.Close()
		executor = connectors.NewGRPCAdapter(conn)
	} else {
		logger.Warn("engine.connector_addr is empty, using mock systems connector")
		executor = connectors.NewMockSystemsConnector(20*time.Millisecond, 80*time.Millisecond)
	}
	safeExecutor := engine.NewReliabilityWrapper(executor, cfg.Engine, metrics)

	// Провайдер capability: фикстуры из контрактов или живой коннектор
	var provider capability.Provider
	if cfg.Engine.ConnectorAddr != "" {
		provider = connectors.NewCapabilityAdapter(safeExecutor)
	} else {
		static := capability.NewStaticProvider()
		static.Seed(contracts)
		provider = static
	}
	registry := capability.NewRegistry(provider,
		capability.WithTimeout(cfg.Engine.CapabilityTimeout),
		capability.WithObserver(metrics.ObserveCapability),
		capability.WithLogger(logger),
	)
	if err := registry.Apply(contracts); err != nil {
		return err
	}

	// 5. Ядро
	gw, err := engine.NewGateway(engine.Deps{
		Policy:       pdp,
		RBAC:         engine.RBACFromConfig(cfg.RBAC),
		Capabilities: registry,
		Executor:     safeExecutor,
		Ledger:       ledger,
		KillSwitch:   ksm,
		Sandbox:      sm,
		Locker:       engine.NewRedisLocker(rdb),
		Metrics:      metrics,
		Logger:       logger,
	},
		engine.WithAuditTimeout(cfg.Engine.AuditTimeout),
		engine.WithUILockTTL(cfg.Engine.UILockTTL),
	)
	if err != nil {
		return err
	}

	var validator auth.TokenValidator
	var grpcOpts []grpc.ServerOption
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = auth.NewBaseValidator(pub)
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
	}

	// 6. Транспорты
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine.NewHTTPHandler(gw, validator, logger).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpcOpts...)
	engine.NewGRPCGatewayServer(gw, logger).Register(grpcSrv)

	g, ctx := errgroup.WithContext(appCtx)

	g.Go(func() error {
		ksm.StartListener(ctx)
		return nil
	})
	g.Go(func() error {
		sm.StartListener(ctx)
		return nil
	})

	reloader := policy.NewReloader(pdp, cfg.Policy.RulesPath, logger)
	g.Go(func() error {
		reloader.ListenSignals(ctx, rdb)
		return nil
	})
	if cfg.Policy.HotReload {
		g.Go(func() error { return reloader.WatchFile(ctx) })
	}

	g.Go(func() error {
		logger.Info("UAG HTTP server started", zap.String("addr", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("UAG gRPC server started", zap.String("addr", lis.Addr().String()))
		return grpcSrv.Serve(lis)
	})

	// Graceful shutdown: по сигналу или по первой ошибке любого из серверов
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("UAG stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		_ = metricsSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}
