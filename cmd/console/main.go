package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/handler"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/server"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/console/service"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/engine"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/infra/auth"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/policy"
	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/repository/postgres"
)

func main() {
	fs := pflag.NewFlagSet("console", pflag.ExitOnError)
	fs.String("config", "", "settings file")
	fs.Int("port", 0, "HTTP port")
	fs.String("policy", "", "profile document (YAML or JSON)")
	fs.String("db-url", "", "PostgreSQL URL (receipt export and stored-run verification)")
	fs.String("redis-addr", "", "Redis address (anchor publication)")
	fs.String("log-level", "", "log level")
	_ = fs.Parse(os.Args[1:])

	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(cfg, logger); err != nil {
		logger.Error("console stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func serve(cfg *infra.Config, logger *zap.Logger) error {
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы (все опционально)
	var doc *policy.Document
	if cfg.Recorder.PolicyFile != "" {
		d, err := policy.LoadDocument(cfg.Recorder.PolicyFile)
		if err != nil {
			return err
		}
		doc = d
	}

	base := engine.Options{
		DeclaredIntents: cfg.Recorder.DeclaredIntents,
		ExportBatch:     cfg.Recorder.ExportBatchSize,
	}
	if len(cfg.Recorder.AnchorSecret) > 0 {
		signer, err := audit.NewHMACSigner(cfg.Recorder.AnchorSecret)
		if err != nil {
			return err
		}
		base.Signer = signer
	}

	var (
		chains  service.ChainSource
		anchors service.AnchorSource
	)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewReceiptRepo(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer repo.Close()
		// Проверяем соединение с таймаутом
		ctx, cancelPing := context.WithTimeout(appCtx, 5*time.Second)
		err = repo.Ping(ctx)
		if err == nil {
			err = repo.EnsureSchema(ctx)
		}
		cancelPing()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		base.Store = repo
		chains = repo
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pub := audit.NewRedisPublisher(rdb, logger)
		base.Publisher = pub
		anchors = pub
	}

	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewRSAValidator(key)
	} else {
		logger.Warn("auth.public_key_path is not set: API is open")
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Инициализация слоев (Dependency Injection)
	runs := service.NewRunService(doc, base, metrics, logger)
	verify := service.NewVerifyService(chains, anchors, base.Signer, logger)
	api := server.NewConsoleServer(cfg.Server, logger, validator, reg,
		handler.NewRunHandler(runs, logger), handler.NewVerifyHandler(verify, logger))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	grpcSrv, health := server.NewHealthServer()
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	// 3. Запуск
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC health started", zap.String("addr", lis.Addr().String()))
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 4. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Info("console stopping")
	case runErr = <-errCh:
	}

	health.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("console exited")
	return runErr
}
