package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/berry13/keycycle-proxy/internal/api"
	"github.com/berry13/keycycle-proxy/internal/auditlog"
	"github.com/berry13/keycycle-proxy/internal/config"
	"github.com/berry13/keycycle-proxy/internal/keypool"
	"github.com/berry13/keycycle-proxy/internal/logging"
	"github.com/berry13/keycycle-proxy/internal/metrics"
	"github.com/berry13/keycycle-proxy/internal/proxyengine"
	"github.com/berry13/keycycle-proxy/internal/upstream"
	"github.com/berry13/keycycle-proxy/internal/version"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		bindAddr    = pflag.StringP("bind", "b", "", "override server.bind_addr")
		configPath  = pflag.StringP("config", "c", "", "path to config.toml")
		showVersion = pflag.BoolP("version", "v", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := run(*bindAddr, *configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(bindAddr, configPath string) error {
	cfg, err := config.Load(config.Options{BindAddr: bindAddr, ConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting keycycle-proxy",
		zap.String("version", version.Short()),
		zap.String("bind_addr", cfg.Server.BindAddr),
	)

	specs, err := config.LoadCredentials("config.json")
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	credentials := make([]*keypool.Credential, 0, len(specs))
	for _, s := range specs {
		credentials = append(credentials, &keypool.Credential{Token: s.Token, BaseURL: s.BaseURL, Models: s.Models})
	}

	pool := keypool.New(credentials, keypool.ParseRotationStrategy(cfg.Keys.RotationStrategy), logger)

	reg := metrics.New()
	pool.SetProbeObserver(func(host string, sample time.Duration, ok bool) {
		reg.ObserveProbe(host, float64(sample.Microseconds())/1000.0, ok)
	})

	client := upstream.New(upstream.Config{
		ConnectTimeout: time.Duration(cfg.Upstream.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Upstream.RequestTimeoutMs) * time.Millisecond,
		InitialBackoff: time.Duration(cfg.Upstream.RetryInitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Upstream.RetryMaxBackoffMs) * time.Millisecond,
		MaxRetries:     cfg.Upstream.MaxRetries,
	}, logger)

	engine := proxyengine.New(pool, client, cfg.Upstream.MaxRetries, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *auditlog.Store
	if cfg.Audit.Enabled && cfg.Audit.DBPath != "" {
		store, err = auditlog.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		go store.Run(ctx)
	}

	engine.OnAttempt(func(a proxyengine.Attempt) {
		kind := ""
		if a.Err != nil {
			kind = a.Err.Error()
		}
		if store != nil {
			store.Write(auditlog.Record{
				Timestamp:  time.Now(),
				RequestID:  a.RequestID,
				Model:      a.Model,
				Host:       a.Host,
				Rotations:  a.Rotations,
				StatusCode: a.StatusCode,
				ErrorKind:  kind,
				LatencyMs:  float64(a.Duration.Microseconds()) / 1000.0,
			})
		}
		for i := 0; i < a.Rotations; i++ {
			reg.ObserveRotation()
		}
		outcome := "success"
		if a.Err != nil {
			outcome = "failed"
		}
		reg.ObserveAttempt(outcome)
	})

	go pool.StartProbeLoop(ctx, 60*time.Second)

	separateMetrics := cfg.Metrics.BindAddr != ""

	server := api.NewServer(api.Deps{
		Engine:                engine,
		Pool:                  pool,
		Metrics:               reg,
		Logger:                logger,
		RequestBodyLimitBytes: cfg.Server.RequestBodyLimitBytes,
		RequestTimeout:        time.Duration(cfg.Upstream.RequestTimeoutMs) * time.Millisecond,
		MountMetrics:          !separateMetrics,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.BindAddr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.Upstream.RequestTimeoutMs)*time.Millisecond + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", cfg.Server.BindAddr))

	var metricsServer *http.Server
	if separateMetrics {
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.BindAddr,
			Handler:      api.NewMetricsServer(reg),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("metrics server error", zap.Error(err))
			}
		}()
		logger.Info("metrics server started", zap.String("addr", cfg.Metrics.BindAddr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.GracefulShutdownSeconds)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("audit log close failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}
