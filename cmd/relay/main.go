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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-relay/internal/archive"
	"github.com/xela07ax/telemetry-relay/internal/auth"
	"github.com/xela07ax/telemetry-relay/internal/enrich"
	"github.com/xela07ax/telemetry-relay/internal/infra"
	"github.com/xela07ax/telemetry-relay/internal/ledger"
	"github.com/xela07ax/telemetry-relay/internal/notify"
	"github.com/xela07ax/telemetry-relay/internal/proxy"
	"github.com/xela07ax/telemetry-relay/internal/relay"
	"github.com/xela07ax/telemetry-relay/internal/server"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Fatal(http.ListenAndServe(":9090", mux))
	}()

	// 3. Fan-out уведомлений
	hub := notify.NewHub(cfg.Broadcast.MaxEntries, cfg.Broadcast.Retention, logger)

	// 4. Опциональный архив перехвата (Postgres)
	var sink ledger.Sink
	if cfg.Archive.URL != "" {
		repo, err := archive.NewPostgresRepo(cfg.Archive.URL)
		if err != nil {
			logger.Fatal("archive init failed", zap.Error(err))
		}
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Fatal("archive database unreachable", zap.Error(err))
		}
		pingCancel()

		writer := archive.NewWriter(cfg.Archive, repo, logger)
		writer.Start()
		defer writer.Stop() // Drain Pattern: дописываем буфер при остановке
		sink = writer
	}

	// 5. Реестр перехвата и ядро реле
	led := ledger.New(cfg.Ledger.MaxEntries, sink, logger)

	store := relay.NewStore(cfg.Relay, relay.TimerScheduler{}, relay.NewSimulatedClassifier(), hub, metrics, logger)

	forwarder := proxy.NewForwarder(cfg.Proxy, store, metrics, logger)
	if cfg.Proxy.Enabled {
		// При включенном пробросе исход флаша решает реальный upstream,
		// а не симуляция
		store.SetClassifier(proxy.NewBatchClassifier(forwarder))
	}

	// Периодическое выселение простаивающих сессий
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				store.Cleanup()
			}
		}
	}()

	// 6. HTTP Server
	authSvc := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.AdminPasswordHash, cfg.Auth.TokenTTL)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewServer(cfg, logger, enrich.New(logger), led, store, forwarder, hub, authSvc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("telemetry relay started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("telemetry relay stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed", zap.Error(err))
	}
	logger.Info("telemetry relay exited properly")
}
