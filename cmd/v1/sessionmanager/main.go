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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/robolinkhq/session-manager/internal/v1/api"
	"github.com/robolinkhq/session-manager/internal/v1/config"
	"github.com/robolinkhq/session-manager/internal/v1/events"
	"github.com/robolinkhq/session-manager/internal/v1/health"
	"github.com/robolinkhq/session-manager/internal/v1/logging"
	"github.com/robolinkhq/session-manager/internal/v1/orchestrator"
	"github.com/robolinkhq/session-manager/internal/v1/registry"
	"github.com/robolinkhq/session-manager/internal/v1/rtc"
	"github.com/robolinkhq/session-manager/internal/v1/store"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config.toml (optional)")
	flag.Parse()

	// Load .env for local development; in deployment everything comes from
	// the environment.
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	var shipper *logging.Shipper
	if cfg.LogShipper.Enabled {
		shipper = logging.NewShipper(logging.ShipperConfig{
			Endpoint:   cfg.LogShipper.Endpoint,
			SourceName: cfg.LogShipper.SourceName,
		})
	}
	if err := logging.Initialize(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Shipper: shipper,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logger setup error:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logging.Info(ctx, "Starting session manager",
		zap.String("version", version),
		zap.String("rtcServer", cfg.RTC.ServerURL))

	// --- Wire the core ---
	sessionStore := store.New()
	serviceRegistry := registry.New()
	eventBus := events.NewBus(events.DefaultBufferSize)
	gateway := rtc.New(rtc.Config{
		ServerURL:         cfg.RTC.ServerURL,
		APIKey:            cfg.RTC.APIKey,
		APISecret:         cfg.RTC.APISecret,
		EmptyTimeout:      time.Duration(cfg.RTC.EmptyTimeoutSecs) * time.Second,
		MaxParticipants:   cfg.RTC.MaxParticipants,
		CreateRoomRetries: cfg.RTC.CreateRoomRetries,
	})
	orch := orchestrator.New(sessionStore, serviceRegistry, gateway, eventBus, orchestrator.Config{
		JoinTimeout:       cfg.Microservices.JoinTimeout(),
		ClientJoinTimeout: cfg.Microservices.ClientJoinTimeout(),
		DispatchTimeout:   cfg.Microservices.RegistrationTimeout(),
		RetryInterval:     cfg.Microservices.RetryInterval(),
	})

	// --- Set up the HTTP surface ---
	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	healthHandler := health.New(version, gateway)
	router.GET("/health", healthHandler.Liveness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.NewServer(orch, serviceRegistry, eventBus).Routes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		logging.Info(ctx, "API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests first, then tear down every live session so
	// RTC rooms are deleted before the process exits.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shut down", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Orchestrator shutdown incomplete", zap.Error(err))
	}

	if shipper != nil {
		shipper.Close()
	}
	logging.Info(ctx, "Exited cleanly")
}
