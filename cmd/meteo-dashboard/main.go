package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/i474232898/meteo-dashboard/internal/api/http"
	"github.com/i474232898/meteo-dashboard/internal/claim"
	"github.com/i474232898/meteo-dashboard/internal/cloudapi"
	"github.com/i474232898/meteo-dashboard/internal/config"
	"github.com/i474232898/meteo-dashboard/internal/dashboard"
	"github.com/i474232898/meteo-dashboard/internal/forecast"
	"github.com/i474232898/meteo-dashboard/internal/forecast/providers"
	"github.com/i474232898/meteo-dashboard/internal/identity"
	"github.com/i474232898/meteo-dashboard/internal/logging"
	"github.com/i474232898/meteo-dashboard/internal/mqtt"
	"github.com/i474232898/meteo-dashboard/internal/objectstore"
	"github.com/i474232898/meteo-dashboard/internal/scheduler"
	"github.com/i474232898/meteo-dashboard/internal/station"
	"github.com/i474232898/meteo-dashboard/internal/store"
)

const appName = "meteo-dashboard"

var version = "dev"

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg, version, appName)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		log.Error("failed to load aws config", "error", err)
		os.Exit(1)
	}

	// Shared HTTP client for outbound calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	cognito := identity.NewCognitoFromConfig(awsCfg, cfg.AWS.IdentityPoolID, cfg.AWS.UserPoolID, log)
	broker := cloudapi.NewClient(cfg.Claim.ClaimURL, cfg.Claim.AttachURL, httpClient, log)
	places := providers.NewOpenMeteo(cfg.Forecast, httpClient)

	confirmations, err := mqtt.NewClient(cfg.MQTT, log)
	if err != nil {
		log.Error("failed to configure mqtt client", "error", err)
		os.Exit(1)
	}
	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	err = confirmations.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		// The client keeps retrying in the background; claims fail fast until then.
		log.Warn("mqtt broker not reachable yet", "broker", cfg.MQTT.BrokerURL, "error", err)
	}
	defer confirmations.Disconnect()

	registry := store.NewMemoryStore(dashboard.Deps{
		Auth:     cognito,
		Attacher: broker,
		Stores: func(ident identity.Identity) station.ObjectStore {
			return objectstore.NewS3ForCredentials(awsCfg, cognito.AWSCredentials(ident), cfg.AWS.Bucket)
		},
		Subscriber: confirmations,
		Broker:     broker,
		Places:     places,
		History: station.Options{
			Prefix: cfg.History.Prefix,
			Window: cfg.History.Window,
		},
		Claim: claim.Options{
			Topic:   cfg.Claim.Topic,
			Timeout: cfg.Claim.Timeout,
		},
		Suggest: forecast.SuggesterOptions{
			Delay:     cfg.Forecast.SuggestDelay,
			MinLength: cfg.Forecast.SuggestMinLength,
			Limit:     cfg.Forecast.SuggestLimit,
		},
		Logger: log,
	})
	defer registry.Close()

	sched := scheduler.New(registry, cfg.Sessions.IdleTTL, cfg.Sessions.SweepInterval, cfg.Sessions.HistoryRefreshInterval, log)
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Claim submission waits on the broker and attach calls.
		WriteTimeout: cfg.HTTPTimeout + 10*time.Second,
		ErrorHandler: httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":         "ok",
			"service":        appName,
			"mqtt_connected": confirmations.IsConnected(),
			"sessions":       registry.Len(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	httpapi.RegisterRoutes(app, httpapi.Options{
		Registry:     registry,
		Places:       places,
		SearchLimit:  cfg.Forecast.SuggestLimit,
		SecureCookie: cfg.AppEnv == "prod",
	})

	go func() {
		log.Info("http server listening", "port", cfg.Port, "region", awsCfg.Region)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("fiber server stopped", "error", err)
			stop()
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("shutdown complete")
}
