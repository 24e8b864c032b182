package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/events"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/ratelimit"
	"github.com/tollgate/tollgate/internal/server"
	"github.com/tollgate/tollgate/internal/service"
)

const banner = `
 _____ ___  _     _     ____    _  _____ _____
|_   _/ _ \| |   | |   / ___|  / \|_   _| ____|
  | || | | | |   | |  | |  _  / _ \ | | |  _|
  | || |_| | |___| |__| |_| |/ ___ \| | | |___
  |_| \___/|_____|_____\____/_/   \_\_| |_____|
`

const devJWTSecret = "tollgate-dev-secret-change-me"

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long:  "Start the HTTP server that admits gateway requests and serves the operator API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("upstream", "", "Backend URL admitted requests are forwarded to")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, dev JWT secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("gateway.upstream", cmd.Flags().Lookup("upstream"))

	return cmd
}

func runServe(ctx context.Context, cfg *config.YAMLConfig, dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(cfg.Logging, dev, os.Stderr)

	// 1. Store and services
	svc, err := openServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	logger.Info("store opened", "driver", svc.store.Driver())

	// 2. Operator auth
	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		if !dev {
			return fmt.Errorf("auth.jwt_secret is required (set TOLLGATE_AUTH_JWT_SECRET or use --dev)")
		}
		jwtSecret = devJWTSecret
		logger.Warn("using development JWT secret")
	}
	authSvc := service.NewAuthService(svc.store, jwtSecret)
	if hasAdmin, err := svc.store.HasAnyAdmin(ctx); err != nil {
		logger.Warn("failed to check for operators", "error", err)
	} else if !hasAdmin {
		logger.Warn("no operator account found - run: tollgate admin create")
	}

	// 3. Rate limiter
	limiter := ratelimit.New(ratelimit.Options{
		Window:        config.Duration(cfg.RateLimit.Window, ratelimit.DefaultWindow),
		SweepInterval: config.Duration(cfg.RateLimit.SweepInterval, time.Minute),
		Logger:        logger,
	})
	defer limiter.Stop()

	// 4. Security event recorder, optionally forwarding to AMQP
	var forwarder events.Forwarder
	if cfg.Events.AMQP.URL != "" {
		fwd, err := events.DialAMQP(events.AMQPConfig{
			URL:        cfg.Events.AMQP.URL,
			Exchange:   cfg.Events.AMQP.Exchange,
			RoutingKey: cfg.Events.AMQP.RoutingKey,
		}, logger)
		if err != nil {
			logger.Error("amqp forwarding disabled", "error", err)
		} else {
			defer fwd.Close()
			forwarder = fwd
			logger.Info("forwarding security events", "exchange", cfg.Events.AMQP.Exchange)
		}
	}
	recorder := events.NewRecorder(svc.store, events.Options{
		BufferSize:   cfg.Events.BufferSize,
		BatchSize:    cfg.Events.BatchSize,
		FlushTimeout: config.Duration(cfg.Events.FlushTimeout, time.Second),
		Detector: events.DetectorOptions{
			Window:    config.Duration(cfg.Security.SuspiciousWindow, 5*time.Minute),
			Threshold: cfg.Security.SuspiciousThreshold,
		},
		AutoBlock:    cfg.Security.AutoBlock,
		AutoBlockTTL: config.Duration(cfg.Security.AutoBlockTTL, 24*time.Hour),
		Blocker:      svc.ipRules,
		Forwarder:    forwarder,
		Logger:       logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			logger.Error("security events not flushed", "error", err)
		}
	}()

	// 5. Admission pipeline
	pipe := gateway.New(gateway.Config{
		Tokens:           svc.tokens,
		IPPolicy:         svc.ipRules,
		Limits:           svc.settings,
		Limiter:          limiter,
		Events:           recorder,
		PerEndpointLimit: cfg.Gateway.PerEndpointLimit,
		StageTimeout:     config.Duration(cfg.Gateway.LookupTimeout, 2*time.Second),
		Logger:           logger,
	})

	// 6. Background maintenance
	go svc.tokens.Run(ctx, config.Duration(cfg.Gateway.TokenReloadInterval, 30*time.Second))
	go purgeEvents(ctx, svc.security, config.Duration(cfg.Security.EventRetention, 30*24*time.Hour), logger)

	// 7. HTTP server
	var upstream *url.URL
	if cfg.Gateway.Upstream != "" {
		upstream, err = url.Parse(cfg.Gateway.Upstream)
		if err != nil {
			return fmt.Errorf("gateway.upstream: %w", err)
		}
	} else {
		logger.Warn("no upstream configured - admitted requests will get 502")
	}

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		CORSMethods:     cfg.Server.CORS.Methods,
		LoginRateLimit:  cfg.Auth.LoginRateLimit,
		SessionTTL:      config.Duration(cfg.Auth.JWTExpiry, time.Hour),
		Upstream:        upstream,
		Version:         versionString(),
	}
	srv := server.New(srvCfg, server.Deps{
		Store:    svc.store,
		Auth:     authSvc,
		Tokens:   svc.tokens,
		IPRules:  svc.ipRules,
		Settings: svc.settings,
		Security: svc.security,
		Routes:   svc.routes,
		Pipeline: pipe,
	}, logger)

	fmt.Printf("→ Tollgate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ System API: http://%s:%d/api/v1/system\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Routes: %d   Tokens: %d\n", len(svc.routes.Routes()), countTokens(ctx, svc.tokens))
	fmt.Println()

	return srv.ListenAndServe(ctx)
}

func countTokens(ctx context.Context, tokens *service.TokenRegistry) int {
	list, err := tokens.List(ctx)
	if err != nil {
		return 0
	}
	return len(list)
}

// purgeEvents deletes security events older than retention once an hour.
func purgeEvents(ctx context.Context, security *service.SecurityCenter, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := security.PurgeEvents(ctx, retention)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("security event purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Info("purged security events", "count", n, "retention", retention)
			}
		}
	}
}
