package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"jwxt-agent/internal/config"
	"jwxt-agent/internal/crawl"
	"jwxt-agent/internal/enroll"
	"jwxt-agent/internal/handler"
	"jwxt-agent/internal/httpclient"
	"jwxt-agent/internal/jwxt"
	"jwxt-agent/internal/messaging"
	"jwxt-agent/internal/middleware"
	"jwxt-agent/internal/observability"
	"jwxt-agent/internal/selection"
	"jwxt-agent/internal/service"
	"jwxt-agent/internal/session"
	"jwxt-agent/internal/sso"
	"jwxt-agent/internal/task"
	"jwxt-agent/internal/websocket"
)

const (
	sessionJanitorInterval = time.Minute
	taskJanitorInterval    = 5 * time.Minute
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting jwxt agent",
		slog.String("environment", cfg.Environment),
		slog.String("base_url", cfg.BaseURL))

	endpoints, err := jwxt.New(cfg.BaseURL, cfg.Gnmkdm, cfg.SSOHost, jwxt.Paths{SSOEntry: cfg.SSOEntryPath})
	if err != nil {
		slog.Error("invalid portal endpoints", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pemText, err := cfg.PublicKeyPEM()
	if err != nil {
		slog.Error("failed to load sso public key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	keys, err := sso.NewKeySource(pemText, cfg.SSOPublicKeyURL)
	if err != nil {
		slog.Error("invalid sso public key", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The limiter is shared by every upstream client.
	clientOpts := []httpclient.Option{
		httpclient.WithLimiter(rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamBurst)),
		httpclient.WithTimeout(cfg.UpstreamTimeout),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore(session.WithTTL(cfg.SessionTTL))
	go store.Run(ctx, sessionJanitorInterval)
	slog.Info("session janitor started")

	builder := selection.NewBuilder(endpoints)
	flow := sso.NewFlow(endpoints, keys, builder,
		sso.WithRetries(cfg.LoginRetries),
		sso.WithClientOptions(clientOpts...))

	tasks := task.NewManager()
	go tasks.Run(ctx, taskJanitorInterval, cfg.TaskRetention)

	hub := websocket.NewHub()
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	}()
	tasks.Subscribe(hub)
	slog.Info("websocket hub started")

	readyChecks := map[string]handler.Checker{
		"sessions": handler.CheckSessions(store),
	}

	var publisher service.EventPublisher = service.NopPublisher{}
	if cfg.EventsEnabled() {
		rmqCtx, rmqCancel := context.WithTimeout(ctx, 60*time.Second)
		rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
		rmqCancel()
		if err != nil {
			slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rmq.Close()
		publisher = rmq
		readyChecks["rabbitmq"] = handler.CheckBroker(rmq)
		slog.Info("event publishing enabled")
	} else {
		slog.Info("RABBITMQ_URL not set, events are not published")
	}

	portal := service.NewPortal(service.Deps{
		Store:      store,
		Flow:       flow,
		Selection:  builder,
		Crawler:    crawl.NewEngine(endpoints, cfg.CrawlConcurrency),
		Ops:        enroll.NewOps(endpoints),
		Tasks:      tasks,
		Publisher:  publisher,
		ClientOpts: clientOpts,
	})

	router := handler.NewRouter(ctx, handler.RouterConfig{
		Portal:         portal,
		Hub:            hub,
		ReadyChecks:    readyChecks,
		AllowedOrigins: middleware.ParseOrigins(cfg.AllowedOrigins),
		SessionTTL:     cfg.SessionTTL,
		SecureCookie:   cfg.IsProduction(),
		OpenAPI:        middleware.DefaultOpenAPIValidatorConfig(cfg.OpenAPISpecPath, cfg.IsProduction()),
		LoginRPS:       1,
		LoginBurst:     5,
		APIRPS:         20,
		APIBurst:       50,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// POST /crawl answers after the whole term is crawled.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("jwxt agent listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		slog.Error("task shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	time.Sleep(100 * time.Millisecond)

	slog.Info("server stopped gracefully")
}
