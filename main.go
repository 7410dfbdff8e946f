package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/config"
	"legalaid-chat/internal/coordinator"
	"legalaid-chat/internal/db"
	"legalaid-chat/internal/handlers"
	"legalaid-chat/internal/middleware"
	"legalaid-chat/internal/observability"
	"legalaid-chat/internal/rabbitmq"
	"legalaid-chat/internal/repositories"
	"legalaid-chat/internal/telemetry"
	"legalaid-chat/internal/transport"
	"legalaid-chat/internal/ws"
)

const serviceName = "legalaid-chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	tr := newTransport(cfg, logger)
	defer func() { _ = tr.Close() }()

	outbox, err := newOutbox(cfg, logger)
	if err != nil {
		return err
	}

	publisher := rabbitmq.NewPublisher(cfg.AuditAMQPURL, cfg.AuditExchange, logger)
	defer func() { _ = publisher.Close() }()
	logger.Info("audit publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, serviceName, cfg.Environment, cfg.ViewerID, logger)

	hub := ws.NewHub(logger)
	client := api.NewClient(cfg.APIURL, cfg.APIToken, cfg.APITimeout)

	coord := coordinator.New(coordinator.Options{
		ViewerID:       cfg.ViewerID,
		ViewerRole:     cfg.ViewerRole,
		PageSize:       cfg.HistoryPageSize,
		HistoryRetries: cfg.HistoryRetries,
		TypingWindow:   cfg.TypingWindow,
		TypingThrottle: cfg.TypingThrottle,
	}, client, tr, outbox, hub, audit, logger)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = coord.Run(ctx)
	}()

	go func() {
		if err := tr.Connect(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transport connect failed", zap.Error(err))
		}
	}()

	go func() {
		if err := coord.RefreshSessions(ctx); err != nil {
			logger.Warn("initial session refresh failed", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", ws.NewUIWebSocketHandler(hub, logger).Handle)
	handlers.RegisterRoutes(router, coord)
	handlers.RegisterDebugRoutes(router, audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
		})(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			zap.String("port", cfg.Port),
			zap.String("transport", cfg.Transport),
			zap.String("viewer_id", cfg.ViewerID),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-loopDone
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-loopDone
	return nil
}

func newTransport(cfg *config.Config, logger *zap.Logger) transport.Transport {
	backoff := transport.BackoffOptions{
		Initial:    cfg.ReconnectInitial,
		Max:        cfg.ReconnectMax,
		MaxRetries: cfg.ReconnectRetries,
	}
	switch cfg.Transport {
	case config.TransportAMQP:
		return transport.NewAMQP(transport.AMQPOptions{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
			Backoff:  backoff,
		}, logger)
	case config.TransportLoopback:
		logger.Warn("using in-process loopback transport")
		return transport.NewLoopback()
	}
	return transport.NewStomp(transport.StompOptions{
		URL:             cfg.BrokerURL,
		Token:           cfg.APIToken,
		SubscribePrefix: cfg.SubscribePrefix,
		SendPrefix:      cfg.SendPrefix,
		Backoff:         backoff,
	}, logger)
}

func newOutbox(cfg *config.Config, logger *zap.Logger) (repositories.PendingRepository, error) {
	if cfg.DBDSN == "" {
		logger.Info("no DB_DSN, pending messages kept in memory")
		return repositories.NewMemoryPendingRepo(), nil
	}
	database, err := db.Connect(cfg.DBDSN, logger)
	if err != nil {
		return nil, err
	}
	return repositories.NewPendingRepo(database), nil
}
