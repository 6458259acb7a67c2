package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"healthsync-chat/internal/config"
	"healthsync-chat/internal/db"
	grpchealth "healthsync-chat/internal/grpc"
	"healthsync-chat/internal/handlers"
	"healthsync-chat/internal/logger"
	"healthsync-chat/internal/middleware"
	"healthsync-chat/internal/observability"
	"healthsync-chat/internal/rabbitmq"
	"healthsync-chat/internal/repositories"
	"healthsync-chat/internal/telemetry"
	"healthsync-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, cfg.App.Name, cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	database, err := db.Connect(cfg.DB.DSN, log)
	if err != nil {
		log.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	defer publisher.Close()
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	emitter := telemetry.NewEventEmitter(publisher, cfg.App.Name, cfg.App.Environment, log)

	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	hub := ws.NewHub(log)
	chatHandler := handlers.NewChatHandler(convRepo, messageRepo, hub, emitter, cfg.Server.MaxHistoryLimit, log)
	chatWS := ws.NewChatWebSocketHandler(hub, messageRepo, emitter, cfg.Server.WSRateLimit, cfg.Server.WSRateBurst, log)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.App.Name))
	router.Use(middleware.RequestID())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", handlers.Healthz(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", chatWS.Handle)

	api := router.Group("/", middleware.IdentityMiddleware())
	api.POST("/conversations", chatHandler.StartConversation)
	api.GET("/conversations/between/:participant_a/:participant_b", chatHandler.GetConversationBetween)
	api.POST("/conversations/:chat_id/messages", chatHandler.PostMessage)
	api.PATCH("/conversations/:chat_id/messages/:message_id/seen", chatHandler.MarkSeen)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthSrv := grpchealth.NewHealthServer(database, log)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen for grpc", zap.String("port", cfg.Server.GRPCPort), zap.Error(err))
	}
	go func() {
		if err := healthSrv.Serve(lis); err != nil {
			log.Error("grpc health server stopped", zap.Error(err))
		}
	}()
	go healthSrv.Watch(ctx, 15*time.Second)

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	healthSrv.Stop()
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
		}
	}
}
