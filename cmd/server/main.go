// cmd/server/main.go
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/cache"
	"github.com/unclebandit/leadflow-backend/internal/config"
	"github.com/unclebandit/leadflow-backend/internal/controller"
	"github.com/unclebandit/leadflow-backend/internal/db"
	"github.com/unclebandit/leadflow-backend/internal/handler"
	"github.com/unclebandit/leadflow-backend/internal/logger"
	"github.com/unclebandit/leadflow-backend/internal/queue"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/service"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l := logger.New(cfg.Log).With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))
	defer l.Sync()

	conn, err := db.Open(cfg.Database, l)
	if err != nil {
		l.Fatal("failed to open database", zap.Error(err))
	}
	defer conn.Close()

	campaignRepo := &repository.CampaignRepository{DB: conn}
	logRepo := &repository.DeliveryLogRepository{DB: conn}
	responseRepo := &repository.ResponseRepository{DB: conn}

	transports, err := transport.Build(cfg, l)
	if err != nil {
		l.Fatal("failed to build transports", zap.Error(err))
	}
	defer transports.Close()

	store, err := newIdempotencyStore(cfg)
	if err != nil {
		l.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer store.Close()

	q, err := newQueue(cfg, l)
	if err != nil {
		l.Fatal("failed to connect to the event queue", zap.Error(err))
	}
	defer q.Close()

	audience := service.NewAudienceResolver(responseRepo, l)
	scheduler := service.NewScheduler(campaignRepo, logRepo, audience, l)
	campaignService := service.NewCampaignService(campaignRepo, logRepo, responseRepo, scheduler, transports, l)
	responseService := service.NewResponseService(responseRepo, q, l)
	receiptService := service.NewReceiptService(logRepo, transports, l)
	liveService := service.NewLiveService(campaignRepo, scheduler, store, cfg.Live.IdempotencyTTL, l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := liveService.Subscribe(ctx, q); err != nil {
		l.Fatal("failed to subscribe to submissions", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(controller.RequestLogger(l))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := conn.PingContext(r.Context()); err != nil {
			controller.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		controller.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	controller.NewCampaignController(campaignService, l).Routes(r)
	handler.NewResponseHandler(responseService, l).Routes(r)
	handler.NewWebhookHandler(receiptService, l).Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info("server running", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	l.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newIdempotencyStore(cfg *config.Config) (cache.IdempotencyStore, error) {
	if cfg.Redis.Addr() == "" {
		return cache.NewInMemoryIdempotencyStore(time.Minute), nil
	}
	return cache.NewRedisIdempotencyStore(cfg.Redis)
}

func newQueue(cfg *config.Config, l *zap.Logger) (queue.Queue, error) {
	if cfg.AMQP.URL == "" {
		return queue.NewInMemoryQueue(l), nil
	}
	return queue.NewAMQPQueue(cfg.AMQP.URL, l)
}
