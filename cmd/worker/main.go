package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/cache"
	"github.com/unclebandit/leadflow-backend/internal/config"
	"github.com/unclebandit/leadflow-backend/internal/db"
	"github.com/unclebandit/leadflow-backend/internal/logger"
	"github.com/unclebandit/leadflow-backend/internal/repository"
	"github.com/unclebandit/leadflow-backend/internal/service"
	"github.com/unclebandit/leadflow-backend/internal/transport"
)

// The worker owns delivery: it ticks the dispatcher and sweeps live
// campaigns. Any number of workers may run against the same database.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	l := logger.New(cfg.Log).With(zap.String("app", cfg.App.Name), zap.String("process", "worker"))
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

	// the sweep never marks events, so a local store is enough here
	store := cache.NewInMemoryIdempotencyStore(time.Minute)
	defer store.Close()

	scheduler := service.NewScheduler(campaignRepo, logRepo, service.NewAudienceResolver(responseRepo, l), l)
	dispatcher := service.NewDispatcher(campaignRepo, logRepo, transports, cfg.Dispatcher, l)
	live := service.NewLiveService(campaignRepo, scheduler, store, cfg.Live.IdempotencyTTL, l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := service.NewWorker(dispatcher, live, cfg.Dispatcher.PollInterval, cfg.Live.SweepInterval, l)
	if err := worker.Start(ctx); err != nil {
		l.Fatal("failed to start worker", zap.Error(err))
	}

	<-ctx.Done()
	l.Info("shutting down")

	// in-flight sends finish within the send timeout
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.SendTimeout+5*time.Second)
	defer cancel()
	worker.Stop(stopCtx)
}
