package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/config"
	"github.com/unclebandit/leadflow-backend/internal/db"
	"github.com/unclebandit/leadflow-backend/internal/logger"
)

func main() {
	down := flag.Bool("down", false, "roll back the latest migration instead of applying pending ones")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	l := logger.New(cfg.Log).Named("migrate")
	defer l.Sync()

	conn, err := db.Open(cfg.Database, l)
	if err != nil {
		l.Fatal("failed to open database", zap.Error(err))
	}
	defer conn.Close()

	m, err := db.NewMigrator(conn, cfg.App.MigrationsPath, l)
	if err != nil {
		l.Fatal("failed to prepare migrations", zap.Error(err))
	}

	if *down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err != nil {
		l.Fatal("migration failed", zap.Error(err))
	}
}
