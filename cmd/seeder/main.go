//cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/leadflow-backend/internal/config"
	"github.com/unclebandit/leadflow-backend/internal/db"
	"github.com/unclebandit/leadflow-backend/internal/logger"
)

var seedFiles = []string{
	"seed/quiz.sql",
	"seed/responses.sql",
	"seed/campaigns.sql",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	l := logger.New(cfg.Log).Named("seeder")
	defer l.Sync()

	conn, err := db.Open(cfg.Database, l)
	if err != nil {
		l.Fatal("failed to open database", zap.Error(err))
	}
	defer conn.Close()

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			l.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}

		err = db.WithTx(context.Background(), conn, func(tx *sql.Tx) error {
			_, err := tx.Exec(string(content))
			return err
		})
		if err != nil {
			l.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		l.Info("seeded", zap.String("file", file))
	}

	l.Info("database seeding completed")
}
