package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/logx"
)

// Параметры ожидания базы при старте.
const (
	DefaultPingRetries = 10
	DefaultPingDelay   = 2 * time.Second
)

// Русский комментарий: этот пакет инкапсулирует подключение к PostgreSQL.
// Хранилища FSM и токенов лежат в repositories.

// ConnectToBase — подключение к базе по DSN с ожиданием готовности.
// Русский комментарий: PostgreSQL в docker-compose часто поднимается позже бота,
// поэтому пингуем с ретраями.
func ConnectToBase(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if err := PingWithRetry(ctx, db, DefaultPingRetries, DefaultPingDelay, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PingWithRetry пингует базу с ретраями.
// Русский комментарий: Используется при старте бота, когда PostgreSQL может подниматься параллельно.
func PingWithRetry(ctx context.Context, db *sql.DB, maxRetries int, delay time.Duration, logger *zap.Logger) error {
	logger = logx.OrNop(logger)

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("postgres connection established")
			return nil
		}
		logger.Warn("failed to ping postgres, retrying...", zap.Int("attempt", i+1), zap.Error(err))

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("failed to ping postgres after %d retries: %w", maxRetries, err)
}
