// Package database owns the process-wide Postgres and Redis handles. Both
// are opened once at startup and shared as package globals.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivepool/backend/internal/config"
)

var (
	DB    *gorm.DB
	Redis *redis.Client
)

const (
	connectAttempts  = 30
	connectRetryWait = 2 * time.Second
)

// Connect opens both stores. Postgres is retried with a fixed budget; in
// container deployments it regularly comes up after this process does.
func Connect(cfg *config.Config) error {
	if err := connectPostgres(cfg); err != nil {
		return err
	}
	return connectRedis(cfg)
}

func connectPostgres(cfg *config.Config) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Silent),
			NowFunc: func() time.Time { return time.Now().UTC() },
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err == nil {
			break
		}
		log.Printf("Database: postgres not reachable (attempt %d/%d): %v", attempt, connectAttempts, err)
		time.Sleep(connectRetryWait)
	}
	if err != nil {
		return fmt.Errorf("postgres unreachable after %d attempts: %w", connectAttempts, err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access the connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Printf("Database: postgres connected (%s/%s)", cfg.DBHost, cfg.DBName)
	return nil
}

func connectRedis(cfg *config.Config) error {
	Redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	log.Printf("Database: redis connected (%s:%d)", cfg.RedisHost, cfg.RedisPort)
	return nil
}

// Close releases both handles, shutdown only
func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if Redis != nil {
		Redis.Close()
	}
}
