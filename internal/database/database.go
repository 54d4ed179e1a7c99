package database

import (
	"context"
	"fmt"
	"time"

	"iap-bridge/internal/config"
	"iap-bridge/internal/models"
	"iap-bridge/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePath is used when no DATABASE_URL is configured
const SQLitePath = "iap-bridge.db"

var (
	DB          *gorm.DB
	RedisClient *redis.Client
)

// InitDatabase opens the ledger database and, when configured, Redis
func InitDatabase() error {
	db, err := Open(config.AppConfig.DatabaseURL, logger.Warn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	DB = db

	if err := AutoMigrate(DB); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	client, err := OpenRedis(config.AppConfig.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	RedisClient = client

	return nil
}

// Open connects to PostgreSQL, or to a local SQLite file when dsn is empty
func Open(dsn string, level logger.LogLevel) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(level),
	}

	var (
		db  *gorm.DB
		err error
	)
	if dsn == "" {
		// Fallback to SQLite for development
		logging.Infof("Database URL not set, using SQLite at %s", SQLitePath)
		db, err = gorm.Open(sqlite.Open(SQLitePath), gormConfig)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// OpenRedis connects to Redis. An empty URL returns a nil client; the
// bridge then keeps reporting tokens and events in process.
func OpenRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		logging.Infof("REDIS_URL not set, reporting tokens stay in memory")
		return nil, nil
	}

	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// AutoMigrate creates the finish ledger and token audit tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.FinishedTransaction{},
		&models.ReportingTokenRecord{},
	)
}

// Ping checks the database and, when configured, Redis
func Ping(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if RedisClient != nil {
		if err := RedisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

// CloseDatabase closes database connections
func CloseDatabase() error {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logging.Errorf("Failed to close database: %v", err)
			}
		}
	}

	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			logging.Errorf("Failed to close Redis: %v", err)
		}
	}

	return nil
}
