package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/payhook/app/models"
	"github.com/ManuelReschke/payhook/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DB is the shared connection, set by SetupDatabase.
var DB *gorm.DB

// GetDB returns the shared connection.
func GetDB() *gorm.DB {
	return DB
}

// DSN builds the MySQL connection string from the environment.
func DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// Models lists every table managed by AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&models.WebhookEvent{},
		&models.ReconciliationAlert{},
		&models.Transaction{},
		&models.PaymentLink{},
		&models.CheckoutSession{},
		&models.MerchantVerification{},
	}
}

// SetupDatabase connects with retries and migrates the schema.
func SetupDatabase() error {
	var err error
	dsn := DSN()

	gormLogger := logger.Default.LogMode(logger.Warn)
	if env.IsDev() {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	for i := 0; i < maxRetries; i++ {
		var db *gorm.DB
		db, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), &gorm.Config{
			// duplicate-key inserts surface as gorm.ErrDuplicatedKey
			TranslateError: true,
			Logger:         gormLogger,
		})
		if err == nil {
			if err = db.AutoMigrate(Models()...); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			DB = db
			log.Info("[Database] Connected and migrated")
			return nil
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("connect database: %w", err)
}

// Ping checks the underlying connection.
func Ping() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
