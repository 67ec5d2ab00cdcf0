package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
)

// DB wraps the GORM DB connection with additional context
type DB struct {
	*gorm.DB
	Driver string
	log    *logger.Logger
}

// New creates a new database connection based on configuration
func New(cfg *config.Config, log *logger.Logger) (*DB, error) {
	var db *gorm.DB
	var err error

	// Only log slow queries (>1 second) and errors
	slowLogger := gormlogger.New(
		log.StdLog(),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormConfig := &gorm.Config{
		Logger: slowLogger,
	}

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		sqliteDSN := strings.TrimPrefix(dsn, "file:")

		// Ensure parent directory exists for file-based databases
		if !strings.HasPrefix(sqliteDSN, ":memory:") {
			dir := filepath.Dir(sqliteDSN)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}

		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormConfig)
		if err == nil {
			// WAL mode allows concurrent readers while a writer is active.
			db.Exec("PRAGMA journal_mode=WAL")
			// Wait up to 5s on a locked database instead of failing with SQLITE_BUSY.
			db.Exec("PRAGMA busy_timeout = 5000")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return &DB{DB: db, Driver: driver, log: log}, nil
}

// Migrate creates or updates the users and workspaces tables.
func (db *DB) Migrate() error {
	db.log.Info("running GORM AutoMigrate")
	return db.AutoMigrate(model.AllModels()...)
}

// Seed creates the anonymous user and, when configured, an admin account.
// This is idempotent - it will not create duplicates if called multiple times.
func (db *DB) Seed(cfg *config.Config) error {
	anonUser := model.NewAnonymousUser()
	result := db.DB.Where("id = ?", model.AnonymousUserID).FirstOrCreate(anonUser)
	if result.Error != nil {
		return fmt.Errorf("failed to create anonymous user: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		db.log.Info("created anonymous user")
	}

	if cfg.AdminUsername == "" {
		return nil
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	digestStr := string(digest)
	admin := &model.User{
		Username:       cfg.AdminUsername,
		PasswordDigest: &digestStr,
		Status:         model.UserEnabled,
	}
	result = db.DB.Where("username = ?", cfg.AdminUsername).FirstOrCreate(admin)
	if result.Error != nil {
		return fmt.Errorf("failed to create admin user: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		db.log.Info("created admin user", "username", cfg.AdminUsername)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
