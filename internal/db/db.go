package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"enroltoken/internal/config"
	"enroltoken/internal/model"
)

func Open(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DBDsn == "" {
		return nil, fmt.Errorf("DB_DSN required")
	}

	// record not found is an expected outcome for token lookups
	newLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	gcfg := &gorm.Config{Logger: newLogger}

	switch cfg.DBDriver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DBDsn), gcfg)
		if err != nil {
			return nil, err
		}
		if sqlDB, err2 := db.DB(); err2 == nil {
			sqlDB.SetMaxOpenConns(25)
			sqlDB.SetMaxIdleConns(5)
			sqlDB.SetConnMaxLifetime(30 * time.Minute)
		}
		return db, nil
	case "sqlite":
		dbDir := filepath.Dir(cfg.DBDsn)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
		db, err := gorm.Open(sqlite.Open(cfg.DBDsn), gcfg)
		if err != nil {
			return nil, err
		}
		TuneSQLite(db)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// TuneSQLite applies WAL and a single shared connection. Writers then queue
// on the pool instead of failing with SQLITE_BUSY.
func TuneSQLite(db *gorm.DB) {
	_ = db.Exec("PRAGMA journal_mode=WAL;").Error
	_ = db.Exec("PRAGMA busy_timeout=10000;").Error
	_ = db.Exec("PRAGMA synchronous=NORMAL;").Error
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.User{},
		&model.Course{},
		&model.Role{},
		&model.Cohort{},
		&model.CohortMember{},
		&model.EnrolInstance{},
		&model.Enrolment{},
		&model.Token{},
		&model.TokenLog{},
		&model.ThrottleEvent{},
		&model.UserPermission{},
		&model.OperationLog{},
		&model.Notification{},
	); err != nil {
		return err
	}
	return SeedRoles(db)
}

// DefaultRoles are created on first start so instances have a role to point at.
var DefaultRoles = []model.Role{
	{ShortName: "student", Name: "Student"},
	{ShortName: "teacher", Name: "Non-editing teacher"},
	{ShortName: "editingteacher", Name: "Teacher"},
}

// SeedRoles inserts any missing default role in a single transaction.
func SeedRoles(db *gorm.DB) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	for _, role := range DefaultRoles {
		var count int64
		if err := tx.Model(&model.Role{}).Where("short_name = ?", role.ShortName).Count(&count).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to check role %s: %w", role.ShortName, err)
		}
		if count > 0 {
			continue
		}
		r := role
		if err := tx.Create(&r).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create role %s: %w", role.ShortName, err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit role seed: %w", err)
	}
	return nil
}

// OpenMemory opens a migrated in-memory SQLite database. The pool is pinned
// to one connection so every caller sees the same database.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	TuneSQLite(db)
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
