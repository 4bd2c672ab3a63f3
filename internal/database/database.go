// Package database owns the single sqlite handle shared by the server store,
// the stats store, and the secret store. It also provides a generic key/value
// Setting table used for small scalars (API token, API auth toggle, the
// owned-tunnels set, the fernet encryption key).
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/tunneld/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the sqlite database under config.Cfg.DataPath, enables WAL mode
// for safe concurrent insert+query (required by the Stats Store, §4.4), and
// migrates the Setting table. Component stores (serverstore, statsstore,
// secretstore) call their own AutoMigrate against the shared DB handle.
func Init() error {
	dbPath := filepath.Join(config.Cfg.DataPath, "tunneld.db")
	if err := os.MkdirAll(config.Cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	log.Printf("Database opened at %s", dbPath)
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSetting reads a scalar value from the Setting table.
func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

// SetSetting upserts a scalar value into the Setting table.
func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// DeleteSetting removes a scalar value from the Setting table.
func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}
