package store

import (
	"fmt"

	"inventory_engine/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB 按驱动打开数据库并自动建表。
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if driver == "sqlite" {
		// sqlite 同一时刻只允许一个写连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// Migrate 建表。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.InventoryItem{},
		&model.Reservation{},
		&model.InventoryHistory{},
		&model.UndeliveredEvent{},
		&model.Subscription{},
		&model.Recipient{},
		&model.NotificationPreference{},
		&model.Notification{},
		&model.InAppMessage{},
		&model.ConsumerCursor{},
	)
}
