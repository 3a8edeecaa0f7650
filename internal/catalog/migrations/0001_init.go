// Package migrations holds the catalog schema as registered goose
// migrations. Importing it for side effects makes them available to
// goose.UpContext.
package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// The structs below are a snapshot of the schema at this migration, kept
// separate from the live models so later model changes require their own
// migration.

type Board struct {
	BoardID     string `gorm:"primaryKey;type:text"`
	Variant     string `gorm:"primaryKey;type:text;default:''"`
	Version     string `gorm:"primaryKey;type:text"`
	BoardName   string `gorm:"type:text;not null;default:''"`
	MCU         string `gorm:"type:text;not null;default:''"`
	Port        string `gorm:"type:text;not null"`
	Description string `gorm:"type:text;not null;default:'';index"`
	Family      string `gorm:"type:text;not null;default:'micropython'"`
}

type Firmware struct {
	Filename    string    `gorm:"primaryKey;type:text"`
	BoardID     string    `gorm:"type:text;not null;index:idx_firmwares_group"`
	Variant     string    `gorm:"type:text;not null;default:'';index:idx_firmwares_group"`
	Port        string    `gorm:"type:text;not null;index:idx_firmwares_group"`
	Version     string    `gorm:"type:text;not null"`
	Build       int       `gorm:"not null;default:0"`
	Preview     bool      `gorm:"not null;default:false"`
	Source      string    `gorm:"type:text;not null;default:''"`
	Path        string    `gorm:"type:text;not null;default:''"`
	SHA256      string    `gorm:"type:text;not null;default:''"`
	Size        int64     `gorm:"not null;default:0"`
	Custom      bool      `gorm:"not null;default:false"`
	Description string    `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

type Meta struct {
	Key   string `gorm:"primaryKey;type:text"`
	Value string `gorm:"type:text;not null;default:''"`
}

func (Meta) TableName() string { return "metadata" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(sqlite.Dialector{Conn: tx}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Board{},
		&Firmware{},
		&Meta{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(sqlite.Dialector{Conn: tx}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Meta{},
		&Firmware{},
		&Board{},
	)
}
