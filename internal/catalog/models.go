// Package catalog maintains the local firmware catalog: which firmware
// builds exist for which boards, and which of them are already cached on
// disk. It resolves version requests against the catalog and materializes
// remote artifacts into verified local files.
package catalog

import (
	"time"

	"github.com/buckleypaul/molt/internal/mpversion"
)

// Board is one row of the known-board catalog shipped with the tool. It
// maps a firmware-reported description to a board id, so boards that do
// not report their id directly can still be matched to firmware.
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

// Firmware is one catalog row: a firmware artifact known from a remote
// source and, once materialized, cached on disk. Filename is the catalog
// key. A row with a non-empty Path has been checksum-verified at download
// time and is never mutated afterwards.
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

// Meta holds catalog bookkeeping, such as the loaded board seed version.
type Meta struct {
	Key   string `gorm:"primaryKey;type:text"`
	Value string `gorm:"type:text;not null;default:''"`
}

// TableName keeps the bookkeeping table out of gorm's pluralized naming.
func (Meta) TableName() string { return "metadata" }

// SemVer parses the row's version string. Rows are written from parsed
// versions, so a malformed stored value yields the zero version.
func (f Firmware) SemVer() mpversion.Version {
	v, err := mpversion.Parse(f.Version)
	if err != nil {
		return mpversion.Version{}
	}
	return v
}

// Materialized reports whether the artifact has a verified local file.
func (f Firmware) Materialized() bool { return f.Path != "" }
