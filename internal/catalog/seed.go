package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed boards.csv.zst
var boardSeed []byte

// boardSeedVersion tags the embedded seed; bump it when boards.csv.zst
// changes so existing catalogs pick up the new rows.
const boardSeedVersion = "v1.25.0-1"

// Seed loads the embedded known-board catalog into the database. It is a
// no-op when the current seed version has already been loaded.
func Seed(ctx context.Context, db *gorm.DB) error {
	var meta Meta
	err := db.WithContext(ctx).First(&meta, "key = ?", "board_seed").Error
	if err == nil && meta.Value == boardSeedVersion {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	boards, err := parseBoardSeed()
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(boards, 200).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&Meta{Key: "board_seed", Value: boardSeedVersion}).Error
	})
	if err != nil {
		return fmt.Errorf("seed board catalog: %w", err)
	}

	log.Debug().Int("boards", len(boards)).Str("seed", boardSeedVersion).Msg("board catalog seeded")
	return nil
}

func parseBoardSeed() ([]Board, error) {
	dec, err := zstd.NewReader(bytes.NewReader(boardSeed))
	if err != nil {
		return nil, fmt.Errorf("open board seed: %w", err)
	}
	defer dec.Close()

	r := csv.NewReader(dec)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read board seed header: %w", err)
	}
	if len(header) != 8 || header[0] != "board_id" {
		return nil, fmt.Errorf("unexpected board seed header %v", header)
	}

	var boards []Board
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read board seed: %w", err)
		}
		boards = append(boards, Board{
			BoardID:     rec[0],
			Variant:     rec[1],
			Version:     rec[2],
			BoardName:   rec[3],
			MCU:         rec[4],
			Port:        rec[5],
			Description: rec[6],
			Family:      rec[7],
		})
	}
	return boards, nil
}
