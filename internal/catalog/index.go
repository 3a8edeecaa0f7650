package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/buckleypaul/molt/internal/backoff"
	"github.com/buckleypaul/molt/internal/mpversion"
)

// Index is the firmware catalog: it resolves version requests to concrete
// artifacts and materializes remote artifacts into verified local files
// under its cache directory.
type Index struct {
	// OnProgress, when set, receives byte counts while an artifact
	// downloads.
	OnProgress func(filename string, done, total int64)

	db    *gorm.DB
	dir   string
	src   Source
	pol   backoff.Policy
	group singleflight.Group
}

// NewIndex returns an index over db caching files under dir and fetching
// missing artifacts from src with the given retry policy.
func NewIndex(db *gorm.DB, dir string, src Source, pol backoff.Policy) *Index {
	return &Index{db: db, dir: dir, src: src, pol: pol}
}

// Lookup returns the artifacts matching board, variant and port, newest
// first under the version order. The board id is also tried in its
// "Generic " synonym form. Variant is part of the key: artifacts of other
// variants never appear.
func (ix *Index) Lookup(ctx context.Context, boardID, variant, port string, spec mpversion.Spec) ([]Firmware, error) {
	ids := []string{boardID, "Generic " + boardID}

	q := ix.db.WithContext(ctx).
		Where("board_id IN ?", ids).
		Where("variant = ?", variant)
	if port != "" {
		q = q.Where("port = ?", port)
	}

	var rows []Firmware
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	var matched []Firmware
	for _, fw := range rows {
		if spec.Matches(fw.SemVer()) {
			matched = append(matched, fw)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return mpversion.CompareBuilds(
			matched[i].SemVer(), matched[i].Build,
			matched[j].SemVer(), matched[j].Build) > 0
	})
	return matched, nil
}

// Resolve picks the single newest artifact satisfying the request, or
// returns VersionNotFoundError when nothing matches.
func (ix *Index) Resolve(ctx context.Context, boardID, variant, port string, spec mpversion.Spec) (Firmware, error) {
	candidates, err := ix.Lookup(ctx, boardID, variant, port, spec)
	if err != nil {
		return Firmware{}, err
	}
	if len(candidates) == 0 {
		return Firmware{}, &VersionNotFoundError{BoardID: boardID, Variant: variant, Port: port, Spec: spec.String()}
	}
	return candidates[0], nil
}

// Record registers an artifact row, keyed by filename. Re-recording the
// same filename rewrites the row, so the call is idempotent.
func (ix *Index) Record(ctx context.Context, fw Firmware) error {
	return ix.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "filename"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"board_id", "variant", "port", "version", "build", "preview",
				"source", "path", "sha256", "size", "custom", "description", "updated_at",
			}),
		}).
		Create(&fw).Error
}

// Sync pulls the remote firmware listing into the catalog. Rows already
// present keep their local state; only new filenames are added. Returns
// the number of rows added.
func (ix *Index) Sync(ctx context.Context, q SourceQuery) (int, error) {
	entries, err := ix.src.ListAvailable(ctx, q)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, e := range entries {
		v, err := mpversion.Parse(e.Version)
		if err != nil {
			log.Warn().Str("file", e.Filename).Str("version", e.Version).Msg("skipping firmware with unparseable version")
			continue
		}
		res := ix.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Firmware{
				Filename: e.Filename,
				BoardID:  e.BoardID,
				Variant:  e.Variant,
				Port:     e.Port,
				Version:  v.String(),
				Build:    e.Build,
				Preview:  v.Preview,
				Source:   e.URL,
				Size:     e.Size,
			})
		if res.Error != nil {
			return added, res.Error
		}
		added += int(res.RowsAffected)
	}
	log.Debug().Int("added", added).Int("listed", len(entries)).Msg("firmware index synced")
	return added, nil
}

// Materialize ensures the artifact's bytes are on disk and verified,
// downloading them if needed. Calling it again for an artifact with a
// valid local file is a no-op. Concurrent calls for the same filename
// share one download; the first caller's context governs it.
func (ix *Index) Materialize(ctx context.Context, fw Firmware) (Firmware, error) {
	v, err, _ := ix.group.Do(fw.Filename, func() (any, error) {
		return ix.materialize(ctx, fw)
	})
	if err != nil {
		return Firmware{}, err
	}
	return v.(Firmware), nil
}

func (ix *Index) materialize(ctx context.Context, fw Firmware) (Firmware, error) {
	if fw.Materialized() {
		if _, err := os.Stat(fw.Path); err == nil {
			return fw, nil
		}
		log.Warn().Str("path", fw.Path).Msg("cached firmware file missing, downloading again")
	}
	if fw.Source == "" {
		return Firmware{}, fmt.Errorf("artifact %s has no source url", fw.Filename)
	}

	dest := filepath.Join(ix.dir, fw.Port, fw.Filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Firmware{}, err
	}

	var sum string
	var size int64
	err := ix.pol.Retry(ctx, func(ctx context.Context) error {
		s, n, err := ix.download(ctx, fw, dest)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		sum, size = s, n
		return nil
	})
	if err != nil {
		return Firmware{}, err
	}

	fw.Path = dest
	fw.SHA256 = sum
	fw.Size = size
	if err := ix.Record(ctx, fw); err != nil {
		return Firmware{}, err
	}
	log.Info().Str("file", fw.Filename).Str("version", fw.Version).Msg("firmware downloaded")
	return fw, nil
}

func (ix *Index) download(ctx context.Context, fw Firmware, dest string) (sum string, size int64, err error) {
	body, want, err := ix.src.Fetch(ctx, fw.Source)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), fw.Filename+".*.part")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	var src io.Reader = body
	if ix.OnProgress != nil {
		src = &progressReader{r: body, total: want, fn: func(done, total int64) {
			ix.OnProgress(fw.Filename, done, total)
		}}
	}

	h := sha256.New()
	var n int64
	n, err = io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		err = &DownloadIntegrityError{Filename: fw.Filename, URL: fw.Source, Reason: "truncated transfer", Err: err}
		return "", 0, err
	}
	if want > 0 && n != want {
		err = &DownloadIntegrityError{Filename: fw.Filename, URL: fw.Source,
			Reason: fmt.Sprintf("got %d bytes, expected %d", n, want)}
		return "", 0, err
	}
	if fw.SHA256 != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != fw.SHA256 {
			err = &DownloadIntegrityError{Filename: fw.Filename, URL: fw.Source,
				Reason: fmt.Sprintf("checksum mismatch: got %s, expected %s", got, fw.SHA256)}
			return "", 0, err
		}
	}

	if err = os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// BoardByDescription resolves a firmware-reported description to a known
// board. The full description, its short form (up to " with "), and both
// forms with a leading "Generic " stripped are tried; rows matching the
// reported version are preferred over other versions.
func (ix *Index) BoardByDescription(ctx context.Context, descr, version string) (Board, error) {
	forms := descriptionForms(descr)

	var rows []Board
	err := ix.db.WithContext(ctx).
		Where("description IN ? OR board_name IN ?", forms, forms).
		Order("board_id, variant, version").
		Find(&rows).Error
	if err != nil {
		return Board{}, err
	}
	if len(rows) == 0 {
		return Board{}, fmt.Errorf("unknown board description %q", descr)
	}

	want := mpversion.Clean(version)
	for _, b := range rows {
		if b.Version == want {
			return b, nil
		}
	}
	return rows[0], nil
}

// Versions lists the distinct firmware versions the catalog knows about,
// newest first.
func (ix *Index) Versions(ctx context.Context) ([]string, error) {
	var rows []string
	err := ix.db.WithContext(ctx).Model(&Board{}).
		Distinct("version").Pluck("version", &rows).Error
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		a, aerr := mpversion.Parse(rows[i])
		b, berr := mpversion.Parse(rows[j])
		if aerr != nil || berr != nil {
			return rows[i] > rows[j]
		}
		return a.Compare(b) > 0
	})
	return rows, nil
}

// KnownBoards lists the board definitions the catalog knows, one row per
// board and variant, optionally narrowed to a port family.
func (ix *Index) KnownBoards(ctx context.Context, port string) ([]Board, error) {
	q := ix.db.WithContext(ctx).Model(&Board{}).
		Distinct("board_id", "variant", "port", "description").
		Order("board_id, variant")
	if port != "" {
		q = q.Where("port = ?", port)
	}
	var rows []Board
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func descriptionForms(descr string) []string {
	forms := []string{descr}
	if short, ok := shortDescription(descr); ok {
		forms = append(forms, short)
	}
	if g := strings.TrimPrefix(descr, "Generic "); g != descr {
		forms = append(forms, g)
		if short, ok := shortDescription(g); ok {
			forms = append(forms, short)
		}
	}
	return forms
}

func shortDescription(descr string) (string, bool) {
	if i := strings.Index(descr, " with "); i > 0 {
		return descr[:i], true
	}
	return descr, false
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
