// Package storage persists pipeline checkpoints in SQLite and per-section
// artifacts on the filesystem.
//
// The checkpoint store is the single source of truth for section status.
// Every status change is a compare-and-set on the current status, so two
// workers can never both advance the same section.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"histostack/internal/models"
	"histostack/pkg/geometry"
)

var (
	// ErrNotFound is returned for unknown volumes, sections and artifacts.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status change is not allowed
	// from the stored status, including when another worker got there first.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrTransientStorage marks failures worth retrying.
	ErrTransientStorage = errors.New("transient storage failure")
)

const schema = `
CREATE TABLE IF NOT EXISTS volumes (
	id                   TEXT PRIMARY KEY,
	reference_index      INTEGER NOT NULL DEFAULT 0,
	reference_designated INTEGER NOT NULL DEFAULT 0,
	width                INTEGER NOT NULL DEFAULT 0,
	height               INTEGER NOT NULL DEFAULT 0,
	depth                INTEGER NOT NULL DEFAULT 0,
	voxel_x              REAL NOT NULL DEFAULT 0,
	voxel_y              REAL NOT NULL DEFAULT 0,
	voxel_z              REAL NOT NULL DEFAULT 0,
	levels               INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sections (
	volume_id       TEXT NOT NULL REFERENCES volumes(id),
	order_index     INTEGER NOT NULL,
	raw_image_ref   TEXT NOT NULL,
	physical_scale  REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	width           INTEGER NOT NULL DEFAULT 0,
	height          INTEGER NOT NULL DEFAULT 0,
	mask_confidence REAL NOT NULL DEFAULT 0,
	transform       TEXT,
	unaligned       INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (volume_id, order_index)
);
CREATE TABLE IF NOT EXISTS pairs (
	volume_id  TEXT NOT NULL,
	from_index INTEGER NOT NULL,
	to_index   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	transform  TEXT NOT NULL,
	cost       REAL NOT NULL,
	overlap    REAL NOT NULL,
	confidence REAL NOT NULL,
	iterations INTEGER NOT NULL,
	converged  INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	PRIMARY KEY (volume_id, from_index, to_index)
);
CREATE TABLE IF NOT EXISTS chunks (
	volume_id  TEXT NOT NULL,
	level      INTEGER NOT NULL,
	bounds     TEXT NOT NULL,
	z0         INTEGER NOT NULL,
	z1         INTEGER NOT NULL,
	checksum   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (volume_id, level, bounds)
);
`

// Store is the SQLite checkpoint store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// PrepareDSN adds WAL journaling, a busy timeout and immediate transactions
// unless the DSN already sets them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}
	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(5000)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// Open opens (and creates) the checkpoint database at path.
func Open(path string) (*Store, error) {
	dsn, err := PrepareDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", handleError(err))
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureVolume registers a volume. An existing volume is left unchanged and
// returned as stored.
func (s *Store) EnsureVolume(ctx context.Context, v models.Volume) (models.Volume, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (id, reference_index, reference_designated, depth, voxel_x, voxel_y, voxel_z, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		v.ID, v.ReferenceIndex, v.ReferenceDesignated, v.Depth,
		v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z, s.now().UnixNano())
	if err != nil {
		return models.Volume{}, handleError(err)
	}
	return s.GetVolume(ctx, v.ID)
}

// GetVolume returns a stored volume.
func (s *Store) GetVolume(ctx context.Context, id string) (models.Volume, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, reference_index, reference_designated, width, height, depth,
		       voxel_x, voxel_y, voxel_z, levels, created_at
		FROM volumes WHERE id = ?`, id)
	v, err := scanVolume(row)
	if err != nil {
		return models.Volume{}, fmt.Errorf("volume %s: %w", id, handleError(err))
	}
	return v, nil
}

// ListVolumes returns every volume ordered by id.
func (s *Store) ListVolumes(ctx context.Context) ([]models.Volume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference_index, reference_designated, width, height, depth,
		       voxel_x, voxel_y, voxel_z, levels, created_at
		FROM volumes ORDER BY id`)
	if err != nil {
		return nil, handleError(err)
	}
	defer rows.Close()

	var out []models.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, handleError(err)
		}
		out = append(out, v)
	}
	return out, handleError(rows.Err())
}

// UpdateVolume stores the reference, canvas, depth, voxel size and level
// count fixed by the pipeline. The designation flag is only changed by
// SetReference.
func (s *Store) UpdateVolume(ctx context.Context, v models.Volume) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE volumes SET reference_index = ?, width = ?, height = ?, depth = ?,
		       voxel_x = ?, voxel_y = ?, voxel_z = ?, levels = ?
		WHERE id = ?`,
		v.ReferenceIndex, v.Width, v.Height, v.Depth, v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z, v.Levels, v.ID)
	if err != nil {
		return handleError(err)
	}
	return expectOne(res, fmt.Errorf("volume %s: %w", v.ID, ErrNotFound))
}

// SetReference designates a new reference section. Every transform is
// relative to the reference, so all sections at or past globally_aligned
// return to pairwise_aligned and chunk records are dropped.
func (s *Store) SetReference(ctx context.Context, volumeID string, index int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM sections WHERE volume_id = ? AND order_index = ?`, volumeID, index).Scan(&status)
		if err != nil {
			return fmt.Errorf("section %s/%d: %w", volumeID, index, handleError(err))
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE volumes SET reference_index = ?, reference_designated = 1 WHERE id = ?`, index, volumeID)
		if err != nil {
			return err
		}
		if err := expectOne(res, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)); err != nil {
			return err
		}
		return rewind(ctx, tx, volumeID, models.StatusPairwiseAligned, s.now())
	})
}

// Rewind moves every non-failed section of the volume that is past status
// back to status, clearing outputs of the undone stages.
func (s *Store) Rewind(ctx context.Context, volumeID string, status models.Status) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return rewind(ctx, tx, volumeID, status, s.now())
	})
}

func rewind(ctx context.Context, tx *sql.Tx, volumeID string, status models.Status, now time.Time) error {
	var later []any
	for st := status; ; {
		next, ok := st.Next()
		if !ok {
			break
		}
		later = append(later, string(next))
		st = next
	}
	if len(later) == 0 {
		return nil
	}
	in := "?" + strings.Repeat(", ?", len(later)-1)

	set := `status = ?, updated_at = ?`
	if status.Rank() < models.StatusGloballyAligned.Rank() {
		set += `, transform = NULL, unaligned = 0`
	}
	args := append([]any{string(status), now.UnixNano(), volumeID}, later...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sections SET `+set+` WHERE volume_id = ? AND status IN (`+in+`)`, args...); err != nil {
		return err
	}

	if status.Rank() < models.StatusPyramided.Rank() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE volume_id = ?`, volumeID); err != nil {
			return err
		}
	}
	if status.Rank() < models.StatusPairwiseAligned.Rank() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pairs WHERE volume_id = ?`, volumeID); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSection inserts a pending section. It reports false when the
// section already exists, in which case nothing changes.
func (s *Store) RegisterSection(ctx context.Context, sec models.Section) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (volume_id, order_index, raw_image_ref, physical_scale, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(volume_id, order_index) DO NOTHING`,
		sec.VolumeID, sec.OrderIndex, sec.RawImageRef, sec.PhysicalScale,
		string(models.StatusPending), s.now().UnixNano())
	if err != nil {
		return false, handleError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, handleError(err)
	}
	return n == 1, nil
}

const sectionColumns = `volume_id, order_index, raw_image_ref, physical_scale, status, reason,
	width, height, mask_confidence, transform, unaligned, updated_at`

// GetSection returns one section.
func (s *Store) GetSection(ctx context.Context, volumeID string, index int) (models.Section, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sectionColumns+` FROM sections WHERE volume_id = ? AND order_index = ?`, volumeID, index)
	sec, err := scanSection(row)
	if err != nil {
		return models.Section{}, fmt.Errorf("section %s/%d: %w", volumeID, index, handleError(err))
	}
	return sec, nil
}

// ListSections returns the sections of a volume in cutting order.
func (s *Store) ListSections(ctx context.Context, volumeID string) ([]models.Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM sections WHERE volume_id = ? ORDER BY order_index`, volumeID)
	if err != nil {
		return nil, handleError(err)
	}
	defer rows.Close()

	var out []models.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, handleError(err)
		}
		out = append(out, sec)
	}
	return out, handleError(rows.Err())
}

// Transition stores next if the section is still at status from and the
// move from -> next.Status is legal. Stage outputs (dimensions, mask
// confidence, transform, unaligned flag, reason) are written from next.
func (s *Store) Transition(ctx context.Context, from models.Status, next models.Section) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return transition(ctx, tx, from, next, s.now())
	})
}

// TransitionWithPairs advances a section to pairwise_aligned and replaces
// the pairs it originates in one transaction.
func (s *Store) TransitionWithPairs(ctx context.Context, next models.Section, pairs []models.PairResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pairs WHERE volume_id = ? AND from_index = ?`, next.VolumeID, next.OrderIndex); err != nil {
			return err
		}
		for _, p := range pairs {
			if p.From != next.OrderIndex || p.VolumeID != next.VolumeID {
				return fmt.Errorf("pair %d->%d does not belong to section %s", p.From, p.To, next)
			}
			if err := insertPair(ctx, tx, p); err != nil {
				return err
			}
		}
		return transition(ctx, tx, models.StatusMasked, next, s.now())
	})
}

func transition(ctx context.Context, tx *sql.Tx, from models.Status, next models.Section, now time.Time) error {
	if !from.CanAdvanceTo(next.Status) {
		return fmt.Errorf("%s: %s -> %s: %w", next, from, next.Status, ErrIllegalTransition)
	}
	if next.Status != models.StatusFailed {
		next.Reason = models.ReasonNone
	}

	var transform any
	if next.Transform != nil {
		data, err := json.Marshal(next.Transform)
		if err != nil {
			return err
		}
		transform = string(data)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sections SET status = ?, reason = ?, width = ?, height = ?, mask_confidence = ?,
		       transform = ?, unaligned = ?, updated_at = ?
		WHERE volume_id = ? AND order_index = ? AND status = ?`,
		string(next.Status), string(next.Reason), next.Width, next.Height, next.MaskConfidence,
		transform, next.Unaligned, now.UnixNano(),
		next.VolumeID, next.OrderIndex, string(from))
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Errorf("%s: no longer %s: %w", next, from, ErrIllegalTransition))
}

// Reset returns a section to pending for reprocessing, clearing its outputs.
// Sections whose pairs reach over or onto it go back to masked so they are
// registered against it again.
func (s *Store) Reset(ctx context.Context, volumeID string, index int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		res, err := tx.ExecContext(ctx, `
			UPDATE sections SET status = ?, reason = '', mask_confidence = 0, transform = NULL,
			       unaligned = 0, updated_at = ?
			WHERE volume_id = ? AND order_index = ?`,
			string(models.StatusPending), now, volumeID, index)
		if err != nil {
			return err
		}
		if err := expectOne(res, fmt.Errorf("section %s/%d: %w", volumeID, index, ErrNotFound)); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT from_index FROM pairs
			WHERE volume_id = ? AND to_index <= ? AND from_index > ?`, volumeID, index, index)
		if err != nil {
			return err
		}
		var dependents []int
		for rows.Next() {
			var f int
			if err := rows.Scan(&f); err != nil {
				rows.Close()
				return err
			}
			dependents = append(dependents, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, f := range append(dependents, index) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM pairs WHERE volume_id = ? AND from_index = ?`, volumeID, f); err != nil {
				return err
			}
		}
		for _, f := range dependents {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sections SET status = ?, transform = NULL, unaligned = 0, updated_at = ?
				WHERE volume_id = ? AND order_index = ? AND status NOT IN (?, ?, ?)`,
				string(models.StatusMasked), now, volumeID, f,
				string(models.StatusFailed), string(models.StatusPending), string(models.StatusMasked)); err != nil {
				return err
			}
		}
		// Chunks are indexed by plane, the rank of the section in the volume.
		var z int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sections WHERE volume_id = ? AND order_index < ?`,
			volumeID, index).Scan(&z); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE volume_id = ? AND z0 <= ? AND z1 > ?`, volumeID, z, z)
		return err
	})
}

func insertPair(ctx context.Context, tx *sql.Tx, p models.PairResult) error {
	data, err := json.Marshal(p.Transform)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pairs (volume_id, from_index, to_index, kind, transform, cost, overlap,
		                   confidence, iterations, converged, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VolumeID, p.From, p.To, string(p.Kind), string(data), p.Cost, p.Overlap,
		p.Confidence, p.Iterations, p.Converged, p.Failed)
	return err
}

// ListPairs returns every stored pair of a volume ordered by (from, to).
func (s *Store) ListPairs(ctx context.Context, volumeID string) ([]models.PairResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT volume_id, from_index, to_index, kind, transform, cost, overlap,
		       confidence, iterations, converged, failed
		FROM pairs WHERE volume_id = ? ORDER BY from_index, to_index`, volumeID)
	if err != nil {
		return nil, handleError(err)
	}
	defer rows.Close()

	var out []models.PairResult
	for rows.Next() {
		var p models.PairResult
		var kind, transform string
		if err := rows.Scan(&p.VolumeID, &p.From, &p.To, &kind, &transform, &p.Cost, &p.Overlap,
			&p.Confidence, &p.Iterations, &p.Converged, &p.Failed); err != nil {
			return nil, handleError(err)
		}
		p.Kind = models.PairKind(kind)
		if err := json.Unmarshal([]byte(transform), &p.Transform); err != nil {
			return nil, fmt.Errorf("pair %d->%d: %w", p.From, p.To, err)
		}
		out = append(out, p)
	}
	return out, handleError(rows.Err())
}

// RecordChunks stores chunk checksums, replacing earlier records.
func (s *Store) RecordChunks(ctx context.Context, chunks []models.Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixNano()
		for _, c := range chunks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (volume_id, level, bounds, z0, z1, checksum, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(volume_id, level, bounds) DO UPDATE SET checksum = excluded.checksum,
				                                                    updated_at = excluded.updated_at`,
				c.VolumeID, c.Level, c.Bounds.Key(), c.Bounds.Min[2], c.Bounds.Max[2],
				int64(c.Checksum), now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChunks returns the recorded chunks (without payload) of a volume.
func (s *Store) ListChunks(ctx context.Context, volumeID string) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, bounds, checksum FROM chunks WHERE volume_id = ? ORDER BY level, z0, bounds`, volumeID)
	if err != nil {
		return nil, handleError(err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var key string
		var sum int64
		if err := rows.Scan(&c.Level, &key, &sum); err != nil {
			return nil, handleError(err)
		}
		b, err := models.ParseBounds(key)
		if err != nil {
			return nil, err
		}
		c.VolumeID = volumeID
		c.Bounds = b
		c.Checksum = uint64(sum)
		out = append(out, c)
	}
	return out, handleError(rows.Err())
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return handleError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return handleError(err)
	}
	return handleError(tx.Commit())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVolume(row scanner) (models.Volume, error) {
	var v models.Volume
	var created int64
	err := row.Scan(&v.ID, &v.ReferenceIndex, &v.ReferenceDesignated, &v.Width, &v.Height, &v.Depth,
		&v.VoxelSize.X, &v.VoxelSize.Y, &v.VoxelSize.Z, &v.Levels, &created)
	if err != nil {
		return models.Volume{}, err
	}
	v.CreatedAt = time.Unix(0, created).UTC()
	return v, nil
}

func scanSection(row scanner) (models.Section, error) {
	var sec models.Section
	var status, reason string
	var transform sql.NullString
	var updated int64
	err := row.Scan(&sec.VolumeID, &sec.OrderIndex, &sec.RawImageRef, &sec.PhysicalScale,
		&status, &reason, &sec.Width, &sec.Height, &sec.MaskConfidence, &transform,
		&sec.Unaligned, &updated)
	if err != nil {
		return models.Section{}, err
	}
	sec.Status = models.Status(status)
	sec.Reason = models.Reason(reason)
	sec.UpdatedAt = time.Unix(0, updated).UTC()
	if transform.Valid {
		var a geometry.Affine
		if err := json.Unmarshal([]byte(transform.String), &a); err != nil {
			return models.Section{}, fmt.Errorf("section %s: %w", sec, err)
		}
		sec.Transform = &a
	}
	return sec, nil
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// handleError maps driver errors onto the package sentinels.
func handleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case IsBusy(err):
		return fmt.Errorf("%w: %w", ErrTransientStorage, err)
	}
	return err
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
