package share

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hoshizora/clearshare/internal/vclock"

	_ "modernc.org/sqlite"
)

// Index is the SQLite-backed manifest store for one share (C4), built
// the same way keysaver-server/storage.go builds its file_keys table:
// database/sql over modernc.org/sqlite, one init-schema call, prepared
// statements cached on the struct.
type Index struct {
	db *sql.DB

	stmtGetByPath *sql.Stmt
	stmtInsert    *sql.Stmt
	stmtUpdate    *sql.Stmt
}

const schema = `
CREATE TABLE IF NOT EXISTS share (
	share_id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	peer_id TEXT NOT NULL,
	psk_rw TEXT,
	psk_ro TEXT,
	psk_untrusted TEXT,
	pkc_rw TEXT,
	pkc_ro TEXT
);

CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	mtime TEXT NOT NULL,
	size INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	scan_found INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	to_checksum INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	last_changed_rev INTEGER NOT NULL,
	last_changed_by TEXT NOT NULL,
	vclock_json TEXT NOT NULL DEFAULT '{}',
	updated INTEGER NOT NULL DEFAULT 0,
	pending INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_files_checksum ON files(checksum);
`

// OpenIndex opens (creating if absent) the SQLite-backed manifest store
// at dbPath.
func OpenIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("share: open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("share: init schema: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) prepare() (err error) {
	idx.stmtGetByPath, err = idx.db.Prepare(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending FROM files WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("share: prepare get_by_path: %w", err)
	}

	idx.stmtInsert, err = idx.db.Prepare(`INSERT INTO files
		(path, mtime, size, mode, scan_found, deleted, to_checksum, checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("share: prepare insert: %w", err)
	}

	idx.stmtUpdate, err = idx.db.Prepare(`UPDATE files SET
		mtime = ?, size = ?, mode = ?, scan_found = ?, deleted = ?, to_checksum = ?,
		checksum = ?, last_changed_rev = ?, last_changed_by = ?, vclock_json = ?, updated = ?, pending = ?
		WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("share: prepare update: %w", err)
	}

	return nil
}

// Close releases the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func scanRow(row interface{ Scan(...any) error }) (MFile, error) {
	var (
		m                                                MFile
		mtimeStr, vclockJSON                              string
		scanFound, deleted, toChecksum, updated, pending int
	)
	if err := row.Scan(&m.Path, &mtimeStr, &m.Size, &m.Mode, &scanFound, &deleted,
		&toChecksum, &m.Checksum, &m.LastChangedRev, &m.LastChangedBy, &vclockJSON, &updated, &pending); err != nil {
		return MFile{}, err
	}
	m.Mtime, _ = time.Parse(time.RFC3339, mtimeStr)
	m.ScanFound = scanFound != 0
	m.Deleted = deleted != 0
	m.ToChecksum = toChecksum != 0
	m.Updated = updated != 0
	m.Pending = pending != 0
	m.VClock = vclock.New()
	if vclockJSON != "" {
		_ = m.VClock.UnmarshalJSON([]byte(vclockJSON))
	}
	return m, nil
}

// GetByPath returns the row for path, or (MFile{}, false, nil) if absent.
func (idx *Index) GetByPath(path string) (MFile, bool, error) {
	m, err := scanRow(idx.stmtGetByPath.QueryRow(path))
	if err == sql.ErrNoRows {
		return MFile{}, false, nil
	}
	if err != nil {
		return MFile{}, false, fmt.Errorf("share: get_by_path: %w", err)
	}
	return m, true, nil
}

// GetByChecksum returns every non-deleted, non-to_checksum, non-pending
// row whose checksum matches, ordered by path. Pending rows (content not
// yet fetched, spec.md §4.4.3) are excluded: they aren't safe to serve
// to a Get(checksum) caller yet.
func (idx *Index) GetByChecksum(checksum string) ([]MFile, error) {
	rows, err := idx.db.Query(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending
		FROM files WHERE checksum = ? AND deleted = 0 AND to_checksum = 0 AND pending = 0 ORDER BY path`, checksum)
	if err != nil {
		return nil, fmt.Errorf("share: get_by_checksum: %w", err)
	}
	defer rows.Close()

	var out []MFile
	for rows.Next() {
		m, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("share: get_by_checksum scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetPendingByChecksum returns rows awaiting fetched content for
// checksum (internal/protocol's incoming-payload handling, once a
// FileData transfer completes).
func (idx *Index) GetPendingByChecksum(checksum string) ([]MFile, error) {
	rows, err := idx.db.Query(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending
		FROM files WHERE checksum = ? AND pending = 1 ORDER BY path`, checksum)
	if err != nil {
		return nil, fmt.Errorf("share: get_pending_by_checksum: %w", err)
	}
	defer rows.Close()

	var out []MFile
	for rows.Next() {
		m, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("share: get_pending_by_checksum scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearPending marks path's content as materialized on disk, once an
// incoming payload for it has been verified and moved into place.
func (idx *Index) ClearPending(path string) error {
	_, err := idx.db.Exec(`UPDATE files SET pending = 0 WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("share: clear_pending %s: %w", path, err)
	}
	return nil
}

// Insert adds a new row. Callers construct the MFile (scan.go,
// conflict.go); Insert does not mutate fields.
func (idx *Index) Insert(m MFile) error {
	vc, err := m.VClock.MarshalJSON()
	if err != nil {
		return fmt.Errorf("share: marshal vclock: %w", err)
	}
	_, err = idx.stmtInsert.Exec(m.Path, m.Mtime.UTC().Format(time.RFC3339), m.Size, m.Mode,
		boolInt(m.ScanFound), boolInt(m.Deleted), boolInt(m.ToChecksum), m.Checksum,
		m.LastChangedRev, m.LastChangedBy, string(vc), boolInt(m.Updated), boolInt(m.Pending))
	if err != nil {
		return fmt.Errorf("share: insert %s: %w", m.Path, err)
	}
	return nil
}

// Update overwrites the row for m.Path (the primary key) with m's other
// fields.
func (idx *Index) Update(m MFile) error {
	vc, err := m.VClock.MarshalJSON()
	if err != nil {
		return fmt.Errorf("share: marshal vclock: %w", err)
	}
	_, err = idx.stmtUpdate.Exec(m.Mtime.UTC().Format(time.RFC3339), m.Size, m.Mode,
		boolInt(m.ScanFound), boolInt(m.Deleted), boolInt(m.ToChecksum), m.Checksum,
		m.LastChangedRev, m.LastChangedBy, string(vc), boolInt(m.Updated), boolInt(m.Pending), m.Path)
	if err != nil {
		return fmt.Errorf("share: update %s: %w", m.Path, err)
	}
	return nil
}

// Upsert inserts m if absent, else updates it.
func (idx *Index) Upsert(m MFile) error {
	_, found, err := idx.GetByPath(m.Path)
	if err != nil {
		return err
	}
	if found {
		return idx.Update(m)
	}
	return idx.Insert(m)
}

// Iter calls fn for every row ordered by path, stopping early if fn
// returns an error.
func (idx *Index) Iter(fn func(MFile) error) error {
	rows, err := idx.db.Query(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending FROM files ORDER BY path`)
	if err != nil {
		return fmt.Errorf("share: iter: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanRow(rows)
		if err != nil {
			return fmt.Errorf("share: iter scan: %w", err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ForEachScanFoundFalse calls fn for every row with scan_found = false,
// used by the scan finalizer to tombstone vanished files (spec.md
// §4.4.1). Pending rows are excluded: their content was never expected
// to be on disk yet, so a scan pass not finding them isn't a deletion.
func (idx *Index) ForEachScanFoundFalse(fn func(MFile) error) error {
	rows, err := idx.db.Query(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending FROM files
		WHERE scan_found = 0 AND deleted = 0 AND pending = 0 ORDER BY path`)
	if err != nil {
		return fmt.Errorf("share: scan_found=false query: %w", err)
	}
	defer rows.Close()

	var rowsOut []MFile
	for rows.Next() {
		m, err := scanRow(rows)
		if err != nil {
			return err
		}
		rowsOut = append(rowsOut, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, m := range rowsOut {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// ResetScanFound clears scan_found on every row, readying the manifest
// for the next scan pass (spec.md §4.4.1).
func (idx *Index) ResetScanFound() error {
	_, err := idx.db.Exec(`UPDATE files SET scan_found = 0`)
	return err
}

// NextToChecksum returns the first row (by path) with to_checksum = true,
// or (MFile{}, false, nil) if none remain.
func (idx *Index) NextToChecksum() (MFile, bool, error) {
	row := idx.db.QueryRow(`SELECT path, mtime, size, mode, scan_found, deleted, to_checksum,
		checksum, last_changed_rev, last_changed_by, vclock_json, updated, pending FROM files
		WHERE to_checksum = 1 ORDER BY path LIMIT 1`)
	m, err := scanRow(row)
	if err == sql.ErrNoRows {
		return MFile{}, false, nil
	}
	if err != nil {
		return MFile{}, false, fmt.Errorf("share: next_to_checksum: %w", err)
	}
	return m, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
