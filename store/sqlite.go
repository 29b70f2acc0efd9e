package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/wippyai/realm-runner/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS disqualified (
	hash     TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	reason   TEXT NOT NULL,
	seen     INTEGER NOT NULL,
	count    INTEGER NOT NULL DEFAULT 1
);`

// SQLite is a Store in a single database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path. The path ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "create store directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "open store")
	}
	// One connection keeps ":memory:" a single database and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "initialize schema")
	}
	Logger().Debug("store opened", zap.String("path", path))
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Put(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disqualified (hash, entry_id, reason, seen, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(hash) DO UPDATE SET count = count + 1, seen = excluded.seen`,
		r.Hash, r.EntryID, r.Reason, stamp(r.Seen).UnixNano())
	if err != nil {
		return errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "put record")
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, hash string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, entry_id, reason, seen, count FROM disqualified WHERE hash = ?`, hash)
	r, err := scan(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "get record")
	}
	return r, true, nil
}

func (s *SQLite) Known(ctx context.Context, hashes ...string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(hashes) == 0 {
		return known, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	q := `SELECT hash FROM disqualified WHERE hash IN (?` + strings.Repeat(",?", len(hashes)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "query known hashes")
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "scan hash")
		}
		known[h] = true
	}
	return known, rows.Err()
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, entry_id, reason, seen, count FROM disqualified ORDER BY hash`)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "list records")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseStore, errors.KindInvalidInput, err, "scan record")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner) (Record, error) {
	var r Record
	var seen int64
	if err := sc.Scan(&r.Hash, &r.EntryID, &r.Reason, &seen, &r.Count); err != nil {
		return Record{}, err
	}
	r.Seen = time.Unix(0, seen).UTC()
	return r, nil
}

func validate(r Record) error {
	if r.Hash == "" {
		return errors.InvalidInput(errors.PhaseStore, "record without hash")
	}
	return nil
}
