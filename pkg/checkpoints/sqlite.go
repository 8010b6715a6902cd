package checkpoints

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore keeps the records of each (run, rank) in the reductions table, and the runs in
// the runs table in the order they were first saved.
type sqliteStore struct {
	db   *sql.DB
	path string
	rank int
	keep int
}

func openSQLiteStore(path string, rank, keep int) (*sqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint database %q", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect to checkpoint database %q", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to apply schema to %q", path)
	}
	return &sqliteStore{db: db, path: path, rank: rank, keep: keep}, nil
}

func (s *sqliteStore) String() string {
	return fmt.Sprintf("sqlite %q", s.path)
}

func (s *sqliteStore) close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) load() ([]Record, error) {
	var run string
	err := s.db.QueryRow(`SELECT run FROM runs WHERE rank = ? ORDER BY id DESC LIMIT 1`, s.rank).Scan(&run)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest run")
	}
	rows, err := s.db.Query(
		`SELECT name, seq, data FROM reductions WHERE run = ? AND rank = ? ORDER BY name, seq`, run, s.rank)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query reductions of run %s", run)
	}
	defer func() { _ = rows.Close() }()
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.Seq, &r.Data); err != nil {
			return nil, errors.Wrapf(err, "failed to scan reduction of run %s", run)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read reductions of run %s", run)
	}
	return records, nil
}

// save replaces the rows of (run, rank) with records and drops the runs beyond keep.
func (s *sqliteStore) save(run string, records []Record) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`INSERT INTO runs (run, rank, saved) VALUES (?, ?, ?)
		ON CONFLICT (run, rank) DO UPDATE SET saved = excluded.saved`,
		run, s.rank, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "failed to register run %s", run)
	}
	if _, err = tx.Exec(`DELETE FROM reductions WHERE run = ? AND rank = ?`, run, s.rank); err != nil {
		return errors.Wrapf(err, "failed to clear reductions of run %s", run)
	}
	stmt, err := tx.Prepare(`INSERT INTO reductions (run, rank, name, seq, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare insert")
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range records {
		if _, err = stmt.Exec(run, s.rank, r.Name, r.Seq, r.Data); err != nil {
			return errors.Wrapf(err, "failed to insert reduction %q #%d", r.Name, r.Seq)
		}
	}

	if s.keep >= 0 {
		_, err = tx.Exec(`DELETE FROM reductions WHERE rank = ? AND run IN (
			SELECT run FROM runs WHERE rank = ? ORDER BY id DESC LIMIT -1 OFFSET ?)`, s.rank, s.rank, s.keep)
		if err != nil {
			return errors.Wrap(err, "failed to remove excess runs")
		}
		_, err = tx.Exec(`DELETE FROM runs WHERE rank = ? AND id NOT IN (
			SELECT id FROM runs WHERE rank = ? ORDER BY id DESC LIMIT ?)`, s.rank, s.rank, s.keep)
		if err != nil {
			return errors.Wrap(err, "failed to remove excess runs")
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit checkpoint")
	}
	return nil
}
