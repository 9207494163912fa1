package logwarden

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// Store abstracts durable agent state: accepted records and per-log
// position cursors.
type Store interface {
	// AppendRecords stores records covering [begin, begin+len(recs))
	// of log. Appends must be contiguous with what is already stored.
	AppendRecords(log Log, begin uint64, recs []Record) error

	// Records returns stored records of log in [begin, end) ordered by index.
	Records(log Log, begin, end uint64) ([]Record, error)

	// SavePosition persists the accepted position for log.
	SavePosition(log Log, position uint64) error

	// Positions returns all persisted positions keyed by log name.
	Positions() (map[string]uint64, error)

	Close() error
}

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  log  TEXT    NOT NULL,
  idx  INTEGER NOT NULL,
  ts   INTEGER NOT NULL,
  msg  TEXT    NOT NULL,
  PRIMARY KEY (log, idx)
);
CREATE TABLE IF NOT EXISTS positions (
  log  TEXT    PRIMARY KEY,
  pos  INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// AppendRecords stores a contiguous run of records inside one
// serializable transaction. A gap between the stored tail and begin is
// rejected; accepting it would let a hole hide in the durable history.
func (s *sqliteStore) AppendRecords(log Log, begin uint64, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var have sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(idx) FROM records WHERE log=?`, log.Name).Scan(&have); err != nil {
		return err
	}
	next := uint64(0)
	if have.Valid {
		next = uint64(have.Int64) + 1
	}
	if begin > next {
		return fmt.Errorf("non-contiguous append for %q: have through %d, got begin %d", log.Name, next, begin)
	}

	for i, r := range recs {
		idx := begin + uint64(i)
		if idx < next {
			continue // already stored by a previously accepted fetch
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO records(log, idx, ts, msg) VALUES(?, ?, ?, ?)`,
			log.Name, idx, r.Timestamp.UnixNano(), r.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Records returns stored records of log in [begin, end).
func (s *sqliteStore) Records(log Log, begin, end uint64) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT idx, ts, msg FROM records WHERE log=? AND idx>=? AND idx<? ORDER BY idx ASC`,
		log.Name, begin, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var idx uint64
		var ts int64
		var msg string
		if err := rows.Scan(&idx, &ts, &msg); err != nil {
			return nil, err
		}
		out = append(out, Record{Log: log, Timestamp: time.Unix(0, ts), Message: msg})
	}
	return out, rows.Err()
}

// SavePosition upserts the accepted position for log.
func (s *sqliteStore) SavePosition(log Log, position uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO positions(log, pos) VALUES(?, ?)
		 ON CONFLICT(log) DO UPDATE SET pos=excluded.pos`,
		log.Name, position)
	return err
}

// Positions returns all persisted positions keyed by log name.
func (s *sqliteStore) Positions() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT log, pos FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var name string
		var pos uint64
		if err := rows.Scan(&name, &pos); err != nil {
			return nil, err
		}
		out[name] = pos
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
