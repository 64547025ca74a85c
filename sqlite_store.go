package shipledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite journal and ensures schema + PRAGMAs.
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
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  idx      INTEGER PRIMARY KEY,
  article  TEXT    NOT NULL,
  quantity INTEGER NOT NULL,
  ts       INTEGER NOT NULL,   -- shipment time, unix seconds
  hash     TEXT    NOT NULL    -- stored chain link
);
CREATE TABLE IF NOT EXISTS tail (
  id    INTEGER PRIMARY KEY CHECK(id=1),
  idx   INTEGER NOT NULL,
  hash  TEXT    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append stores a record and updates the tail in one transaction.
func (s *sqliteStore) Append(idx uint64, r Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM records`).Scan(&maxIdx); err != nil {
		return err
	}
	if uint64(maxIdx) != idx-1 {
		return fmt.Errorf("%w: have %d, got %d", ErrNonContiguous, maxIdx, idx)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO records(idx, article, quantity, ts, hash) VALUES(?, ?, ?, ?, ?)`,
		idx, r.Article, r.Quantity, r.Timestamp, r.StoredHash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tail(id, idx, hash) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET idx=excluded.idx, hash=excluded.hash`,
		idx, r.StoredHash); err != nil {
		return err
	}
	return tx.Commit()
}

// Iter streams records starting from startIdx in ascending order.
func (s *sqliteStore) Iter(startIdx uint64) (<-chan Entry, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	query := `SELECT idx, article, quantity, ts, hash FROM records WHERE idx >= ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Entry, 64)
	finished := make(chan struct{})
	var iterErr error
	go func() {
		defer close(finished)
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.Index, &e.Article, &e.Quantity, &e.Timestamp, &e.StoredHash); err != nil {
				if ctx.Err() == nil {
					iterErr = fmt.Errorf("scan record: %w", err)
				}
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		// A cancelled stream was stopped by the caller, not broken.
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			iterErr = err
		}
	}()
	cleanup := func() error {
		cancel()
		<-finished
		return iterErr
	}
	return out, cleanup, nil
}

// Tail returns the last record.
func (s *sqliteStore) Tail() (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRow(
		`SELECT r.idx, r.article, r.quantity, r.ts, r.hash
		   FROM tail t JOIN records r ON r.idx = t.idx WHERE t.id=1`,
	).Scan(&e.Index, &e.Article, &e.Quantity, &e.Timestamp, &e.StoredHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Reset deletes every record and the tail.
func (s *sqliteStore) Reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tail`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
