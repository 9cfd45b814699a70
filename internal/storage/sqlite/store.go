// Package sqlite provides a SQLite-backed claim journal. Each accepted
// mutation is applied to a claims table, so the table always mirrors the
// registry and can be loaded back at start-up.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"claimkv/internal/model"
	"claimkv/internal/storage/sqlite/migrations"
)

// ErrDiverged means the table disagrees with the mutation being applied,
// e.g. an update for a row that does not exist.
var ErrDiverged = errors.New("sqlite: claims table diverged from registry")

// ErrSequenceRange is returned for sequences SQLite cannot store as a signed
// 64-bit integer. The store holds sequences in [0, math.MaxInt64].
var ErrSequenceRange = errors.New("sqlite: sequence exceeds int64 range")

// Store persists claims in SQLite.
type Store struct {
	sqlDB   *sql.DB
	now     func() time.Time
	timeout time.Duration
}

const defaultStatementTimeout = 5 * time.Second

// Open opens a SQLite claim store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Writes are serialized by the registry; one connection keeps SQLite
	// from seeing concurrent writers.
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), defaultStatementTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now, timeout: defaultStatementTimeout}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append applies one registry mutation to the claims table.
func (s *Store) Append(mut model.Mutation) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if mut.Op != model.REMOVE && mut.Sequence > math.MaxInt64 {
		return fmt.Errorf("%s %q at %d: %w", mut.Op, mut.Key, mut.Sequence, ErrSequenceRange)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := mut.Key
	if key == nil {
		key = []byte{}
	}
	updatedAt := s.now().UTC().UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch mut.Op {
	case model.CREATE:
		res, err = s.sqlDB.ExecContext(ctx,
			`INSERT INTO claims (claim_key, owner, sequence, updated_at) VALUES (?, ?, ?, ?)`,
			key, mut.Owner, int64(mut.Sequence), updatedAt)
	case model.UPDATE:
		res, err = s.sqlDB.ExecContext(ctx,
			`UPDATE claims SET owner = ?, sequence = ?, updated_at = ? WHERE claim_key = ?`,
			mut.Owner, int64(mut.Sequence), updatedAt, key)
	case model.REMOVE:
		res, err = s.sqlDB.ExecContext(ctx, `DELETE FROM claims WHERE claim_key = ?`, key)
	default:
		return fmt.Errorf("apply mutation: unknown op %s", mut.Op)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %q: %w", mut.Op, mut.Key, ErrDiverged)
		}
		return fmt.Errorf("%s claim: %w", mut.Op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s claim rows affected: %w", mut.Op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s %q affected %d rows: %w", mut.Op, mut.Key, n, ErrDiverged)
	}
	return nil
}

// Entries loads every stored claim ordered by key.
func (s *Store) Entries(ctx context.Context) ([]model.Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT claim_key, owner, sequence FROM claims ORDER BY claim_key`)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var (
			e   model.Entry
			seq int64
		)
		if err := rows.Scan(&e.Key, &e.Owner, &seq); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		if e.Key == nil {
			e.Key = []byte{}
		}
		e.Sequence = uint64(seq)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return out, nil
}

// MaxSequence returns the highest sequence recorded on any claim, or 0.
func (s *Store) MaxSequence(ctx context.Context) (uint64, error) {
	var maxSeq sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT MAX(sequence) FROM claims`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return uint64(maxSeq.Int64), nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}
