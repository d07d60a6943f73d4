package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/nexus/pkg/ledger"
	"github.com/Mindburn-Labs/nexus/pkg/task"
)

// Dialect selects the placeholder syntax of the SQL backend.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// bind rewrites $N placeholders to ? for SQLite.
func (d Dialect) bind(query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore mirrors the ledger into a SQL table. It supports both Postgres
// and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS nexus_ledger (
	sequence BIGINT PRIMARY KEY,
	recorded_at TEXT NOT NULL,
	task TEXT NOT NULL,
	result TEXT NOT NULL,
	previous_signature TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Persist implements ledger.Sink. The sequence primary key rejects a second
// writer racing on the same table.
func (s *SQLStore) Persist(ctx context.Context, e ledger.Entry) error {
	taskJSON, err := encodeRecord(e.Task)
	if err != nil {
		return err
	}
	resultJSON, err := encodeRecord(e.Result)
	if err != nil {
		return err
	}

	query := s.dialect.bind(`
		INSERT INTO nexus_ledger (sequence, recorded_at, task, result, previous_signature, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	_, err = s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.Timestamp.UTC().Format(time.RFC3339Nano),
		taskJSON, resultJSON, e.PreviousSignature, e.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]ledger.Entry, error) {
	query := `SELECT sequence, recorded_at, task, result, previous_signature, signature FROM nexus_ledger ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			seq                int64
			recordedAt, tj, rj string
			prev, sig          string
		)
		if err := rows.Scan(&seq, &recordedAt, &tj, &rj, &prev, &sig); err != nil {
			return nil, err
		}
		e, err := buildEntry(seq, recordedAt, tj, rj, prev, sig)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func buildEntry(seq int64, recordedAt, taskJSON, resultJSON, prev, sig string) (ledger.Entry, error) {
	if seq < 0 {
		return ledger.Entry{}, fmt.Errorf("%w: negative sequence %d", ErrCorrupt, seq)
	}
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("%w: entry %d timestamp: %w", ErrCorrupt, seq, err)
	}
	t, err := decodeRecord(taskJSON)
	if err != nil {
		return ledger.Entry{}, err
	}
	r, err := decodeRecord(resultJSON)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		Sequence:          uint64(seq),
		Timestamp:         ts.UTC(),
		Task:              task.Task(t),
		Result:            task.Result(r),
		PreviousSignature: prev,
		Signature:         sig,
	}, nil
}
