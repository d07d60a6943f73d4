package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// OpenSQL connects to DATABASE_URL-style addresses and initializes the schema:
//   - postgres://… or postgresql://… uses lib/pq
//   - sqlite://path uses the pure-Go modernc SQLite driver
func OpenSQL(ctx context.Context, url string) (*SQLStore, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err = sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("DB ping failed: %w", err)
		}
		log.Println("[nexus] postgres: connected")
		dialect = Postgres
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// :memory: databases are per connection.
		db.SetMaxOpenConns(1)
		log.Printf("[nexus] lite mode: using sqlite at %s", path)
		dialect = SQLite
	default:
		return nil, fmt.Errorf("unsupported database url %q (want postgres:// or sqlite://)", url)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init ledger table: %w", err)
	}
	return s, nil
}
