package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
)

// LiteDBFile is the SQLite file used when no database URL is configured.
const LiteDBFile = "credentials.db"

// Open connects to Postgres when databaseURL is set and otherwise falls
// back to a SQLite file under dataDir. The schema is not created; call
// Init (or run `credentiald migrate`).
func Open(ctx context.Context, databaseURL, dataDir string) (*CredentialStore, error) {
	var (
		db  *sql.DB
		err error
	)
	if databaseURL != "" {
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
	} else {
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(dataDir, LiteDBFile)
		slog.Default().With("component", "store").Info("lite mode: using sqlite", "path", path)
		db, err = sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewCredentialStore(db), nil
}

// Ping checks the database is reachable.
func (s *CredentialStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *CredentialStore) Close() error { return s.db.Close() }
