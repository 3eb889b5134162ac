package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// CredentialStore persists templates, issued credentials and pending batches.
// Queries use $n placeholders, valid for both lib/pq and modernc sqlite.
type CredentialStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// DB exposes the handle for health checks.
func (s *CredentialStore) DB() *sql.DB { return s.db }

var credentialSchema = []string{
	`CREATE TABLE IF NOT EXISTS credential_templates (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		organization TEXT NOT NULL DEFAULT '',
		credential_events TEXT NOT NULL DEFAULT '[]',
		schema_type TEXT NOT NULL,
		schema_address TEXT NOT NULL DEFAULT '',
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS credential_templates_space ON credential_templates (space_id)`,
	`CREATE TABLE IF NOT EXISTS issued_credentials (
		id TEXT PRIMARY KEY,
		credential_template_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		credential_event TEXT NOT NULL,
		proposal_id TEXT,
		reward_application_id TEXT,
		object_id TEXT NOT NULL,
		offchain_record_id TEXT,
		offchain_payload TEXT,
		chain_id BIGINT,
		onchain_attestation_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS issued_credentials_identity
		ON issued_credentials (credential_template_id, user_id, credential_event, object_id)`,
	`CREATE INDEX IF NOT EXISTS issued_credentials_object ON issued_credentials (object_id)`,
	`CREATE TABLE IF NOT EXISTS pending_batches (
		tx_hash TEXT PRIMARY KEY,
		chain_id BIGINT NOT NULL,
		safe_address TEXT NOT NULL,
		space_id TEXT NOT NULL,
		schema_id TEXT NOT NULL,
		credential_type TEXT NOT NULL,
		proposal_ids TEXT NOT NULL DEFAULT '[]',
		reward_ids TEXT NOT NULL DEFAULT '[]',
		content TEXT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pending_batches_space ON pending_batches (space_id)`,
}

// Init creates the credential tables if they do not exist.
func (s *CredentialStore) Init(ctx context.Context) error {
	for _, stmt := range credentialSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate credential schema: %w", err)
		}
	}
	return nil
}

// whereBuilder assembles AND-ed conditions with numbered placeholders.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) next(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *whereBuilder) eq(col string, v any) {
	w.conds = append(w.conds, col+" = "+w.next(v))
}

func (w *whereBuilder) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = w.next(v)
	}
	w.conds = append(w.conds, col+" IN ("+strings.Join(ph, ", ")+")")
}

// anyOf ORs groups of IN conditions, skipping empty groups.
func (w *whereBuilder) anyOf(groups map[string][]string, order []string) {
	var parts []string
	for _, col := range order {
		vals := groups[col]
		if len(vals) == 0 {
			continue
		}
		ph := make([]string, len(vals))
		for i, v := range vals {
			ph[i] = w.next(v)
		}
		parts = append(parts, col+" IN ("+strings.Join(ph, ", ")+")")
	}
	if len(parts) > 0 {
		w.conds = append(w.conds, "("+strings.Join(parts, " OR ")+")")
	}
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
