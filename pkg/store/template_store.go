package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// SaveTemplate inserts or replaces a credential template.
func (s *CredentialStore) SaveTemplate(ctx context.Context, t credentials.CredentialTemplate) (credentials.CredentialTemplate, error) {
	if !t.SchemaType.Valid() {
		return credentials.CredentialTemplate{}, credentials.Invalid("schemaType", credentials.ErrInvalidCredentialType)
	}
	for _, e := range t.Events {
		if e.Type() != t.SchemaType {
			return credentials.CredentialTemplate{}, credentials.Invalid("credentialEvents", fmt.Errorf("%w: %s", credentials.ErrInvalidEvent, e))
		}
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Events == nil {
		t.Events = []credentials.CredentialEvent{}
	}
	events, err := json.Marshal(t.Events)
	if err != nil {
		return credentials.CredentialTemplate{}, err
	}

	query := `
		INSERT INTO credential_templates (id, space_id, name, description, organization, credential_events,
			schema_type, schema_address, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			organization = EXCLUDED.organization,
			credential_events = EXCLUDED.credential_events,
			schema_address = EXCLUDED.schema_address,
			archived = EXCLUDED.archived`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.SpaceID, t.Name, t.Description, t.Organization, string(events),
		string(t.SchemaType), t.SchemaAddress, t.Archived, t.CreatedAt,
	)
	if err != nil {
		return credentials.CredentialTemplate{}, fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return t, nil
}

// ListTemplates returns the active templates of a space. When events is
// non-empty only templates authorizing at least one of them are returned.
func (s *CredentialStore) ListTemplates(ctx context.Context, spaceID string, events []credentials.CredentialEvent) ([]credentials.CredentialTemplate, error) {
	query := `SELECT id, space_id, name, description, organization, credential_events, schema_type, schema_address, archived, created_at
		FROM credential_templates
		WHERE space_id = $1 AND archived = $2
		ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, spaceID, false)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []credentials.CredentialTemplate
	for rows.Next() {
		var (
			t         credentials.CredentialTemplate
			rawEvents string
			typ       string
		)
		if err := rows.Scan(&t.ID, &t.SpaceID, &t.Name, &t.Description, &t.Organization, &rawEvents, &typ, &t.SchemaAddress, &t.Archived, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawEvents), &t.Events); err != nil {
			return nil, fmt.Errorf("decode events of template %s: %w", t.ID, err)
		}
		t.SchemaType = credentials.CredentialType(typ)
		if !authorizesAny(t, events) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func authorizesAny(t credentials.CredentialTemplate, events []credentials.CredentialEvent) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if t.Authorizes(e) {
			return true
		}
	}
	return false
}
