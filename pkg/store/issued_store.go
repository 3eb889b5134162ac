package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

const issuedColumns = `id, credential_template_id, user_id, credential_event, proposal_id, reward_application_id,
	offchain_record_id, offchain_payload, chain_id, onchain_attestation_id, created_at, updated_at`

// UpsertIssuedCredential writes c keyed by its identity. An existing row
// keeps every field it already has and gains the ones it lacked.
func (s *CredentialStore) UpsertIssuedCredential(ctx context.Context, c credentials.IssuedCredential) (credentials.IssuedCredential, error) {
	if err := c.Validate(); err != nil {
		return credentials.IssuedCredential{}, err
	}
	if c.ID == "" {
		c.ID = s.newID()
	}
	now := s.now()

	var payload sql.NullString
	if len(c.OffchainPayload) > 0 {
		payload = sql.NullString{String: string(c.OffchainPayload), Valid: true}
	}

	query := `
		INSERT INTO issued_credentials (id, credential_template_id, user_id, credential_event, proposal_id, reward_application_id,
			object_id, offchain_record_id, offchain_payload, chain_id, onchain_attestation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (credential_template_id, user_id, credential_event, object_id) DO UPDATE SET
			offchain_record_id = COALESCE(issued_credentials.offchain_record_id, EXCLUDED.offchain_record_id),
			offchain_payload = COALESCE(issued_credentials.offchain_payload, EXCLUDED.offchain_payload),
			chain_id = COALESCE(issued_credentials.chain_id, EXCLUDED.chain_id),
			onchain_attestation_id = COALESCE(issued_credentials.onchain_attestation_id, EXCLUDED.onchain_attestation_id),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + issuedColumns

	row := s.db.QueryRowContext(ctx, query,
		c.ID, c.CredentialTemplateID, c.UserID, string(c.Event),
		nullString(c.ProposalID), nullString(c.RewardApplicationID), c.ObjectID(),
		nullString(c.OffchainRecordID), payload, nullInt64(c.ChainID), nullString(c.OnchainAttestationID),
		now, now,
	)
	out, err := scanIssued(row)
	if err != nil {
		return credentials.IssuedCredential{}, fmt.Errorf("upsert issued credential: %w", err)
	}
	return out, nil
}

// GetIssuedCredential loads the row for id or returns ErrNotFound.
func (s *CredentialStore) GetIssuedCredential(ctx context.Context, id credentials.Identity) (credentials.IssuedCredential, error) {
	query := `SELECT ` + issuedColumns + ` FROM issued_credentials
		WHERE credential_template_id = $1 AND user_id = $2 AND credential_event = $3 AND object_id = $4`
	c, err := scanIssued(s.db.QueryRowContext(ctx, query, id.TemplateID, id.UserID, string(id.Event), id.ObjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credentials.IssuedCredential{}, credentials.ErrNotFound
		}
		return credentials.IssuedCredential{}, err
	}
	return c, nil
}

// FindIssuedCredentials lists rows matching f. Proposal and reward id lists
// are OR-ed together.
func (s *CredentialStore) FindIssuedCredentials(ctx context.Context, f credentials.IssuedFilter) ([]credentials.IssuedCredential, error) {
	var w whereBuilder
	w.anyOf(map[string][]string{
		"proposal_id":           f.ProposalIDs,
		"reward_application_id": f.RewardApplicationIDs,
	}, []string{"proposal_id", "reward_application_id"})
	w.in("user_id", f.UserIDs)
	w.in("credential_template_id", f.TemplateIDs)

	query := `SELECT ` + issuedColumns + ` FROM issued_credentials` + w.String() + ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find issued credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []credentials.IssuedCredential
	for rows.Next() {
		c, err := scanIssued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssued(row rowScanner) (credentials.IssuedCredential, error) {
	var (
		c                                     credentials.IssuedCredential
		event                                 string
		proposalID, rewardID, offchainID, att sql.NullString
		payload                               sql.NullString
		chainID                               sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CredentialTemplateID, &c.UserID, &event, &proposalID, &rewardID,
		&offchainID, &payload, &chainID, &att, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return credentials.IssuedCredential{}, err
	}
	c.Event = credentials.CredentialEvent(event)
	c.ProposalID = proposalID.String
	c.RewardApplicationID = rewardID.String
	c.OffchainRecordID = offchainID.String
	if payload.Valid && payload.String != "" {
		c.OffchainPayload = json.RawMessage(payload.String)
	}
	c.ChainID = chainID.Int64
	c.OnchainAttestationID = att.String
	return c, nil
}
