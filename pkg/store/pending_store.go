package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

const pendingColumns = `tx_hash, chain_id, safe_address, space_id, schema_id, credential_type, content, processed, created_at, updated_at`

// SavePendingBatch inserts b. A batch already stored under the same hash is
// left as is, so a retried save never re-grows a narrowed record.
func (s *CredentialStore) SavePendingBatch(ctx context.Context, b credentials.PendingBatch) (credentials.PendingBatch, error) {
	if b.Content == nil {
		return credentials.PendingBatch{}, credentials.Invalid("credentialType", credentials.ErrInvalidCredentialType)
	}
	content, proposalIDs, rewardIDs, err := encodeContent(b)
	if err != nil {
		return credentials.PendingBatch{}, err
	}
	now := s.now()
	query := `
		INSERT INTO pending_batches (tx_hash, chain_id, safe_address, space_id, schema_id, credential_type,
			proposal_ids, reward_ids, content, processed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tx_hash) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		b.TxHash, b.ChainID, b.SafeAddress, b.SpaceID, b.SchemaID, string(b.Type()),
		proposalIDs, rewardIDs, content, b.Processed, now, now,
	)
	if err != nil {
		return credentials.PendingBatch{}, fmt.Errorf("save pending batch %s: %w", b.TxHash, err)
	}
	return s.GetPendingBatch(ctx, b.TxHash)
}

// GetPendingBatch loads a batch by transaction hash or returns ErrNotFound.
func (s *CredentialStore) GetPendingBatch(ctx context.Context, txHash string) (credentials.PendingBatch, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_batches WHERE tx_hash = $1`
	b, err := scanPending(s.db.QueryRowContext(ctx, query, txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credentials.PendingBatch{}, credentials.ErrNotFound
		}
		return credentials.PendingBatch{}, fmt.Errorf("get pending batch %s: %w", txHash, err)
	}
	return b, nil
}

// FindPendingBatches lists batches matching f, oldest first.
func (s *CredentialStore) FindPendingBatches(ctx context.Context, f credentials.PendingFilter) ([]credentials.PendingBatch, error) {
	var w whereBuilder
	if f.TxHash != "" {
		w.eq("tx_hash", f.TxHash)
	}
	if f.SpaceID != "" {
		w.eq("space_id", f.SpaceID)
	}
	if f.ChainID != 0 {
		w.eq("chain_id", f.ChainID)
	}
	if f.Type != "" {
		w.eq("credential_type", string(f.Type))
	}

	query := `SELECT ` + pendingColumns + ` FROM pending_batches` + w.String() + ` ORDER BY created_at, tx_hash`
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find pending batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	want := make(map[string]bool, len(f.ObjectIDs))
	for _, id := range f.ObjectIDs {
		want[id] = true
	}

	var out []credentials.PendingBatch
	for rows.Next() {
		b, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		if len(want) > 0 && !holdsAny(b, want) {
			continue
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdatePendingBatch replaces the content of a batch. Id lists are derived
// from the new content.
func (s *CredentialStore) UpdatePendingBatch(ctx context.Context, txHash string, content credentials.BatchContent, processed bool) error {
	b := credentials.PendingBatch{TxHash: txHash, Content: content}
	encoded, proposalIDs, rewardIDs, err := encodeContent(b)
	if err != nil {
		return err
	}
	query := `UPDATE pending_batches
		SET content = $1, proposal_ids = $2, reward_ids = $3, processed = $4, updated_at = $5
		WHERE tx_hash = $6`
	res, err := s.db.ExecContext(ctx, query, encoded, proposalIDs, rewardIDs, processed, s.now(), txHash)
	if err != nil {
		return fmt.Errorf("update pending batch %s: %w", txHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credentials.ErrNotFound
	}
	return nil
}

// DeletePendingBatch removes a batch. Deleting a missing batch is not an error.
func (s *CredentialStore) DeletePendingBatch(ctx context.Context, txHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_batches WHERE tx_hash = $1`, txHash); err != nil {
		return fmt.Errorf("delete pending batch %s: %w", txHash, err)
	}
	return nil
}

func encodeContent(b credentials.PendingBatch) (content, proposalIDs, rewardIDs string, err error) {
	if b.Content == nil {
		return "", "", "", credentials.Invalid("credentialType", credentials.ErrInvalidCredentialType)
	}
	c, err := json.Marshal(b.Content.Groups())
	if err != nil {
		return "", "", "", fmt.Errorf("encode content: %w", err)
	}
	p, err := json.Marshal(b.ProposalIDs())
	if err != nil {
		return "", "", "", err
	}
	r, err := json.Marshal(b.RewardIDs())
	if err != nil {
		return "", "", "", err
	}
	return string(c), string(p), string(r), nil
}

func scanPending(row rowScanner) (credentials.PendingBatch, error) {
	var (
		b        credentials.PendingBatch
		typ      string
		content  string
		chainID  int64
		procFlag bool
	)
	err := row.Scan(&b.TxHash, &chainID, &b.SafeAddress, &b.SpaceID, &b.SchemaID, &typ, &content, &procFlag, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return credentials.PendingBatch{}, err
	}
	var groups map[string][]credentials.IssuableCredential
	if err := json.Unmarshal([]byte(content), &groups); err != nil {
		return credentials.PendingBatch{}, fmt.Errorf("decode content of %s: %w", b.TxHash, err)
	}
	b.Content, err = credentials.NewBatchContent(credentials.CredentialType(typ), groups)
	if err != nil {
		return credentials.PendingBatch{}, fmt.Errorf("batch %s: %w", b.TxHash, err)
	}
	b.ChainID = chainID
	b.Processed = procFlag
	return b, nil
}

func holdsAny(b credentials.PendingBatch, ids map[string]bool) bool {
	for _, id := range credentials.ObjectIDs(b.Content) {
		if ids[id] {
			return true
		}
	}
	return false
}
