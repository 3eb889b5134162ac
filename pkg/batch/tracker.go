// Package batch records multi-attestation transactions that have been
// submitted but not yet confirmed onchain.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Store is the persistence the tracker writes through.
type Store interface {
	SavePendingBatch(ctx context.Context, b credentials.PendingBatch) (credentials.PendingBatch, error)
}

// SaveRequest describes one successful batch submission.
type SaveRequest struct {
	Type        credentials.CredentialType
	ChainID     int64
	SafeAddress string
	TxHash      string
	SchemaID    string
	SpaceID     string
	Credentials []credentials.IssuableCredential
}

// Tracker is the only write path that creates pending records.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store) *Tracker {
	return &Tracker{
		store:  store,
		logger: slog.Default().With("component", "batch"),
	}
}

// Save validates req, groups its credentials by object and persists the
// batch. Nothing is written when validation fails.
func (t *Tracker) Save(ctx context.Context, req SaveRequest) (credentials.PendingBatch, error) {
	typ, err := credentials.ParseCredentialType(string(req.Type))
	if err != nil {
		return credentials.PendingBatch{}, err
	}
	safe, err := attest.ValidateAddress("safeAddress", req.SafeAddress)
	if err != nil {
		return credentials.PendingBatch{}, err
	}
	txHash := strings.TrimSpace(req.TxHash)
	if txHash == "" {
		return credentials.PendingBatch{}, credentials.Invalid("txHash", credentials.ErrMissingField)
	}
	if req.ChainID <= 0 {
		return credentials.PendingBatch{}, credentials.Invalid("chainId", credentials.ErrUnsupportedChain)
	}
	if req.SpaceID == "" {
		return credentials.PendingBatch{}, credentials.Invalid("spaceId", credentials.ErrMissingField)
	}
	if len(req.Credentials) == 0 {
		return credentials.PendingBatch{}, credentials.Invalid("credentials", credentials.ErrMissingField)
	}
	// The indexer matches attestations against the payload; an entry
	// without one could never be reconciled.
	for i, c := range req.Credentials {
		if c.Payload == (credentials.Payload{}) {
			return credentials.PendingBatch{}, credentials.Invalid("payload",
				fmt.Errorf("%w: credential %d (object %s)", credentials.ErrMissingField, i, c.ObjectID))
		}
	}

	content, err := credentials.GroupByObject(typ, req.Credentials)
	if err != nil {
		return credentials.PendingBatch{}, err
	}

	saved, err := t.store.SavePendingBatch(ctx, credentials.PendingBatch{
		TxHash:      txHash,
		ChainID:     req.ChainID,
		SafeAddress: safe.Hex(),
		SpaceID:     req.SpaceID,
		SchemaID:    req.SchemaID,
		Content:     content,
	})
	if err != nil {
		return credentials.PendingBatch{}, fmt.Errorf("track batch %s: %w", txHash, err)
	}
	t.logger.InfoContext(ctx, "pending batch saved",
		"tx_hash", txHash,
		"chain_id", req.ChainID,
		"space_id", req.SpaceID,
		"credential_type", string(typ),
		"objects", len(credentials.ObjectIDs(saved.Content)),
		"entries", credentials.CountEntries(saved.Content),
	)
	return saved, nil
}
