// Package reconcile settles pending batch transactions once the ledger
// confirms them. Every call is safe to abandon and repeat: pending content is
// only ever narrowed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/observability"
)

// Store is the state reconciliation reads and narrows.
type Store interface {
	GetPendingBatch(ctx context.Context, txHash string) (credentials.PendingBatch, error)
	FindPendingBatches(ctx context.Context, f credentials.PendingFilter) ([]credentials.PendingBatch, error)
	UpdatePendingBatch(ctx context.Context, txHash string, content credentials.BatchContent, processed bool) error
	DeletePendingBatch(ctx context.Context, txHash string) error
	UpsertIssuedCredential(ctx context.Context, c credentials.IssuedCredential) (credentials.IssuedCredential, error)
}

// Ledger reports whether a batch transaction exists and has executed. A
// transaction that was dropped or replaced returns an error wrapping
// credentials.ErrTransactionNotFound.
type Ledger interface {
	Transaction(ctx context.Context, chainID int64, txHash string) (chain.TxStatus, error)
}

// IndexFunc returns the credentials the confirmed transaction status
// issued for batch b, mapped to their identities.
type IndexFunc func(ctx context.Context, b credentials.PendingBatch, status chain.TxStatus) ([]credentials.IssuedCredential, error)

// Outcome describes how a reconcile call ended.
type Outcome string

const (
	// OutcomeAbsent: no pending record for the hash.
	OutcomeAbsent Outcome = "absent"
	// OutcomeDropped: the transaction no longer exists; the record was deleted.
	OutcomeDropped Outcome = "dropped"
	// OutcomeUnconfirmed: not executed yet; retry later.
	OutcomeUnconfirmed Outcome = "unconfirmed"
	// OutcomePartial: some entries are still unindexed; the record was narrowed.
	OutcomePartial Outcome = "partial"
	// OutcomeReconciled: every entry was indexed; the record was deleted.
	OutcomeReconciled Outcome = "reconciled"
)

// Result summarizes one reconcile call.
type Result struct {
	TxHash    string  `json:"txHash"`
	ChainID   int64   `json:"chainId"`
	Outcome   Outcome `json:"outcome"`
	Matched   int     `json:"matched"`
	Remaining int     `json:"remaining"`
}

// Engine reconciles pending batches.
type Engine struct {
	store  Store
	ledger Ledger
	index  IndexFunc
	obs    *observability.Provider
	logger *slog.Logger
}

func NewEngine(store Store, ledger Ledger, index IndexFunc, obs *observability.Provider) *Engine {
	return &Engine{
		store:  store,
		ledger: ledger,
		index:  index,
		obs:    obs,
		logger: slog.Default().With("component", "reconcile"),
	}
}

// Reconcile settles the pending batch txHash on the chain it was recorded
// for. A non-zero chainID must match that chain.
func (e *Engine) Reconcile(ctx context.Context, txHash string, chainID int64) (res Result, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "reconcile.batch", observability.Transaction(txHash, chainID)...)
	defer func() {
		done(err)
		if err == nil {
			e.obs.RecordReconcile(ctx, res.ChainID, string(res.Outcome))
		}
	}()
	return e.reconcile(ctx, txHash, chainID)
}

func (e *Engine) reconcile(ctx context.Context, txHash string, chainID int64) (Result, error) {
	res := Result{TxHash: txHash, ChainID: chainID}
	log := e.logger.With("tx_hash", txHash)

	b, err := e.store.GetPendingBatch(ctx, txHash)
	if errors.Is(err, credentials.ErrNotFound) {
		res.Outcome = OutcomeAbsent
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load pending batch: %w", err)
	}
	if chainID != 0 && chainID != b.ChainID {
		return res, credentials.Invalid("chainId", fmt.Errorf("%w: batch %s is on chain %d, not %d",
			credentials.ErrUnsupportedChain, txHash, b.ChainID, chainID))
	}
	res.ChainID = b.ChainID
	res.Remaining = credentials.CountEntries(b.Content)
	log = log.With("chain_id", res.ChainID, "space_id", b.SpaceID)

	status, err := e.ledger.Transaction(ctx, res.ChainID, txHash)
	if errors.Is(err, credentials.ErrTransactionNotFound) {
		if err := e.store.DeletePendingBatch(ctx, txHash); err != nil {
			return res, err
		}
		log.WarnContext(ctx, "pending transaction not found on ledger, record removed", "entries", res.Remaining)
		res.Outcome = OutcomeDropped
		res.Remaining = 0
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("transaction status: %w", err)
	}
	if !status.Confirmed {
		log.DebugContext(ctx, "pending transaction not confirmed yet")
		res.Outcome = OutcomeUnconfirmed
		return res, nil
	}

	indexed, err := e.index(ctx, b, status)
	if err != nil {
		return res, fmt.Errorf("index transaction: %w", err)
	}

	confirmed := make(map[string]bool, len(indexed))
	for _, c := range indexed {
		if _, err := e.store.UpsertIssuedCredential(ctx, c); err != nil {
			// The entry stays pending and is retried on the next pass.
			log.ErrorContext(ctx, "failed to record indexed credential",
				"object_id", c.ObjectID(),
				"template_id", c.CredentialTemplateID,
				"event", string(c.Event),
				"user_id", c.UserID,
				"error", err,
			)
			continue
		}
		confirmed[c.Identity().Key()] = true
	}

	narrowed := credentials.Narrow(b.Content, func(id credentials.Identity) bool {
		return confirmed[id.Key()]
	})
	remaining := credentials.CountEntries(narrowed)
	res.Matched = res.Remaining - remaining
	res.Remaining = remaining

	if remaining == 0 {
		if err := e.store.DeletePendingBatch(ctx, txHash); err != nil {
			return res, err
		}
		log.InfoContext(ctx, "pending batch reconciled", "matched", res.Matched)
		res.Outcome = OutcomeReconciled
		return res, nil
	}
	if err := e.store.UpdatePendingBatch(ctx, txHash, narrowed, true); err != nil {
		return res, err
	}
	log.InfoContext(ctx, "pending batch partially reconciled", "matched", res.Matched, "remaining", remaining)
	res.Outcome = OutcomePartial
	return res, nil
}
