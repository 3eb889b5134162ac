// Package issuance drives missing credentials through the offchain signing
// path or the batched onchain path, isolating failures per credential.
package issuance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/limiter"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/observability"
)

// IssuedWriter persists issued credentials keyed by identity.
type IssuedWriter interface {
	UpsertIssuedCredential(ctx context.Context, c credentials.IssuedCredential) (credentials.IssuedCredential, error)
}

// Publisher stores signed offchain credentials and returns their record id.
type Publisher interface {
	Publish(ctx context.Context, sc *attest.SignedCredential) (string, []byte, error)
}

// BatchSubmitter proposes a multi-attestation transaction and returns its hash.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, chainID int64, safeAddress string, reqs []chain.MultiAttestationRequest) (string, error)
}

// BatchTracker records submitted batches as pending.
type BatchTracker interface {
	Save(ctx context.Context, req batch.SaveRequest) (credentials.PendingBatch, error)
}

// Orchestrator issues credentials. Signer, publisher and store serve the
// offchain path; submitter and tracker serve the onchain path.
type Orchestrator struct {
	signer      attest.Signer
	publisher   Publisher
	store       IssuedWriter
	submitter   BatchSubmitter
	tracker     BatchTracker
	encoder     attest.Encoder
	chains      *attest.Registry
	limiter     limiter.Limiter
	obs         *observability.Provider
	concurrency int
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchPath enables onchain batch submission.
func WithBatchPath(s BatchSubmitter, t BatchTracker) Option {
	return func(o *Orchestrator) {
		o.submitter = s
		o.tracker = t
	}
}

func WithEncoder(e attest.Encoder) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.encoder = e
		}
	}
}

// WithLimiter throttles batch submissions.
func WithLimiter(l limiter.Limiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithConcurrency bounds parallel offchain issuance. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.concurrency = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(signer attest.Signer, publisher Publisher, store IssuedWriter, chains *attest.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		signer:      signer,
		publisher:   publisher,
		store:       store,
		chains:      chains,
		encoder:     attest.ABIEncoder{},
		limiter:     limiter.Noop(),
		concurrency: 4,
		logger:      slog.Default().With("component", "issuance"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// IssueOffchain signs, publishes and records each credential. A failure is
// recorded against its credential and never aborts the others. Nothing is
// written for a credential until signing and publication succeed.
func (o *Orchestrator) IssueOffchain(ctx context.Context, chainID int64, creds []credentials.IssuableCredential) Report {
	report := Report{Results: make([]Result, len(creds))}
	if len(creds) == 0 {
		return report
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, c := range creds {
		g.Go(func() error {
			issued, err := o.issueOne(ctx, chainID, c)
			if err != nil {
				report.Results[i] = o.failure(ctx, "offchain", c, err)
				return nil
			}
			o.obs.RecordCredential(ctx, "offchain", string(c.Type), string(OutcomeIssued))
			report.Results[i] = Result{Credential: c, Outcome: OutcomeIssued, Issued: &issued}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (o *Orchestrator) issueOne(ctx context.Context, chainID int64, c credentials.IssuableCredential) (credentials.IssuedCredential, error) {
	if o.signer == nil {
		return credentials.IssuedCredential{}, credentials.Invalid("signer", credentials.ErrMissingSigner)
	}
	if !c.Type.Valid() {
		c.Type = c.Event.Type()
	}
	signed, err := o.signer.Sign(ctx, attest.SignRequest{
		Type:      c.Type,
		Payload:   c.Payload,
		Recipient: c.RecipientAddress,
		ChainID:   chainID,
	})
	if err != nil {
		return credentials.IssuedCredential{}, fmt.Errorf("sign: %w", err)
	}
	recordID, doc, err := o.publisher.Publish(ctx, signed)
	if err != nil {
		return credentials.IssuedCredential{}, fmt.Errorf("publish: %w", err)
	}

	ic := credentials.NewIssuedCredential(c)
	ic.OffchainRecordID = recordID
	ic.OffchainPayload = doc
	saved, err := o.store.UpsertIssuedCredential(ctx, ic)
	if err != nil {
		return credentials.IssuedCredential{}, fmt.Errorf("record: %w", err)
	}
	return saved, nil
}

// BatchRequest is a set of credentials of one type to attest onchain from
// one Safe.
type BatchRequest struct {
	SpaceID     string
	ChainID     int64
	SafeAddress string
	Type        credentials.CredentialType
	Credentials []credentials.IssuableCredential
}

// SubmitBatch encodes the credentials into one multiAttest transaction,
// proposes it and hands it to the tracker. Credentials that cannot be
// encoded are reported failed and left out of the batch. Issued rows are
// written later by reconciliation.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req BatchRequest) (Report, error) {
	if o.submitter == nil || o.tracker == nil {
		return Report{}, credentials.Invalid("ledger", credentials.ErrMissingSigner)
	}
	typ, err := credentials.ParseCredentialType(string(req.Type))
	if err != nil {
		return Report{}, err
	}
	if _, err := attest.ValidateAddress("safeAddress", req.SafeAddress); err != nil {
		return Report{}, err
	}
	net, err := o.chains.Get(req.ChainID)
	if err != nil {
		return Report{}, err
	}
	schema, err := net.SchemaUID(typ)
	if err != nil {
		return Report{}, err
	}

	ctx, done := o.obs.TrackOperation(ctx, "issuance.submit_batch",
		observability.AttrSpaceID.String(req.SpaceID),
		observability.AttrChainID.Int64(req.ChainID),
		observability.AttrCredentialType.String(string(typ)),
	)
	report, err := o.submitBatch(ctx, req, typ, schema)
	done(err)
	return report, err
}

func (o *Orchestrator) submitBatch(ctx context.Context, req BatchRequest, typ credentials.CredentialType, schema common.Hash) (Report, error) {
	var (
		report  Report
		entries []credentials.IssuableCredential
		data    []chain.AttestationRequestData
	)
	for _, c := range req.Credentials {
		c.Type = typ
		item, err := o.encodeEntry(c)
		if err != nil {
			o.fail(ctx, &report, "onchain", c, err)
			continue
		}
		entries = append(entries, c)
		data = append(data, item)
	}
	if len(entries) == 0 {
		return report, nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return report, err
	}
	txHash, err := o.submitter.SubmitBatch(ctx, req.ChainID, req.SafeAddress, []chain.MultiAttestationRequest{{
		Schema: schema,
		Data:   data,
	}})
	if err != nil {
		for _, c := range entries {
			o.fail(ctx, &report, "onchain", c, fmt.Errorf("submit batch: %w", err))
		}
		return report, fmt.Errorf("submit batch: %w", err)
	}

	if _, err := o.tracker.Save(ctx, batch.SaveRequest{
		Type:        typ,
		ChainID:     req.ChainID,
		SafeAddress: req.SafeAddress,
		TxHash:      txHash,
		SchemaID:    schema.Hex(),
		SpaceID:     req.SpaceID,
		Credentials: entries,
	}); err != nil {
		// The transaction exists but nothing tracks it; keep the hash in the
		// log so it can be saved by hand.
		o.logger.ErrorContext(ctx, "submitted batch could not be tracked",
			"tx_hash", txHash, "chain_id", req.ChainID, "space_id", req.SpaceID, "entries", len(entries), "error", err)
		return report, fmt.Errorf("track batch %s: %w", txHash, err)
	}

	report.TxHash = txHash
	for _, c := range entries {
		o.obs.RecordCredential(ctx, "onchain", string(typ), string(OutcomePending))
		report.Results = append(report.Results, Result{Credential: c, Outcome: OutcomePending})
	}
	o.logger.InfoContext(ctx, "batch submitted",
		"tx_hash", txHash, "chain_id", req.ChainID, "space_id", req.SpaceID, "entries", len(entries))
	return report, nil
}

func (o *Orchestrator) encodeEntry(c credentials.IssuableCredential) (chain.AttestationRequestData, error) {
	recipient, err := attest.ValidateAddress("recipientAddress", c.RecipientAddress)
	if err != nil {
		return chain.AttestationRequestData{}, err
	}
	encoded, err := o.encoder.Encode(c.Type, c.Payload)
	if err != nil {
		return chain.AttestationRequestData{}, err
	}
	return chain.AttestationRequestData{
		Recipient: recipient,
		Revocable: true,
		Data:      encoded,
	}, nil
}

// failure logs a per-credential failure with enough context to replay it.
func (o *Orchestrator) failure(ctx context.Context, channel string, c credentials.IssuableCredential, err error) Result {
	o.logger.ErrorContext(ctx, "credential issuance failed",
		"channel", channel,
		"object_id", c.ObjectID,
		"template_id", c.CredentialTemplateID,
		"event", string(c.Event),
		"user_id", c.RecipientUserID,
		"error", err,
	)
	o.obs.RecordCredential(ctx, channel, string(c.Type), string(OutcomeFailed))
	return Result{Credential: c, Outcome: OutcomeFailed, Reason: err.Error()}
}

func (o *Orchestrator) fail(ctx context.Context, report *Report, channel string, c credentials.IssuableCredential, err error) {
	report.Results = append(report.Results, o.failure(ctx, channel, c, err))
}
