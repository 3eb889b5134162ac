package issuance_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/eligibility"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/issuance"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/publish"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/store"
)

const (
	testChainID = int64(10)
	safeAddress = "0x66525057ac951a0db5c9fa7fac6e056d6b8997e2"
)

func wallet(n int) string { return fmt.Sprintf("0x%040x", n+1) }

func author(n int) credentials.User {
	return credentials.User{ID: fmt.Sprintf("user-%d", n), PrimaryWallet: wallet(n)}
}

type harness struct {
	store     *store.CredentialStore
	pipeline  *issuance.Pipeline
	submitter *fakeSubmitter
	space     credentials.Space
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls [][]chain.MultiAttestationRequest
	err   error
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, _ int64, _ string, reqs []chain.MultiAttestationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, reqs)
	return fmt.Sprintf("0x%064x", len(f.calls)), nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewCredentialStore(db)
	require.NoError(t, s.Init(ctx))

	_, err = s.SaveTemplate(ctx, credentials.CredentialTemplate{
		ID:         "tpl-1",
		SpaceID:    "space-1",
		Name:       "Contributor",
		Events:     credentials.ProposalEvents,
		SchemaType: credentials.TypeProposal,
	})
	require.NoError(t, err)
	_, err = s.SaveTemplate(ctx, credentials.CredentialTemplate{
		ID:         "tpl-r",
		SpaceID:    "space-1",
		Name:       "Bounty hunter",
		Events:     credentials.RewardEvents,
		SchemaType: credentials.TypeReward,
	})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chains := attest.NewRegistry(attest.DefaultChains()...)
	signer := attest.NewEASSigner(key, chains, attest.ABIEncoder{})

	backend, err := publish.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	orch := issuance.NewOrchestrator(signer, publish.NewPublisher(backend), s, chains,
		issuance.WithBatchPath(sub, batch.NewTracker(s)),
		issuance.WithConcurrency(2),
	)
	resolver := eligibility.NewResolver(attest.NewRenderer("https://app.charmverse.io", nil))

	return &harness{
		store:     s,
		pipeline:  issuance.NewPipeline(resolver, s, s, orch, testChainID, nil),
		submitter: sub,
		space:     credentials.Space{ID: "space-1", Name: "Demo", Domain: "demo", UseOnchainCredentials: true},
	}
}

func passedProposal(authors ...credentials.User) credentials.Proposal {
	return credentials.Proposal{
		ID:       "prop-1",
		SpaceID:  "space-1",
		PagePath: "page-1",
		Status:   credentials.ProposalPublished,
		Evaluations: credentials.Evaluations{
			{ID: "ev-1", Index: 0, Result: credentials.ResultPass},
			{ID: "ev-2", Index: 1, Result: credentials.ResultPass},
		},
		SelectedCredentialTemplates: []string{"tpl-1"},
		Authors:                     authors,
	}
}

func TestPipeline_ProposalIssuanceIsReentrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := passedProposal(author(1), author(2))
	report, err := h.pipeline.IssueProposalCredentials(ctx, h.space, p)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Issued())
	assert.Zero(t, report.Failed())

	again, err := h.pipeline.IssueProposalCredentials(ctx, h.space, p)
	require.NoError(t, err)
	assert.Empty(t, again.Results)

	p.Authors = append(p.Authors, author(3))
	third, err := h.pipeline.IssueProposalCredentials(ctx, h.space, p)
	require.NoError(t, err)
	require.Equal(t, 2, third.Issued())
	for _, r := range third.Results {
		assert.Equal(t, "user-3", r.Credential.RecipientUserID)
		require.NotNil(t, r.Issued)
		assert.True(t, r.Issued.HasOffchain())
		assert.NotEmpty(t, r.Issued.OffchainPayload)
	}

	rows, err := h.store.FindIssuedCredentials(ctx, credentials.IssuedFilter{ProposalIDs: []string{"prop-1"}})
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestPipeline_EventFilter(t *testing.T) {
	h := newHarness(t)
	report, err := h.pipeline.IssueProposalCredentials(context.Background(), h.space, passedProposal(author(1)), credentials.EventProposalCreated)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, credentials.EventProposalCreated, report.Results[0].Credential.Event)
}

func TestPipeline_FailureIsIsolatedPerCredential(t *testing.T) {
	h := newHarness(t)
	bad := credentials.User{ID: "user-bad", PrimaryWallet: "not-an-address"}

	report, err := h.pipeline.IssueProposalCredentials(context.Background(), h.space, passedProposal(author(1), bad))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Issued())
	require.Equal(t, 2, report.Failed())
	for _, f := range report.Failures() {
		assert.Equal(t, "user-bad", f.Credential.RecipientUserID)
		assert.Contains(t, f.Reason, "invalid wallet address")
	}

	rows, err := h.store.FindIssuedCredentials(context.Background(), credentials.IssuedFilter{UserIDs: []string{"user-bad"}})
	require.NoError(t, err)
	assert.Empty(t, rows, "nothing may be written when signing fails")
}

func TestPipeline_RewardIssuance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reward := credentials.Reward{
		ID:                          "reward-1",
		SpaceID:                     "space-1",
		SelectedCredentialTemplates: []string{"tpl-r"},
		Applications: []credentials.Application{
			{ID: "app-1", Status: "paid", Applicant: author(1)},
			{ID: "app-2", Status: "inProgress", Applicant: author(2)},
			{ID: "app-3", Status: "complete", Applicant: author(3)},
		},
	}

	only, err := h.pipeline.IssueRewardCredentials(ctx, h.space, reward, "app-3")
	require.NoError(t, err)
	require.Equal(t, 1, only.Issued())
	assert.Equal(t, "app-3", only.Results[0].Credential.ObjectID)

	all, err := h.pipeline.IssueRewardCredentials(ctx, h.space, reward, "")
	require.NoError(t, err)
	require.Equal(t, 1, all.Issued())
	assert.Equal(t, "app-1", all.Results[0].Credential.ObjectID)
	assert.Equal(t, "app-1", all.Results[0].Issued.RewardApplicationID)
	assert.Empty(t, all.Results[0].Issued.ProposalID)
}

func TestPipeline_OnchainBatchIsTrackedAndSuppressesReissue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proposals := []credentials.Proposal{passedProposal(author(1), author(2))}

	found, err := h.pipeline.FindSpaceIssuableProposalCredentials(ctx, h.space, proposals)
	require.NoError(t, err)
	assert.Len(t, found, 4)

	report, err := h.pipeline.IssueSpaceOnchain(ctx, h.space, proposals, nil, testChainID, safeAddress)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Pending())
	require.NotEmpty(t, report.TxHash)
	require.Len(t, h.submitter.calls, 1)
	assert.Len(t, h.submitter.calls[0][0].Data, 4)

	b, err := h.store.GetPendingBatch(ctx, report.TxHash)
	require.NoError(t, err)
	assert.Equal(t, []string{"prop-1"}, b.ProposalIDs())
	assert.Equal(t, 4, credentials.CountEntries(b.Content))

	// Pending entries suppress a second discovery.
	again, err := h.pipeline.FindSpaceIssuableProposalCredentials(ctx, h.space, proposals)
	require.NoError(t, err)
	assert.Empty(t, again)

	rows, err := h.store.FindIssuedCredentials(ctx, credentials.IssuedFilter{ProposalIDs: []string{"prop-1"}})
	require.NoError(t, err)
	assert.Empty(t, rows, "issued rows are written by reconciliation")
}

func TestPipeline_OnchainDisabledForSpace(t *testing.T) {
	h := newHarness(t)
	h.space.UseOnchainCredentials = false
	report, err := h.pipeline.IssueSpaceOnchain(context.Background(), h.space, []credentials.Proposal{passedProposal(author(1))}, nil, testChainID, safeAddress)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Empty(t, h.submitter.calls)
}

func TestOrchestrator_SubmitBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orch := issuance.NewOrchestrator(nil, nil, h.store, attest.NewRegistry(attest.DefaultChains()...),
		issuance.WithBatchPath(h.submitter, batch.NewTracker(h.store)))

	creds := []credentials.IssuableCredential{
		{RecipientUserID: "user-1", RecipientAddress: wallet(1), CredentialTemplateID: "tpl-r", ObjectID: "app-1", Event: credentials.EventRewardSubmissionApproved},
		{RecipientUserID: "user-2", RecipientAddress: "0xnope", CredentialTemplateID: "tpl-r", ObjectID: "app-2", Event: credentials.EventRewardSubmissionApproved},
	}

	t.Run("rejects invalid type", func(t *testing.T) {
		_, err := orch.SubmitBatch(ctx, issuance.BatchRequest{SpaceID: "space-1", ChainID: testChainID, SafeAddress: safeAddress, Type: "badge", Credentials: creds})
		assert.ErrorIs(t, err, credentials.ErrInvalidCredentialType)
	})

	t.Run("rejects unsupported chain", func(t *testing.T) {
		_, err := orch.SubmitBatch(ctx, issuance.BatchRequest{SpaceID: "space-1", ChainID: 999, SafeAddress: safeAddress, Type: credentials.TypeReward, Credentials: creds})
		assert.ErrorIs(t, err, credentials.ErrUnsupportedChain)
	})

	t.Run("isolates unencodable entries", func(t *testing.T) {
		report, err := orch.SubmitBatch(ctx, issuance.BatchRequest{SpaceID: "space-1", ChainID: testChainID, SafeAddress: safeAddress, Type: credentials.TypeReward, Credentials: creds})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Pending())
		assert.Equal(t, 1, report.Failed())

		b, err := h.store.GetPendingBatch(ctx, report.TxHash)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-1"}, b.RewardIDs())
	})

	t.Run("submission failure tracks nothing", func(t *testing.T) {
		failing := &fakeSubmitter{err: errors.New("safe service down")}
		o := issuance.NewOrchestrator(nil, nil, h.store, attest.NewRegistry(attest.DefaultChains()...),
			issuance.WithBatchPath(failing, batch.NewTracker(h.store)))
		report, err := o.SubmitBatch(ctx, issuance.BatchRequest{SpaceID: "space-2", ChainID: testChainID, SafeAddress: safeAddress, Type: credentials.TypeReward, Credentials: creds[:1]})
		require.Error(t, err)
		assert.Equal(t, 1, report.Failed())

		pending, err := h.store.FindPendingBatches(ctx, credentials.PendingFilter{SpaceID: "space-2"})
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestOrchestrator_MissingSigner(t *testing.T) {
	h := newHarness(t)
	orch := issuance.NewOrchestrator(nil, nil, h.store, nil)
	report := orch.IssueOffchain(context.Background(), testChainID, []credentials.IssuableCredential{
		{RecipientUserID: "user-1", RecipientAddress: wallet(1), CredentialTemplateID: "tpl-1", ObjectID: "prop-1", Event: credentials.EventProposalCreated},
	})
	require.Equal(t, 1, report.Failed())
	assert.Contains(t, report.Results[0].Reason, "missing signer")
}
