package issuance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/eligibility"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/observability"
)

// TemplateRegistry lists the credential templates of a space.
type TemplateRegistry interface {
	ListTemplates(ctx context.Context, spaceID string, events []credentials.CredentialEvent) ([]credentials.CredentialTemplate, error)
}

// StateReader reads issued and pending state. It is the authority on what
// has been issued; nothing is cached between runs.
type StateReader interface {
	FindIssuedCredentials(ctx context.Context, f credentials.IssuedFilter) ([]credentials.IssuedCredential, error)
	FindPendingBatches(ctx context.Context, f credentials.PendingFilter) ([]credentials.PendingBatch, error)
}

// Pipeline loads state, resolves missing credentials and issues them. Runs
// are re-entrant: a second run for the same object sees the first run's
// rows and issues nothing new.
type Pipeline struct {
	resolver     *eligibility.Resolver
	registry     TemplateRegistry
	state        StateReader
	orchestrator *Orchestrator
	chainID      int64
	obs          *observability.Provider
	logger       *slog.Logger
}

// NewPipeline issues offchain credentials against chainID's EAS domain.
func NewPipeline(resolver *eligibility.Resolver, registry TemplateRegistry, state StateReader, orchestrator *Orchestrator, chainID int64, obs *observability.Provider) *Pipeline {
	return &Pipeline{
		resolver:     resolver,
		registry:     registry,
		state:        state,
		orchestrator: orchestrator,
		chainID:      chainID,
		obs:          obs,
		logger:       slog.Default().With("component", "pipeline"),
	}
}

// IssueProposalCredentials issues the offchain credentials a proposal is
// missing for events. Empty events means every proposal event.
func (p *Pipeline) IssueProposalCredentials(ctx context.Context, space credentials.Space, proposal credentials.Proposal, events ...credentials.CredentialEvent) (report Report, err error) {
	ctx, done := p.obs.TrackOperation(ctx, "issuance.proposal",
		observability.ObjectRun(space.ID, proposal.ID, string(credentials.TypeProposal), eligibility.Offchain.String())...)
	defer func() { done(err) }()

	if len(proposal.SelectedCredentialTemplates) == 0 {
		return Report{}, nil
	}
	filter := events
	if len(filter) == 0 {
		filter = credentials.ProposalEvents
	}
	templates, err := p.registry.ListTemplates(ctx, space.ID, filter)
	if err != nil {
		return Report{}, fmt.Errorf("list templates: %w", err)
	}
	issued, err := p.state.FindIssuedCredentials(ctx, credentials.IssuedFilter{ProposalIDs: []string{proposal.ID}})
	if err != nil {
		return Report{}, fmt.Errorf("load issued credentials: %w", err)
	}
	pending, err := p.pendingFor(ctx, space.ID, credentials.TypeProposal, []string{proposal.ID})
	if err != nil {
		return Report{}, err
	}

	missing := p.resolver.Proposal(eligibility.ProposalInput{
		Space:     space,
		Proposal:  proposal,
		Templates: templates,
		Issued:    issued,
		Pending:   credentials.PendingEntriesFor(pending, proposal.ID),
		Events:    events,
		Channel:   eligibility.Offchain,
	})
	report = p.orchestrator.IssueOffchain(ctx, p.chainID, missing)
	p.logRun(ctx, space.ID, proposal.ID, credentials.TypeProposal, report)
	return report, nil
}

// IssueRewardCredentials issues the offchain credentials a reward's approved
// submissions are missing. A non-empty applicationID limits the run to one
// submission.
func (p *Pipeline) IssueRewardCredentials(ctx context.Context, space credentials.Space, reward credentials.Reward, applicationID string) (report Report, err error) {
	ctx, done := p.obs.TrackOperation(ctx, "issuance.reward",
		observability.ObjectRun(space.ID, reward.ID, string(credentials.TypeReward), eligibility.Offchain.String())...)
	defer func() { done(err) }()

	if len(reward.SelectedCredentialTemplates) == 0 {
		return Report{}, nil
	}
	templates, err := p.registry.ListTemplates(ctx, space.ID, credentials.RewardEvents)
	if err != nil {
		return Report{}, fmt.Errorf("list templates: %w", err)
	}
	appIDs := applicationIDs(reward, applicationID)
	if len(appIDs) == 0 {
		return Report{}, nil
	}
	issued, err := p.state.FindIssuedCredentials(ctx, credentials.IssuedFilter{RewardApplicationIDs: appIDs})
	if err != nil {
		return Report{}, fmt.Errorf("load issued credentials: %w", err)
	}
	pending, err := p.pendingFor(ctx, space.ID, credentials.TypeReward, appIDs)
	if err != nil {
		return Report{}, err
	}
	var entries []credentials.IssuableCredential
	for _, id := range appIDs {
		entries = append(entries, credentials.PendingEntriesFor(pending, id)...)
	}

	missing := p.resolver.Reward(eligibility.RewardInput{
		Space:         space,
		Reward:        reward,
		Templates:     templates,
		Issued:        issued,
		Pending:       entries,
		ApplicationID: applicationID,
		Channel:       eligibility.Offchain,
	})
	report = p.orchestrator.IssueOffchain(ctx, p.chainID, missing)
	p.logRun(ctx, space.ID, reward.ID, credentials.TypeReward, report)
	return report, nil
}

// FindSpaceIssuableProposalCredentials lists the onchain credentials the
// proposals of a space are missing. Pending batches are loaded once.
func (p *Pipeline) FindSpaceIssuableProposalCredentials(ctx context.Context, space credentials.Space, proposals []credentials.Proposal) ([]credentials.IssuableCredential, error) {
	if !space.UseOnchainCredentials || len(proposals) == 0 {
		return nil, nil
	}
	templates, err := p.registry.ListTemplates(ctx, space.ID, credentials.ProposalEvents)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	ids := make([]string, 0, len(proposals))
	for _, pr := range proposals {
		ids = append(ids, pr.ID)
	}
	issued, err := p.state.FindIssuedCredentials(ctx, credentials.IssuedFilter{ProposalIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load issued credentials: %w", err)
	}
	pending, err := p.pendingFor(ctx, space.ID, credentials.TypeProposal, nil)
	if err != nil {
		return nil, err
	}
	return p.resolver.SpaceProposals(space, proposals, templates, issued, pending), nil
}

// FindSpaceIssuableRewardCredentials lists the onchain credentials the
// rewards of a space are missing.
func (p *Pipeline) FindSpaceIssuableRewardCredentials(ctx context.Context, space credentials.Space, rewards []credentials.Reward) ([]credentials.IssuableCredential, error) {
	if !space.UseOnchainCredentials || len(rewards) == 0 {
		return nil, nil
	}
	templates, err := p.registry.ListTemplates(ctx, space.ID, credentials.RewardEvents)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	var ids []string
	for _, rw := range rewards {
		ids = append(ids, applicationIDs(rw, "")...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	issued, err := p.state.FindIssuedCredentials(ctx, credentials.IssuedFilter{RewardApplicationIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load issued credentials: %w", err)
	}
	pending, err := p.pendingFor(ctx, space.ID, credentials.TypeReward, nil)
	if err != nil {
		return nil, err
	}
	return p.resolver.SpaceRewards(space, rewards, templates, issued, pending), nil
}

// IssueSpaceOnchain discovers the onchain credentials a space is missing and
// submits one batch per credential type from safeAddress.
func (p *Pipeline) IssueSpaceOnchain(ctx context.Context, space credentials.Space, proposals []credentials.Proposal, rewards []credentials.Reward, chainID int64, safeAddress string) (Report, error) {
	var report Report

	proposalCreds, err := p.FindSpaceIssuableProposalCredentials(ctx, space, proposals)
	if err != nil {
		return report, err
	}
	rewardCreds, err := p.FindSpaceIssuableRewardCredentials(ctx, space, rewards)
	if err != nil {
		return report, err
	}

	for _, b := range []struct {
		typ   credentials.CredentialType
		creds []credentials.IssuableCredential
	}{
		{credentials.TypeProposal, proposalCreds},
		{credentials.TypeReward, rewardCreds},
	} {
		if len(b.creds) == 0 {
			continue
		}
		r, err := p.orchestrator.SubmitBatch(ctx, BatchRequest{
			SpaceID:     space.ID,
			ChainID:     chainID,
			SafeAddress: safeAddress,
			Type:        b.typ,
			Credentials: b.creds,
		})
		report.Merge(r)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p *Pipeline) pendingFor(ctx context.Context, spaceID string, t credentials.CredentialType, objectIDs []string) ([]credentials.PendingBatch, error) {
	pending, err := p.state.FindPendingBatches(ctx, credentials.PendingFilter{
		SpaceID:   spaceID,
		Type:      t,
		ObjectIDs: objectIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("load pending batches: %w", err)
	}
	return pending, nil
}

func (p *Pipeline) logRun(ctx context.Context, spaceID, objectID string, t credentials.CredentialType, r Report) {
	if len(r.Results) == 0 {
		p.logger.DebugContext(ctx, "no credentials to issue", "space_id", spaceID, "object_id", objectID, "credential_type", string(t))
		return
	}
	level := slog.LevelInfo
	if r.Failed() > 0 {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "issuance run complete",
		"space_id", spaceID,
		"object_id", objectID,
		"credential_type", string(t),
		"issued", r.Issued(),
		"failed", r.Failed(),
	)
}

func applicationIDs(r credentials.Reward, only string) []string {
	var ids []string
	for _, app := range r.Applications {
		if only != "" && app.ID != only {
			continue
		}
		ids = append(ids, app.ID)
	}
	return ids
}
