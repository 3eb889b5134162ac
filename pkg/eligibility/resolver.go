// Package eligibility computes which credentials are missing for a proposal
// or reward. Resolution performs no I/O and is deterministic for identical
// inputs.
package eligibility

import (
	"log/slog"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Channel selects the delivery path issuance is resolved for. Each channel
// is completed only by its own identifier on the issued row.
type Channel int

const (
	Offchain Channel = iota
	Onchain
)

func (c Channel) String() string {
	if c == Onchain {
		return "onchain"
	}
	return "offchain"
}

// Renderer builds the payload for an issuable credential.
type Renderer interface {
	RenderProposal(space credentials.Space, tpl credentials.CredentialTemplate, event credentials.CredentialEvent, p credentials.Proposal) credentials.Payload
	RenderReward(space credentials.Space, tpl credentials.CredentialTemplate, event credentials.CredentialEvent, r credentials.Reward, app credentials.Application) credentials.Payload
}

// Resolver resolves issuable credentials for proposals and rewards.
type Resolver struct {
	render       Renderer
	rewardPolicy StatusPolicy
	logger       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRewardPolicy overrides the approved application status policy.
func WithRewardPolicy(p StatusPolicy) Option {
	return func(r *Resolver) {
		if p != nil {
			r.rewardPolicy = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver returns a resolver rendering payloads with render. A nil
// render leaves payloads empty.
func NewResolver(render Renderer, opts ...Option) *Resolver {
	r := &Resolver{
		render:       render,
		rewardPolicy: DefaultRewardStatuses,
		logger:       slog.Default().With("component", "eligibility"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// blocked reports whether id is already complete for ch, or is waiting in
// a pending batch for the same recipient address.
func blocked(ch Channel, issued credentials.IssuedIndex, pending []credentials.IssuableCredential, id credentials.Identity, address string) bool {
	if credentials.PendingMatches(pending, id.ObjectID, id.TemplateID, id.Event, address) {
		return true
	}
	existing, ok := issued.Get(id)
	if !ok {
		return false
	}
	if ch == Onchain {
		return existing.HasOnchain()
	}
	return existing.HasOffchain()
}

// selectTemplates returns the non-archived templates of type t named in
// selected, in selection order without duplicates.
func selectTemplates(selected []string, registry []credentials.CredentialTemplate, t credentials.CredentialType) []credentials.CredentialTemplate {
	byID := make(map[string]credentials.CredentialTemplate, len(registry))
	for _, tpl := range registry {
		byID[tpl.ID] = tpl
	}
	seen := make(map[string]bool, len(selected))
	var out []credentials.CredentialTemplate
	for _, id := range selected {
		tpl, ok := byID[id]
		if !ok || seen[id] || tpl.Archived {
			continue
		}
		if tpl.SchemaType != "" && tpl.SchemaType != t {
			continue
		}
		seen[id] = true
		out = append(out, tpl)
	}
	return out
}

func filterEvents(all, want []credentials.CredentialEvent) []credentials.CredentialEvent {
	if len(want) == 0 {
		return all
	}
	var out []credentials.CredentialEvent
	for _, e := range all {
		for _, w := range want {
			if e == w {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
