package eligibility

import (
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// ProposalInput is everything needed to resolve one proposal.
type ProposalInput struct {
	Space     credentials.Space
	Proposal  credentials.Proposal
	Templates []credentials.CredentialTemplate
	Issued    []credentials.IssuedCredential
	// Pending holds entries of unconfirmed batches for this proposal.
	Pending []credentials.IssuableCredential
	// Events restricts resolution. Empty means every proposal event.
	Events  []credentials.CredentialEvent
	Channel Channel
}

// Proposal returns the credentials missing for in.Proposal.
func (r *Resolver) Proposal(in ProposalInput) []credentials.IssuableCredential {
	p := in.Proposal
	log := r.logger.With("proposal_id", p.ID, "space_id", p.SpaceID, "channel", in.Channel.String())

	if in.Channel == Onchain && !in.Space.UseOnchainCredentials {
		return nil
	}
	if len(p.SelectedCredentialTemplates) == 0 {
		return nil
	}
	if p.IsTemplate || p.Status != credentials.ProposalPublished {
		log.Debug("proposal not issuable", "status", p.Status, "is_template", p.IsTemplate)
		return nil
	}

	var events []credentials.CredentialEvent
	for _, e := range filterEvents(credentials.ProposalEvents, in.Events) {
		if e == credentials.EventProposalApproved && !p.Evaluations.Passed() {
			continue
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return nil
	}

	templates := selectTemplates(p.SelectedCredentialTemplates, in.Templates, credentials.TypeProposal)
	issued := credentials.NewIssuedIndex(in.Issued)

	var out []credentials.IssuableCredential
	seenAuthors := make(map[string]bool, len(p.Authors))
	for _, author := range p.Authors {
		if seenAuthors[author.ID] {
			continue
		}
		seenAuthors[author.ID] = true

		address := author.WalletAddress()
		if address == "" {
			log.Warn("author has no wallet, skipping credential", "user_id", author.ID)
			continue
		}
		for _, tpl := range templates {
			for _, event := range events {
				if !tpl.Authorizes(event) {
					continue
				}
				id := credentials.Identity{TemplateID: tpl.ID, UserID: author.ID, Event: event, ObjectID: p.ID}
				if blocked(in.Channel, issued, in.Pending, id, address) {
					continue
				}
				c := credentials.IssuableCredential{
					RecipientUserID:      author.ID,
					RecipientAddress:     address,
					CredentialTemplateID: tpl.ID,
					Type:                 credentials.TypeProposal,
					ObjectID:             p.ID,
					Event:                event,
				}
				if r.render != nil {
					c.Payload = r.render.RenderProposal(in.Space, tpl, event, p)
				}
				out = append(out, c)
			}
		}
	}
	return out
}

// SpaceProposals resolves every proposal of a space for the onchain channel.
// Pending batches are matched to proposals by object id.
func (r *Resolver) SpaceProposals(space credentials.Space, proposals []credentials.Proposal, templates []credentials.CredentialTemplate, issued []credentials.IssuedCredential, pending []credentials.PendingBatch) []credentials.IssuableCredential {
	if !space.UseOnchainCredentials {
		return nil
	}
	byObject := groupIssued(issued)
	var out []credentials.IssuableCredential
	for _, p := range proposals {
		out = append(out, r.Proposal(ProposalInput{
			Space:     space,
			Proposal:  p,
			Templates: templates,
			Issued:    byObject[p.ID],
			Pending:   credentials.PendingEntriesFor(pending, p.ID),
			Channel:   Onchain,
		})...)
	}
	return out
}

func groupIssued(issued []credentials.IssuedCredential) map[string][]credentials.IssuedCredential {
	out := make(map[string][]credentials.IssuedCredential)
	for _, c := range issued {
		out[c.ObjectID()] = append(out[c.ObjectID()], c)
	}
	return out
}
