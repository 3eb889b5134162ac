package eligibility

import (
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// RewardInput is everything needed to resolve one reward.
type RewardInput struct {
	Space     credentials.Space
	Reward    credentials.Reward
	Templates []credentials.CredentialTemplate
	Issued    []credentials.IssuedCredential
	// Pending holds entries of unconfirmed batches for the reward's applications.
	Pending []credentials.IssuableCredential
	// ApplicationID restricts resolution to one submission when set.
	ApplicationID string
	Channel       Channel
}

// Reward returns the credentials missing for the approved applications of
// in.Reward. Objects are keyed by application id.
func (r *Resolver) Reward(in RewardInput) []credentials.IssuableCredential {
	rw := in.Reward
	log := r.logger.With("reward_id", rw.ID, "space_id", rw.SpaceID, "channel", in.Channel.String())

	if in.Channel == Onchain && !in.Space.UseOnchainCredentials {
		return nil
	}
	if len(rw.SelectedCredentialTemplates) == 0 {
		return nil
	}

	templates := selectTemplates(rw.SelectedCredentialTemplates, in.Templates, credentials.TypeReward)
	issued := credentials.NewIssuedIndex(in.Issued)
	event := credentials.EventRewardSubmissionApproved

	var out []credentials.IssuableCredential
	for _, app := range rw.Applications {
		if in.ApplicationID != "" && app.ID != in.ApplicationID {
			continue
		}
		if !r.rewardPolicy.Eligible(app.Status) {
			log.Debug("application status not approved", "application_id", app.ID, "status", app.Status)
			continue
		}
		address := app.Applicant.WalletAddress()
		if address == "" {
			log.Warn("applicant has no wallet, skipping credential", "application_id", app.ID, "user_id", app.Applicant.ID)
			continue
		}
		for _, tpl := range templates {
			if !tpl.Authorizes(event) {
				continue
			}
			id := credentials.Identity{TemplateID: tpl.ID, UserID: app.Applicant.ID, Event: event, ObjectID: app.ID}
			if blocked(in.Channel, issued, in.Pending, id, address) {
				continue
			}
			c := credentials.IssuableCredential{
				RecipientUserID:      app.Applicant.ID,
				RecipientAddress:     address,
				CredentialTemplateID: tpl.ID,
				Type:                 credentials.TypeReward,
				ObjectID:             app.ID,
				Event:                event,
			}
			if r.render != nil {
				c.Payload = r.render.RenderReward(in.Space, tpl, event, rw, app)
			}
			out = append(out, c)
		}
	}
	return out
}

// SpaceRewards resolves every reward of a space for the onchain channel.
func (r *Resolver) SpaceRewards(space credentials.Space, rewards []credentials.Reward, templates []credentials.CredentialTemplate, issued []credentials.IssuedCredential, pending []credentials.PendingBatch) []credentials.IssuableCredential {
	if !space.UseOnchainCredentials {
		return nil
	}
	byObject := groupIssued(issued)
	var out []credentials.IssuableCredential
	for _, rw := range rewards {
		var rowIssued []credentials.IssuedCredential
		var rowPending []credentials.IssuableCredential
		for _, app := range rw.Applications {
			rowIssued = append(rowIssued, byObject[app.ID]...)
			rowPending = append(rowPending, credentials.PendingEntriesFor(pending, app.ID)...)
		}
		out = append(out, r.Reward(RewardInput{
			Space:     space,
			Reward:    rw,
			Templates: templates,
			Issued:    rowIssued,
			Pending:   rowPending,
			Channel:   Onchain,
		})...)
	}
	return out
}
