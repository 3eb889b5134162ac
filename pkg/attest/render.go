package attest

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Feature names used for label lookup.
const (
	FeatureProposals = "proposals"
	FeatureRewards   = "rewards"
)

var defaultFeatureTitles = map[string]string{
	FeatureProposals: "Proposal",
	FeatureRewards:   "Reward",
}

// LabelFunc maps a feature to the title a space displays for it.
type LabelFunc func(space credentials.Space, feature string) string

// FeatureLabel uses the space's custom feature title when present.
func FeatureLabel(space credentials.Space, feature string) string {
	if title := strings.TrimSpace(space.FeatureTitles[feature]); title != "" {
		return cases.Title(language.English, cases.NoLower).String(title)
	}
	return defaultFeatureTitles[feature]
}

// EventLabel renders the human readable event name, e.g. "Proposal Approved".
func EventLabel(space credentials.Space, label LabelFunc, event credentials.CredentialEvent) string {
	if label == nil {
		label = FeatureLabel
	}
	switch event {
	case credentials.EventProposalCreated:
		return label(space, FeatureProposals) + " Created"
	case credentials.EventProposalApproved:
		return label(space, FeatureProposals) + " Approved"
	case credentials.EventRewardSubmissionApproved:
		return label(space, FeatureRewards) + " Submission Approved"
	}
	return string(event)
}

// Renderer builds credential payloads from templates and domain objects.
type Renderer struct {
	BaseURL string
	Label   LabelFunc
}

func NewRenderer(baseURL string, label LabelFunc) *Renderer {
	if label == nil {
		label = FeatureLabel
	}
	return &Renderer{BaseURL: strings.TrimRight(baseURL, "/"), Label: label}
}

func (r *Renderer) RenderProposal(space credentials.Space, tpl credentials.CredentialTemplate, event credentials.CredentialEvent, p credentials.Proposal) credentials.Payload {
	path := p.PagePath
	if path == "" {
		path = p.PageID
	}
	return credentials.Payload{
		Name:         tpl.Name,
		Description:  tpl.Description,
		Organization: organization(space, tpl),
		Event:        EventLabel(space, r.Label, event),
		URL:          r.permalink(space, path),
	}
}

func (r *Renderer) RenderReward(space credentials.Space, tpl credentials.CredentialTemplate, event credentials.CredentialEvent, _ credentials.Reward, app credentials.Application) credentials.Payload {
	return credentials.Payload{
		Name:         tpl.Name,
		Description:  tpl.Description,
		Organization: organization(space, tpl),
		Event:        EventLabel(space, r.Label, event),
		URL:          r.permalink(space, "rewards/applications/"+app.ID),
	}
}

func (r *Renderer) permalink(space credentials.Space, path string) string {
	parts := []string{r.BaseURL}
	if space.Domain != "" {
		parts = append(parts, space.Domain)
	}
	parts = append(parts, strings.TrimLeft(path, "/"))
	return strings.Join(parts, "/")
}

func organization(space credentials.Space, tpl credentials.CredentialTemplate) string {
	if tpl.Organization != "" {
		return tpl.Organization
	}
	return space.Name
}
