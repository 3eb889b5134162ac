package credentials

import (
	"sort"
	"strings"
)

// User is a proposal author or reward applicant.
type User struct {
	ID            string   `json:"id"`
	PrimaryWallet string   `json:"primaryWallet,omitempty"`
	Wallets       []string `json:"wallets,omitempty"`
}

// WalletAddress returns the primary wallet, else the first linked wallet,
// else "".
func (u User) WalletAddress() string {
	if addr := strings.TrimSpace(u.PrimaryWallet); addr != "" {
		return addr
	}
	for _, w := range u.Wallets {
		if addr := strings.TrimSpace(w); addr != "" {
			return addr
		}
	}
	return ""
}

// Space carries the settings issuance depends on.
type Space struct {
	ID                    string            `json:"id"`
	Name                  string            `json:"name"`
	Domain                string            `json:"domain"`
	UseOnchainCredentials bool              `json:"useOnchainCredentials"`
	FeatureTitles         map[string]string `json:"featureTitles,omitempty"`
}

type ProposalStatus string

const (
	ProposalDraft     ProposalStatus = "draft"
	ProposalPublished ProposalStatus = "published"
)

type EvaluationResult string

const (
	ResultNone EvaluationResult = ""
	ResultPass EvaluationResult = "pass"
	ResultFail EvaluationResult = "fail"
)

// Evaluation is one step of a proposal's review sequence.
type Evaluation struct {
	ID     string           `json:"id"`
	Index  int              `json:"index"`
	Result EvaluationResult `json:"result,omitempty"`
}

// Evaluations is an evaluation sequence. Order is by Index.
type Evaluations []Evaluation

// Ordered returns a copy sorted by Index.
func (es Evaluations) Ordered() Evaluations {
	out := make(Evaluations, len(es))
	copy(out, es)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Current returns the first step without a result, or nil when every step
// has one.
func (es Evaluations) Current() *Evaluation {
	for _, e := range es.Ordered() {
		if e.Result == ResultNone {
			e := e
			return &e
		}
	}
	return nil
}

// Final returns the step with the highest index, or nil for an empty sequence.
func (es Evaluations) Final() *Evaluation {
	ordered := es.Ordered()
	if len(ordered) == 0 {
		return nil
	}
	last := ordered[len(ordered)-1]
	return &last
}

// Passed reports whether the sequence completed and its final step passed.
func (es Evaluations) Passed() bool {
	if es.Current() != nil {
		return false
	}
	final := es.Final()
	return final != nil && final.Result == ResultPass
}

// Proposal is the read-only view of a proposal used for issuance.
type Proposal struct {
	ID                          string         `json:"id"`
	SpaceID                     string         `json:"spaceId"`
	PageID                      string         `json:"pageId"`
	PagePath                    string         `json:"pagePath"`
	Title                       string         `json:"title"`
	Status                      ProposalStatus `json:"status"`
	IsTemplate                  bool           `json:"isTemplate"`
	Evaluations                 Evaluations    `json:"evaluations"`
	SelectedCredentialTemplates []string       `json:"selectedCredentialTemplates"`
	Authors                     []User         `json:"authors"`
}

// Application is a reward submission.
type Application struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Applicant User   `json:"applicant"`
}

// Reward is the read-only view of a reward used for issuance.
type Reward struct {
	ID                          string        `json:"id"`
	SpaceID                     string        `json:"spaceId"`
	PageID                      string        `json:"pageId"`
	Title                       string        `json:"title"`
	SelectedCredentialTemplates []string      `json:"selectedCredentialTemplates"`
	Applications                []Application `json:"applications"`
}
