package issuance

import (
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Outcome is the result of one credential in an issuance run.
type Outcome string

const (
	OutcomeIssued  Outcome = "issued"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Result records what happened to one credential.
type Result struct {
	Credential credentials.IssuableCredential `json:"credential"`
	Outcome    Outcome                        `json:"outcome"`
	Issued     *credentials.IssuedCredential  `json:"issued,omitempty"`
	Reason     string                         `json:"reason,omitempty"`
}

// Report enumerates per-credential outcomes. Results keep the input order.
type Report struct {
	Results []Result `json:"results"`
	// TxHash is set when credentials were submitted in a batch.
	TxHash string `json:"txHash,omitempty"`
}

func (r Report) count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r Report) Issued() int  { return r.count(OutcomeIssued) }
func (r Report) Pending() int { return r.count(OutcomePending) }
func (r Report) Failed() int  { return r.count(OutcomeFailed) }

// Failures returns the failed results.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Merge appends other's results. A batch hash from other wins when set.
func (r *Report) Merge(other Report) {
	r.Results = append(r.Results, other.Results...)
	if other.TxHash != "" {
		r.TxHash = other.TxHash
	}
}
