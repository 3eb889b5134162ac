// Package events consumes credential lifecycle events from a Redis stream
// and hands them to the issuance pipeline.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/issuance"
)

// ErrMalformed marks a job that can never succeed. Such jobs are acked and
// dropped.
var ErrMalformed = errors.New("malformed job")

type Kind string

const (
	KindProposal Kind = "proposal"
	KindReward   Kind = "reward"
)

// Job is one lifecycle event. Exactly one of Proposal and Reward is set,
// matching Kind.
type Job struct {
	Kind          Kind                        `json:"kind"`
	Event         credentials.CredentialEvent `json:"event,omitempty"`
	Space         credentials.Space           `json:"space"`
	Proposal      *credentials.Proposal       `json:"proposal,omitempty"`
	Reward        *credentials.Reward         `json:"reward,omitempty"`
	ApplicationID string                      `json:"applicationId,omitempty"`
}

const jobSchemaURL = "https://credentials.charmverse.io/schemas/job.schema.json"

const jobSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "space"],
  "properties": {
    "kind": {"enum": ["proposal", "reward"]},
    "event": {"enum": ["proposal_created", "proposal_approved", "reward_submission_approved"]},
    "space": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 1}}
    },
    "proposal": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 1}}
    },
    "reward": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 1}}
    },
    "applicationId": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "proposal"}}},
      "then": {
        "required": ["proposal", "event"],
        "properties": {"event": {"enum": ["proposal_created", "proposal_approved"]}}
      }
    },
    {
      "if": {"properties": {"kind": {"const": "reward"}}},
      "then": {
        "required": ["reward"],
        "properties": {"event": {"const": "reward_submission_approved"}}
      }
    }
  ]
}`

var compiledJobSchema = mustCompile(jobSchemaURL, jobSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("job schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("job schema compile failed: %v", err))
	}
	return compiled
}

// ParseJob validates data against the job schema and decodes it.
func ParseJob(data []byte) (Job, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiledJobSchema.Validate(raw); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return job, nil
}

// Handler issues credentials for lifecycle events. *issuance.Pipeline
// satisfies it.
type Handler interface {
	IssueProposalCredentials(ctx context.Context, space credentials.Space, proposal credentials.Proposal, events ...credentials.CredentialEvent) (issuance.Report, error)
	IssueRewardCredentials(ctx context.Context, space credentials.Space, reward credentials.Reward, applicationID string) (issuance.Report, error)
}

// Dispatch runs job against h. Validation errors from the pipeline are
// reported as ErrMalformed; anything else is transient.
func Dispatch(ctx context.Context, h Handler, job Job) (issuance.Report, error) {
	var (
		report issuance.Report
		err    error
	)
	switch job.Kind {
	case KindProposal:
		if job.Proposal == nil {
			return report, fmt.Errorf("%w: proposal missing", ErrMalformed)
		}
		report, err = h.IssueProposalCredentials(ctx, job.Space, *job.Proposal, job.Event)
	case KindReward:
		if job.Reward == nil {
			return report, fmt.Errorf("%w: reward missing", ErrMalformed)
		}
		report, err = h.IssueRewardCredentials(ctx, job.Space, *job.Reward, job.ApplicationID)
	default:
		return report, fmt.Errorf("%w: unknown kind %q", ErrMalformed, job.Kind)
	}
	if err != nil && credentials.IsValidation(err) {
		return report, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return report, err
}
