// Package credentials defines the credential domain: templates, lifecycle
// events, issuable and issued credentials, and pending batch transactions.
package credentials

import (
	"encoding/json"
	"strings"
	"time"
)

// CredentialEvent is a lifecycle event a template can authorize.
type CredentialEvent string

const (
	EventProposalCreated          CredentialEvent = "proposal_created"
	EventProposalApproved         CredentialEvent = "proposal_approved"
	EventRewardSubmissionApproved CredentialEvent = "reward_submission_approved"
)

// ProposalEvents lists proposal events in issuance order.
var ProposalEvents = []CredentialEvent{EventProposalCreated, EventProposalApproved}

// RewardEvents lists reward events. Rewards support a single event.
var RewardEvents = []CredentialEvent{EventRewardSubmissionApproved}

// Type returns the credential type the event belongs to, or "" when unknown.
func (e CredentialEvent) Type() CredentialType {
	switch e {
	case EventProposalCreated, EventProposalApproved:
		return TypeProposal
	case EventRewardSubmissionApproved:
		return TypeReward
	}
	return ""
}

func (e CredentialEvent) Valid() bool { return e.Type() != "" }

// CredentialType is the schema family of a credential.
type CredentialType string

const (
	TypeProposal CredentialType = "proposal"
	TypeReward   CredentialType = "reward"
)

func (t CredentialType) Valid() bool { return t == TypeProposal || t == TypeReward }

// ParseCredentialType validates s as a credential type.
func ParseCredentialType(s string) (CredentialType, error) {
	t := CredentialType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", Invalid("credentialType", ErrInvalidCredentialType)
	}
	return t, nil
}

// CredentialTemplate maps a space's template to the events it authorizes.
type CredentialTemplate struct {
	ID            string            `json:"id"`
	SpaceID       string            `json:"spaceId"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Organization  string            `json:"organization"`
	Events        []CredentialEvent `json:"credentialEvents"`
	SchemaType    CredentialType    `json:"schemaType"`
	SchemaAddress string            `json:"schemaAddress"`
	Archived      bool              `json:"archived"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Authorizes reports whether the template issues credentials for e.
func (t CredentialTemplate) Authorizes(e CredentialEvent) bool {
	for _, ev := range t.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// Payload holds the human-facing fields rendered into a credential.
// URL is the proposal permalink or the reward submission permalink.
type Payload struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Organization string `json:"organization"`
	Event        string `json:"event"`
	URL          string `json:"url"`
}

// IssuableCredential is a credential that should exist but does not yet.
type IssuableCredential struct {
	RecipientUserID      string          `json:"recipientUserId"`
	RecipientAddress     string          `json:"recipientAddress"`
	CredentialTemplateID string          `json:"credentialTemplateId"`
	Type                 CredentialType  `json:"credentialType"`
	ObjectID             string          `json:"objectId"`
	Event                CredentialEvent `json:"event"`
	Payload              Payload         `json:"payload"`
}

func (c IssuableCredential) Identity() Identity {
	return Identity{
		TemplateID: c.CredentialTemplateID,
		UserID:     c.RecipientUserID,
		Event:      c.Event,
		ObjectID:   c.ObjectID,
	}
}

// Identity is the uniqueness key of an issued credential.
type Identity struct {
	TemplateID string
	UserID     string
	Event      CredentialEvent
	ObjectID   string
}

// Key is the composite lookup key used during reconciliation.
func (i Identity) Key() string {
	return strings.Join([]string{string(i.Event), i.TemplateID, i.UserID, i.ObjectID}, "|")
}

// IssuedCredential is the persisted record of a credential. ProposalID and
// RewardApplicationID are mutually exclusive.
type IssuedCredential struct {
	ID                   string          `json:"id"`
	CredentialTemplateID string          `json:"credentialTemplateId"`
	UserID               string          `json:"userId"`
	Event                CredentialEvent `json:"credentialEvent"`
	ProposalID           string          `json:"proposalId,omitempty"`
	RewardApplicationID  string          `json:"rewardApplicationId,omitempty"`
	OffchainRecordID     string          `json:"offchainRecordId,omitempty"`
	OffchainPayload      json.RawMessage `json:"offchainPayload,omitempty"`
	ChainID              int64           `json:"chainId,omitempty"`
	OnchainAttestationID string          `json:"onchainAttestationId,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// NewIssuedCredential returns the identity-bearing row for c with no channel
// fields set.
func NewIssuedCredential(c IssuableCredential) IssuedCredential {
	ic := IssuedCredential{
		CredentialTemplateID: c.CredentialTemplateID,
		UserID:               c.RecipientUserID,
		Event:                c.Event,
	}
	if c.Type == TypeReward {
		ic.RewardApplicationID = c.ObjectID
	} else {
		ic.ProposalID = c.ObjectID
	}
	return ic
}

func (c IssuedCredential) ObjectID() string {
	if c.ProposalID != "" {
		return c.ProposalID
	}
	return c.RewardApplicationID
}

func (c IssuedCredential) Type() CredentialType {
	if c.RewardApplicationID != "" {
		return TypeReward
	}
	return TypeProposal
}

func (c IssuedCredential) Identity() Identity {
	return Identity{
		TemplateID: c.CredentialTemplateID,
		UserID:     c.UserID,
		Event:      c.Event,
		ObjectID:   c.ObjectID(),
	}
}

func (c IssuedCredential) HasOffchain() bool { return c.OffchainRecordID != "" }
func (c IssuedCredential) HasOnchain() bool  { return c.OnchainAttestationID != "" }

// Validate enforces the write-time invariants of an issued credential.
func (c IssuedCredential) Validate() error {
	if (c.ProposalID == "") == (c.RewardApplicationID == "") {
		return Invalid("objectId", ErrInvalidObjectRef)
	}
	if c.CredentialTemplateID == "" {
		return Invalid("credentialTemplateId", ErrMissingField)
	}
	if c.UserID == "" {
		return Invalid("userId", ErrMissingField)
	}
	if c.Event.Type() != c.Type() {
		return Invalid("credentialEvent", ErrInvalidEvent)
	}
	if c.OnchainAttestationID != "" && c.ChainID <= 0 {
		return Invalid("chainId", ErrUnsupportedChain)
	}
	return nil
}

// IssuedFilter narrows issued credential lookups. Empty fields match all.
type IssuedFilter struct {
	ProposalIDs          []string
	RewardApplicationIDs []string
	UserIDs              []string
	TemplateIDs          []string
}

// IssuedIndex answers per-channel completion for identities.
type IssuedIndex map[string]IssuedCredential

func NewIssuedIndex(issued []IssuedCredential) IssuedIndex {
	idx := make(IssuedIndex, len(issued))
	for _, c := range issued {
		idx[c.Identity().Key()] = c
	}
	return idx
}

func (idx IssuedIndex) Get(id Identity) (IssuedCredential, bool) {
	c, ok := idx[id.Key()]
	return c, ok
}
