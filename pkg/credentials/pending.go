package credentials

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BatchContent is the per-object content of a pending batch. It is either a
// ProposalBatch or a RewardBatch.
type BatchContent interface {
	CredentialType() CredentialType
	Groups() map[string][]IssuableCredential
	isBatchContent()
}

// ProposalBatch groups pending entries by proposal id.
type ProposalBatch map[string][]IssuableCredential

// RewardBatch groups pending entries by reward application id.
type RewardBatch map[string][]IssuableCredential

func (ProposalBatch) CredentialType() CredentialType            { return TypeProposal }
func (b ProposalBatch) Groups() map[string][]IssuableCredential { return b }
func (ProposalBatch) isBatchContent()                           {}

func (RewardBatch) CredentialType() CredentialType            { return TypeReward }
func (b RewardBatch) Groups() map[string][]IssuableCredential { return b }
func (RewardBatch) isBatchContent()                           {}

// NewBatchContent wraps groups in the variant for t.
func NewBatchContent(t CredentialType, groups map[string][]IssuableCredential) (BatchContent, error) {
	if groups == nil {
		groups = map[string][]IssuableCredential{}
	}
	switch t {
	case TypeProposal:
		return ProposalBatch(groups), nil
	case TypeReward:
		return RewardBatch(groups), nil
	}
	return nil, Invalid("credentialType", ErrInvalidCredentialType)
}

// GroupByObject builds batch content from a flat list of entries.
func GroupByObject(t CredentialType, entries []IssuableCredential) (BatchContent, error) {
	groups := make(map[string][]IssuableCredential)
	for _, e := range entries {
		if e.ObjectID == "" {
			return nil, Invalid("objectId", ErrInvalidObjectRef)
		}
		if e.Type != "" && e.Type != t {
			return nil, Invalid("credentialType", fmt.Errorf("%w: entry %s is %s", ErrInvalidCredentialType, e.ObjectID, e.Type))
		}
		e.Type = t
		groups[e.ObjectID] = append(groups[e.ObjectID], e)
	}
	return NewBatchContent(t, groups)
}

// ObjectIDs returns the sorted ids of groups that still hold entries.
func ObjectIDs(c BatchContent) []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Groups()))
	for id, entries := range c.Groups() {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CountEntries returns the number of entries across all groups.
func CountEntries(c BatchContent) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, entries := range c.Groups() {
		n += len(entries)
	}
	return n
}

// Narrow returns content of the same variant without the entries for which
// done reports true. Groups left empty are dropped. c is not modified.
func Narrow(c BatchContent, done func(Identity) bool) BatchContent {
	out := make(map[string][]IssuableCredential)
	for id, entries := range c.Groups() {
		var keep []IssuableCredential
		for _, e := range entries {
			if !done(e.Identity()) {
				keep = append(keep, e)
			}
		}
		if len(keep) > 0 {
			out[id] = keep
		}
	}
	narrowed, _ := NewBatchContent(c.CredentialType(), out)
	return narrowed
}

// PendingBatch is a submitted but unconfirmed multi-attestation transaction.
type PendingBatch struct {
	TxHash      string
	ChainID     int64
	SafeAddress string
	SpaceID     string
	SchemaID    string
	Content     BatchContent
	Processed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b PendingBatch) Type() CredentialType {
	if b.Content == nil {
		return ""
	}
	return b.Content.CredentialType()
}

// ProposalIDs is derived from the content keys of a proposal batch.
func (b PendingBatch) ProposalIDs() []string {
	if _, ok := b.Content.(ProposalBatch); ok {
		return ObjectIDs(b.Content)
	}
	return []string{}
}

// RewardIDs is derived from the content keys of a reward batch.
func (b PendingBatch) RewardIDs() []string {
	if _, ok := b.Content.(RewardBatch); ok {
		return ObjectIDs(b.Content)
	}
	return []string{}
}

// Entries returns the pending entries for one object.
func (b PendingBatch) Entries(objectID string) []IssuableCredential {
	if b.Content == nil {
		return nil
	}
	return b.Content.Groups()[objectID]
}

// pendingBatchJSON is the wire form used by the API and CLI.
type pendingBatchJSON struct {
	TxHash         string                          `json:"txHash"`
	ChainID        int64                           `json:"chainId"`
	SafeAddress    string                          `json:"safeAddress"`
	SpaceID        string                          `json:"spaceId"`
	SchemaID       string                          `json:"schemaId"`
	CredentialType CredentialType                  `json:"credentialType"`
	ProposalIDs    []string                        `json:"proposalIds"`
	RewardIDs      []string                        `json:"rewardIds"`
	Content        map[string][]IssuableCredential `json:"credentialContent"`
	Processed      bool                            `json:"processed"`
	CreatedAt      time.Time                       `json:"createdAt"`
	UpdatedAt      time.Time                       `json:"updatedAt"`
}

func (b PendingBatch) MarshalJSON() ([]byte, error) {
	var groups map[string][]IssuableCredential
	if b.Content != nil {
		groups = b.Content.Groups()
	}
	return json.Marshal(pendingBatchJSON{
		TxHash:         b.TxHash,
		ChainID:        b.ChainID,
		SafeAddress:    b.SafeAddress,
		SpaceID:        b.SpaceID,
		SchemaID:       b.SchemaID,
		CredentialType: b.Type(),
		ProposalIDs:    b.ProposalIDs(),
		RewardIDs:      b.RewardIDs(),
		Content:        groups,
		Processed:      b.Processed,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	})
}

func (b *PendingBatch) UnmarshalJSON(data []byte) error {
	var raw pendingBatchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := NewBatchContent(raw.CredentialType, raw.Content)
	if err != nil {
		return err
	}
	*b = PendingBatch{
		TxHash:      raw.TxHash,
		ChainID:     raw.ChainID,
		SafeAddress: raw.SafeAddress,
		SpaceID:     raw.SpaceID,
		SchemaID:    raw.SchemaID,
		Content:     content,
		Processed:   raw.Processed,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return nil
}

// PendingFilter narrows pending batch lookups. Zero fields match all.
type PendingFilter struct {
	TxHash    string
	SpaceID   string
	ChainID   int64
	Type      CredentialType
	ObjectIDs []string
}

// PendingEntriesFor collects the entries pending for objectID across batches.
func PendingEntriesFor(batches []PendingBatch, objectID string) []IssuableCredential {
	var out []IssuableCredential
	for _, b := range batches {
		out = append(out, b.Entries(objectID)...)
	}
	return out
}

// PendingMatches reports whether entries already cover the object, template,
// event and recipient address. Addresses compare case-insensitively.
func PendingMatches(entries []IssuableCredential, objectID, templateID string, event CredentialEvent, address string) bool {
	for _, e := range entries {
		if e.ObjectID != objectID {
			continue
		}
		if e.CredentialTemplateID == templateID && e.Event == event && strings.EqualFold(e.RecipientAddress, address) {
			return true
		}
	}
	return false
}
