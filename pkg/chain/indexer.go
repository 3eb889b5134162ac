package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Indexer maps the attestations a confirmed batch produced back to the
// identities of its pending entries.
type Indexer struct {
	networks *Networks
	encoder  attest.Encoder
	logger   *slog.Logger
}

func NewIndexer(networks *Networks, encoder attest.Encoder) *Indexer {
	if encoder == nil {
		encoder = attest.ABIEncoder{}
	}
	return &Indexer{
		networks: networks,
		encoder:  encoder,
		logger:   slog.Default().With("component", "indexer"),
	}
}

// Index returns issued credentials for the attestations emitted by the
// executed transaction in status. An unconfirmed status yields nothing and
// costs no RPC call.
func (ix *Indexer) Index(ctx context.Context, batch credentials.PendingBatch, status TxStatus) ([]credentials.IssuedCredential, error) {
	if !status.Confirmed || status.TransactionHash == "" {
		return nil, nil
	}
	net, err := ix.networks.Get(batch.ChainID)
	if err != nil {
		return nil, err
	}
	if net.EAS == nil {
		return nil, fmt.Errorf("chain %d: no rpc configured", batch.ChainID)
	}

	events, err := net.EAS.AttestedInTx(ctx, common.HexToHash(status.TransactionHash))
	if err != nil {
		return nil, err
	}

	var schema common.Hash
	if batch.SchemaID != "" {
		schema = common.HexToHash(batch.SchemaID)
	}

	var onchain []onchainAttestation
	for _, ev := range events {
		if schema != (common.Hash{}) && ev.Schema != schema {
			continue
		}
		att, err := net.EAS.GetAttestation(ctx, ev.UID)
		if err != nil {
			return nil, err
		}
		payload, err := ix.encoder.Decode(batch.Type(), att.Data)
		if err != nil {
			ix.logger.WarnContext(ctx, "undecodable attestation skipped",
				"uid", ev.UID.Hex(), "tx_hash", batch.TxHash, "error", err)
			continue
		}
		onchain = append(onchain, onchainAttestation{uid: ev.UID, recipient: att.Recipient, payload: payload})
	}

	m := newMatcher(batch)
	var out []credentials.IssuedCredential
	for i, entry := range m.match(onchain) {
		a := onchain[i]
		if entry == nil {
			ix.logger.DebugContext(ctx, "attestation matches no pending entry",
				"uid", a.uid.Hex(), "recipient", a.recipient.Hex())
			continue
		}
		ic := credentials.NewIssuedCredential(*entry)
		ic.ChainID = batch.ChainID
		ic.OnchainAttestationID = a.uid.Hex()
		out = append(out, ic)
	}
	return out, nil
}

type onchainAttestation struct {
	uid       common.Hash
	recipient common.Address
	payload   credentials.Payload
}

// matchTier is one pass of the matcher, strictest first.
type matchTier int

const (
	// tierExact: same recipient and identical payload.
	tierExact matchTier = iota
	// tierEvent: same recipient, event label and link. Survives template
	// text edits made between submission and indexing.
	tierEvent
	// tierRecipient: the entry carries no payload and is the recipient's
	// only unclaimed one.
	tierRecipient
)

// matcher pairs attestations with pending entries. Each entry is claimed
// at most once.
type matcher struct {
	entries []credentials.IssuableCredential
	used    []bool
}

func newMatcher(b credentials.PendingBatch) *matcher {
	m := &matcher{}
	for _, id := range credentials.ObjectIDs(b.Content) {
		for _, e := range b.Entries(id) {
			e.Type = b.Type()
			m.entries = append(m.entries, e)
		}
	}
	m.used = make([]bool, len(m.entries))
	return m
}

// match returns, per attestation, the entry it settles or nil. Every
// attestation gets an exact pass before any looser one runs, and a loose
// tier only claims an entry when exactly one candidate is left.
func (m *matcher) match(atts []onchainAttestation) []*credentials.IssuableCredential {
	out := make([]*credentials.IssuableCredential, len(atts))
	for _, tier := range []matchTier{tierExact, tierEvent, tierRecipient} {
		for i, a := range atts {
			if out[i] != nil {
				continue
			}
			if idx := m.find(a, tier); idx >= 0 {
				m.used[idx] = true
				e := m.entries[idx]
				out[i] = &e
			}
		}
	}
	return out
}

func (m *matcher) find(a onchainAttestation, tier matchTier) int {
	found := -1
	for i, e := range m.entries {
		if m.used[i] || !strings.EqualFold(e.RecipientAddress, a.recipient.Hex()) {
			continue
		}
		switch tier {
		case tierExact:
			if e.Payload == a.payload {
				return i
			}
			continue
		case tierEvent:
			if e.Payload.URL == "" || e.Payload.URL != a.payload.URL || e.Payload.Event != a.payload.Event {
				continue
			}
		case tierRecipient:
			if e.Payload != (credentials.Payload{}) {
				continue
			}
		}
		if found >= 0 {
			return -1
		}
		found = i
	}
	return found
}
