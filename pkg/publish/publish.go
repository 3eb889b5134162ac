// Package publish stores signed offchain credentials in a content-addressed
// blob store. Record ids are "sha256:<hex>" of the canonical JSON document.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
)

const recordPrefix = "sha256:"

// ErrNotFound is returned when a record is absent from the backend.
var ErrNotFound = errors.New("record not found")

// Backend is a key/value blob store. Put must be idempotent for equal data.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Publisher writes signed credentials to a Backend.
type Publisher struct {
	backend Backend
}

func NewPublisher(b Backend) *Publisher {
	return &Publisher{backend: b}
}

// Publish stores sc and returns its record id with the stored document.
// Publishing the same credential twice yields the same id and one blob.
func (p *Publisher) Publish(ctx context.Context, sc *attest.SignedCredential) (string, []byte, error) {
	doc, err := attest.CanonicalJSON(sc)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize credential: %w", err)
	}
	sum := sha256.Sum256(doc)
	hexSum := hex.EncodeToString(sum[:])

	key := objectKey(hexSum)
	exists, err := p.backend.Exists(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("check %s: %w", key, err)
	}
	if !exists {
		if err := p.backend.Put(ctx, key, doc); err != nil {
			return "", nil, fmt.Errorf("put %s: %w", key, err)
		}
	}
	return recordPrefix + hexSum, doc, nil
}

// Fetch loads a published credential by record id.
func (p *Publisher) Fetch(ctx context.Context, recordID string) (*attest.SignedCredential, error) {
	hexSum, err := parseRecordID(recordID)
	if err != nil {
		return nil, err
	}
	data, err := p.backend.Get(ctx, objectKey(hexSum))
	if err != nil {
		return nil, err
	}
	var sc attest.SignedCredential
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", recordID, err)
	}
	return &sc, nil
}

func objectKey(hexSum string) string {
	return "credentials/" + hexSum + ".json"
}

func parseRecordID(recordID string) (string, error) {
	if !strings.HasPrefix(recordID, recordPrefix) {
		return "", fmt.Errorf("invalid record id format: %s", recordID)
	}
	raw := recordID[len(recordPrefix):]
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid record id hex: %s", recordID)
	}
	return raw, nil
}
