// Package chain talks to EVM ledgers: the Safe Transaction Service for
// batch proposals and the EAS contract for onchain attestations.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

var (
	ErrAttestationNotFound = errors.New("attestation not found")
	ErrReceiptNotFound     = errors.New("transaction receipt not found")
	ErrNoNetwork           = errors.New("no network configured for chain")

	errNotFound = errors.New("safe service: not found")
)

// Doer executes HTTP requests. resiliency.EnhancedClient satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SafeTransaction is a multisig transaction as reported by the Safe
// Transaction Service.
type SafeTransaction struct {
	Safe            string  `json:"safe"`
	To              string  `json:"to"`
	Data            string  `json:"data"`
	Nonce           flexInt `json:"nonce"`
	SafeTxHash      string  `json:"safeTxHash"`
	IsExecuted      bool    `json:"isExecuted"`
	IsSuccessful    *bool   `json:"isSuccessful"`
	TransactionHash string  `json:"transactionHash"`
}

// SafeProposal is the body of a multisig transaction proposal.
type SafeProposal struct {
	To                      string `json:"to"`
	Value                   string `json:"value"`
	Data                    string `json:"data"`
	Operation               uint8  `json:"operation"`
	SafeTxGas               string `json:"safeTxGas"`
	BaseGas                 string `json:"baseGas"`
	GasPrice                string `json:"gasPrice"`
	GasToken                string `json:"gasToken"`
	RefundReceiver          string `json:"refundReceiver"`
	Nonce                   uint64 `json:"nonce"`
	ContractTransactionHash string `json:"contractTransactionHash"`
	Sender                  string `json:"sender"`
	Signature               string `json:"signature"`
	Origin                  string `json:"origin,omitempty"`
}

// flexInt accepts both JSON numbers and numeric strings.
type flexInt uint64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse nonce %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

// SafeClient is a client for one network's Safe Transaction Service.
type SafeClient struct {
	baseURL string
	http    Doer
}

func NewSafeClient(baseURL string, doer Doer) *SafeClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &SafeClient{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

// GetTransaction looks up a multisig transaction by its Safe tx hash. A
// transaction the service does not know returns credentials.ErrTransactionNotFound.
func (c *SafeClient) GetTransaction(ctx context.Context, safeTxHash string) (*SafeTransaction, error) {
	var tx SafeTransaction
	err := c.getJSON(ctx, "/api/v1/multisig-transactions/"+url.PathEscape(safeTxHash)+"/", &tx)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("safe tx %s: %w", safeTxHash, credentials.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Nonce returns the Safe's current nonce: the nonce of the next
// transaction it will execute.
func (c *SafeClient) Nonce(ctx context.Context, safe common.Address) (uint64, error) {
	var info struct {
		Nonce flexInt `json:"nonce"`
	}
	if err := c.getJSON(ctx, "/api/v1/safes/"+safe.Hex()+"/", &info); err != nil {
		return 0, fmt.Errorf("safe info: %w", err)
	}
	return uint64(info.Nonce), nil
}

// NextNonce returns the nonce for a new proposal: one past the highest
// queued transaction, or the Safe's current nonce when none is queued.
func (c *SafeClient) NextNonce(ctx context.Context, safe common.Address) (uint64, error) {
	next, err := c.Nonce(ctx, safe)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("executed", "false")
	q.Set("nonce__gte", strconv.FormatUint(next, 10))
	q.Set("ordering", "-nonce")
	q.Set("limit", "1")
	var queued struct {
		Results []SafeTransaction `json:"results"`
	}
	if err := c.getJSON(ctx, "/api/v1/safes/"+safe.Hex()+"/multisig-transactions/?"+q.Encode(), &queued); err != nil {
		return 0, fmt.Errorf("queued transactions: %w", err)
	}
	if len(queued.Results) > 0 && uint64(queued.Results[0].Nonce) >= next {
		next = uint64(queued.Results[0].Nonce) + 1
	}
	return next, nil
}

// Propose submits a signed multisig transaction proposal.
func (c *SafeClient) Propose(ctx context.Context, safe common.Address, p SafeProposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/api/v1/safes/" + safe.Hex() + "/multisig-transactions/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("propose safe transaction: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("propose safe transaction: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *SafeClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("safe service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("safe service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode safe response: %w", err)
	}
	return nil
}

// bytesHex renders calldata the way the Safe service expects.
func bytesHex(b []byte) string { return hexutil.Encode(b) }
