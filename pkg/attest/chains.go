// Package attest renders credential payloads, encodes them for EAS schemas
// and signs offchain attestations.
package attest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// Chain describes an EAS deployment credentials can be attested on.
type Chain struct {
	ID             int64  `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	RPCURL         string `yaml:"rpcUrl" json:"rpcUrl"`
	SafeServiceURL string `yaml:"safeServiceUrl" json:"safeServiceUrl"`
	EASAddress     string `yaml:"easAddress" json:"easAddress"`
	EASVersion     string `yaml:"easVersion" json:"easVersion"`
	SchemaResolver string `yaml:"schemaResolver" json:"schemaResolver"`
	// Schemas overrides computed schema UIDs per credential type.
	Schemas map[credentials.CredentialType]string `yaml:"schemas" json:"schemas,omitempty"`
}

// EAS returns the attestation contract address.
func (c Chain) EAS() common.Address { return common.HexToAddress(c.EASAddress) }

// SchemaUID returns the registered schema id for t on this chain.
func (c Chain) SchemaUID(t credentials.CredentialType) (common.Hash, error) {
	if id, ok := c.Schemas[t]; ok && id != "" {
		return common.HexToHash(id), nil
	}
	def, err := SchemaDefinition(t)
	if err != nil {
		return common.Hash{}, err
	}
	return SchemaUID(def, common.HexToAddress(c.SchemaResolver), true), nil
}

const predeployEAS = "0x4200000000000000000000000000000000000021"

// DefaultChains are the EAS deployments supported out of the box.
func DefaultChains() []Chain {
	return []Chain{
		{ID: 10, Name: "optimism", RPCURL: "https://mainnet.optimism.io", SafeServiceURL: "https://safe-transaction-optimism.safe.global", EASAddress: predeployEAS, EASVersion: "1.0.1"},
		{ID: 8453, Name: "base", RPCURL: "https://mainnet.base.org", SafeServiceURL: "https://safe-transaction-base.safe.global", EASAddress: predeployEAS, EASVersion: "1.0.1"},
		{ID: 11155420, Name: "optimism-sepolia", RPCURL: "https://sepolia.optimism.io", SafeServiceURL: "https://safe-transaction-optimism-sepolia.safe.global", EASAddress: predeployEAS, EASVersion: "1.0.1"},
		{ID: 11155111, Name: "sepolia", RPCURL: "https://rpc.sepolia.org", SafeServiceURL: "https://safe-transaction-sepolia.safe.global", EASAddress: "0xC2679fBD37d54388Ce493F1DB75320D236e1815e", EASVersion: "0.26"},
	}
}

// Registry resolves chain ids to deployments.
type Registry struct {
	chains map[int64]Chain
}

func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[int64]Chain, len(chains))}
	for _, c := range chains {
		r.chains[c.ID] = c
	}
	return r
}

// Get returns the chain or a validation error wrapping ErrUnsupportedChain.
func (r *Registry) Get(id int64) (Chain, error) {
	if r != nil {
		if c, ok := r.chains[id]; ok {
			return c, nil
		}
	}
	return Chain{}, credentials.Invalid("chainId", fmt.Errorf("%w: %d", credentials.ErrUnsupportedChain, id))
}

// ByName looks a chain up by its configured name.
func (r *Registry) ByName(name string) (Chain, bool) {
	for _, c := range r.chains {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Chain{}, false
}

func (r *Registry) IDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ValidateAddress checks addr is a hex encoded account address.
func ValidateAddress(field, addr string) (common.Address, error) {
	if !common.IsHexAddress(addr) {
		return common.Address{}, credentials.Invalid(field, fmt.Errorf("%w: %q", credentials.ErrInvalidAddress, addr))
	}
	return common.HexToAddress(addr), nil
}
