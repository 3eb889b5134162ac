package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fixtures shared with the chain_test package.
var (
	SafeServer  = safeServer
	AttestedLog = attestedLog
	TestChain   = testChain
)

const (
	KnownSafeTx = knownSafeTx
	SafeAddr    = safeAddr
)

// NewFakeBackend serves receipt for the executed test transaction and the
// given attestations by uid.
func NewFakeBackend(receipt *types.Receipt, atts map[common.Hash]Attestation) ContractBackend {
	return &fakeBackend{receipt: receipt, attestations: atts}
}
