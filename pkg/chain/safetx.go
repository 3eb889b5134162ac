package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
)

var (
	safeDomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypeHash     = crypto.Keccak256Hash([]byte(
		"SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)",
	))
)

// SafeTx is a Safe multisig transaction. Gas fields are zero for proposals
// executed by an owner.
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// SafeTxHash is the EIP-712 hash owners sign for tx on safe.
func SafeTxHash(chainID int64, safe common.Address, tx SafeTx) (common.Hash, error) {
	domainEnc, err := attest.ABIEncode([]string{"bytes32", "uint256", "address"},
		safeDomainTypeHash, big.NewInt(chainID), safe)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode safe domain: %w", err)
	}
	domain := crypto.Keccak256Hash(domainEnc)

	structEnc, err := attest.ABIEncode(
		[]string{"bytes32", "address", "uint256", "bytes32", "uint8", "uint256", "uint256", "uint256", "address", "address", "uint256"},
		safeTxTypeHash,
		tx.To,
		orZero(tx.Value),
		crypto.Keccak256Hash(tx.Data),
		tx.Operation,
		orZero(tx.SafeTxGas),
		orZero(tx.BaseGas),
		orZero(tx.GasPrice),
		tx.GasToken,
		tx.RefundReceiver,
		new(big.Int).SetUint64(tx.Nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode safe tx: %w", err)
	}
	return attest.TypedDataHash(domain, crypto.Keccak256Hash(structEnc)), nil
}
