package attest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var abiTypes = map[string]abi.Type{}

func init() {
	for _, t := range []string{"uint8", "uint16", "uint64", "uint256", "bytes32", "address", "bool"} {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("abi type %s: %v", t, err))
		}
		abiTypes[t] = typ
	}
}

// ABIEncode packs static values like Solidity's abi.encode. Supported types
// are uint8, uint16, uint64, uint256 (*big.Int), bytes32, address and bool.
func ABIEncode(types []string, values ...any) ([]byte, error) {
	if len(types) != len(values) {
		return nil, fmt.Errorf("abi encode: %d types for %d values", len(types), len(values))
	}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, ok := abiTypes[t]
		if !ok {
			return nil, fmt.Errorf("abi encode: unsupported type %s", t)
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args.Pack(values...)
}

var domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

// DomainSeparator hashes an EIP-712 domain with name and version.
func DomainSeparator(name, version string, chainID int64, verifyingContract common.Address) (common.Hash, error) {
	enc, err := ABIEncode(
		[]string{"bytes32", "bytes32", "bytes32", "uint256", "address"},
		domainTypeHash,
		crypto.Keccak256Hash([]byte(name)),
		crypto.Keccak256Hash([]byte(version)),
		big.NewInt(chainID),
		verifyingContract,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode domain: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// TypedDataHash is keccak256("\x19\x01" || domainSeparator || structHash).
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// SignDigest signs a 32 byte digest and returns r||s||v with v in {27, 28}.
func SignDigest(digest common.Hash, sign func([]byte) ([]byte, error)) ([]byte, error) {
	sig, err := sign(digest.Bytes())
	if err != nil {
		return nil, err
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}

// RecoverAddress returns the signer of digest. v may be 0/1 or 27/28.
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
