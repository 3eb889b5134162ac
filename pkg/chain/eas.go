package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/limiter"
)

// Subset of the EAS contract interface used for batch issuance and indexing.
const easABIJSON = `[
  {"type":"function","name":"multiAttest","stateMutability":"payable",
   "inputs":[{"name":"multiRequests","type":"tuple[]","components":[
     {"name":"schema","type":"bytes32"},
     {"name":"data","type":"tuple[]","components":[
       {"name":"recipient","type":"address"},
       {"name":"expirationTime","type":"uint64"},
       {"name":"revocable","type":"bool"},
       {"name":"refUID","type":"bytes32"},
       {"name":"data","type":"bytes"},
       {"name":"value","type":"uint256"}]}]}],
   "outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getAttestation","stateMutability":"view",
   "inputs":[{"name":"uid","type":"bytes32"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"uid","type":"bytes32"},
     {"name":"schema","type":"bytes32"},
     {"name":"time","type":"uint64"},
     {"name":"expirationTime","type":"uint64"},
     {"name":"revocationTime","type":"uint64"},
     {"name":"refUID","type":"bytes32"},
     {"name":"recipient","type":"address"},
     {"name":"attester","type":"address"},
     {"name":"revocable","type":"bool"},
     {"name":"data","type":"bytes"}]}]},
  {"type":"event","name":"Attested","anonymous":false,
   "inputs":[
     {"name":"recipient","type":"address","indexed":true},
     {"name":"attester","type":"address","indexed":true},
     {"name":"uid","type":"bytes32","indexed":false},
     {"name":"schemaUID","type":"bytes32","indexed":true}]}
]`

var easABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(easABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse EAS abi: %v", err))
	}
	easABI = parsed
}

// AttestationRequestData is one attestation inside a multiAttest request.
type AttestationRequestData struct {
	Recipient      common.Address
	ExpirationTime uint64
	Revocable      bool
	RefUID         [32]byte
	Data           []byte
	Value          *big.Int
}

// MultiAttestationRequest groups attestations under one schema.
type MultiAttestationRequest struct {
	Schema [32]byte
	Data   []AttestationRequestData
}

// Attestation is an attestation as stored by the EAS contract.
type Attestation struct {
	Uid            [32]byte //nolint:revive // matches the generated tuple field name
	Schema         [32]byte
	Time           uint64
	ExpirationTime uint64
	RevocationTime uint64
	RefUID         [32]byte
	Recipient      common.Address
	Attester       common.Address
	Revocable      bool
	Data           []byte
}

// AttestedEvent is a decoded Attested log.
type AttestedEvent struct {
	UID       common.Hash
	Recipient common.Address
	Attester  common.Address
	Schema    common.Hash
}

// PackMultiAttest builds multiAttest calldata.
func PackMultiAttest(reqs []MultiAttestationRequest) ([]byte, error) {
	for i := range reqs {
		for j := range reqs[i].Data {
			if reqs[i].Data[j].Value == nil {
				reqs[i].Data[j].Value = new(big.Int)
			}
		}
	}
	data, err := easABI.Pack("multiAttest", reqs)
	if err != nil {
		return nil, fmt.Errorf("pack multiAttest: %w", err)
	}
	return data, nil
}

// ParseAttested extracts Attested events emitted by contract from logs.
func ParseAttested(contract common.Address, logs []*types.Log) ([]AttestedEvent, error) {
	event := easABI.Events["Attested"]
	var out []AttestedEvent
	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) != 4 || l.Topics[0] != event.ID {
			continue
		}
		vals, err := event.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Attested log %d: %w", l.Index, err)
		}
		uid, ok := vals[0].([32]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected uid type %T", vals[0])
		}
		out = append(out, AttestedEvent{
			UID:       common.Hash(uid),
			Recipient: common.BytesToAddress(l.Topics[1].Bytes()),
			Attester:  common.BytesToAddress(l.Topics[2].Bytes()),
			Schema:    l.Topics[3],
		})
	}
	return out, nil
}

// ContractBackend is the subset of ethclient.Client the EAS client uses.
type ContractBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EASClient reads attestations from an EAS deployment. Every RPC call waits
// on the limiter first.
type EASClient struct {
	backend  ContractBackend
	contract common.Address
	limiter  limiter.Limiter
}

func NewEASClient(backend ContractBackend, contract common.Address, l limiter.Limiter) *EASClient {
	if l == nil {
		l = limiter.Noop()
	}
	return &EASClient{backend: backend, contract: contract, limiter: l}
}

// GetAttestation reads one attestation by uid.
func (c *EASClient) GetAttestation(ctx context.Context, uid common.Hash) (Attestation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Attestation{}, err
	}
	input, err := easABI.Pack("getAttestation", [32]byte(uid))
	if err != nil {
		return Attestation{}, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return Attestation{}, fmt.Errorf("getAttestation %s: %w", uid.Hex(), err)
	}
	vals, err := easABI.Unpack("getAttestation", out)
	if err != nil {
		return Attestation{}, fmt.Errorf("unpack attestation %s: %w", uid.Hex(), err)
	}
	if len(vals) != 1 {
		return Attestation{}, fmt.Errorf("unpack attestation %s: %d values", uid.Hex(), len(vals))
	}
	att := *abi.ConvertType(vals[0], new(Attestation)).(*Attestation)
	if att.Uid == ([32]byte{}) {
		return Attestation{}, fmt.Errorf("attestation %s: %w", uid.Hex(), ErrAttestationNotFound)
	}
	return att, nil
}

// AttestedInTx returns the Attested events a mined transaction emitted. A
// reverted transaction has none.
func (c *EASClient) AttestedInTx(ctx context.Context, txHash common.Hash) ([]AttestedEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), ErrReceiptNotFound)
		}
		return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil
	}
	return ParseAttested(c.contract, receipt.Logs)
}
