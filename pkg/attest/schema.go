package attest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// EAS schema definitions per credential type.
const (
	ProposalSchema = "string Name,string Description,string Organization,string Event,string URL"
	RewardSchema   = "string Name,string Description,string Organization,string Event,string rewardURL"
)

var (
	stringType, _ = abi.NewType("string", "", nil)

	proposalArgs = abi.Arguments{
		{Name: "Name", Type: stringType},
		{Name: "Description", Type: stringType},
		{Name: "Organization", Type: stringType},
		{Name: "Event", Type: stringType},
		{Name: "URL", Type: stringType},
	}
	rewardArgs = abi.Arguments{
		{Name: "Name", Type: stringType},
		{Name: "Description", Type: stringType},
		{Name: "Organization", Type: stringType},
		{Name: "Event", Type: stringType},
		{Name: "rewardURL", Type: stringType},
	}
)

// SchemaDefinition returns the EAS schema string for t.
func SchemaDefinition(t credentials.CredentialType) (string, error) {
	switch t {
	case credentials.TypeProposal:
		return ProposalSchema, nil
	case credentials.TypeReward:
		return RewardSchema, nil
	}
	return "", credentials.Invalid("credentialType", credentials.ErrInvalidCredentialType)
}

// SchemaUID computes the id the EAS schema registry assigns to a schema:
// keccak256(abi.encodePacked(schema, resolver, revocable)).
func SchemaUID(schema string, resolver common.Address, revocable bool) common.Hash {
	flag := []byte{0}
	if revocable {
		flag[0] = 1
	}
	return crypto.Keccak256Hash([]byte(schema), resolver.Bytes(), flag)
}

// Encoder converts payloads to and from attestation data.
type Encoder interface {
	Encode(t credentials.CredentialType, p credentials.Payload) ([]byte, error)
	Decode(t credentials.CredentialType, data []byte) (credentials.Payload, error)
}

// ABIEncoder encodes payloads with the Solidity ABI, matching the schema
// definitions registered on chain.
type ABIEncoder struct{}

func argsFor(t credentials.CredentialType) (abi.Arguments, error) {
	switch t {
	case credentials.TypeProposal:
		return proposalArgs, nil
	case credentials.TypeReward:
		return rewardArgs, nil
	}
	return nil, credentials.Invalid("credentialType", credentials.ErrInvalidCredentialType)
}

func (ABIEncoder) Encode(t credentials.CredentialType, p credentials.Payload) ([]byte, error) {
	args, err := argsFor(t)
	if err != nil {
		return nil, err
	}
	data, err := args.Pack(p.Name, p.Description, p.Organization, p.Event, p.URL)
	if err != nil {
		return nil, fmt.Errorf("abi encode %s payload: %w", t, err)
	}
	return data, nil
}

func (ABIEncoder) Decode(t credentials.CredentialType, data []byte) (credentials.Payload, error) {
	args, err := argsFor(t)
	if err != nil {
		return credentials.Payload{}, err
	}
	values, err := args.Unpack(data)
	if err != nil {
		return credentials.Payload{}, fmt.Errorf("abi decode %s payload: %w", t, err)
	}
	if len(values) != 5 {
		return credentials.Payload{}, fmt.Errorf("abi decode %s payload: expected 5 fields, got %d", t, len(values))
	}
	fields := make([]string, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return credentials.Payload{}, fmt.Errorf("abi decode %s payload: field %d is %T", t, i, v)
		}
		fields[i] = s
	}
	return credentials.Payload{
		Name:         fields[0],
		Description:  fields[1],
		Organization: fields[2],
		Event:        fields[3],
		URL:          fields[4],
	}, nil
}
