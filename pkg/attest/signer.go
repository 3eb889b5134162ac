package attest

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

// OffchainVersion is the EAS offchain attestation format produced.
const OffchainVersion uint16 = 1

var attestTypeHash = crypto.Keccak256Hash([]byte("Attest(uint16 version,bytes32 schema,address recipient,uint64 time,uint64 expirationTime,bool revocable,bytes32 refUID,bytes data)"))

// SignRequest asks for one offchain credential.
type SignRequest struct {
	Type      credentials.CredentialType
	Payload   credentials.Payload
	Recipient string
	ChainID   int64
}

// Signature is an ECDSA signature split into its EIP-712 components.
type Signature struct {
	V uint8  `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// SignedCredential is a signed EAS offchain attestation ready to publish.
type SignedCredential struct {
	UID            string                     `json:"uid"`
	Version        uint16                     `json:"version"`
	ChainID        int64                      `json:"chainId"`
	Contract       string                     `json:"verifyingContract"`
	Schema         string                     `json:"schema"`
	Recipient      string                     `json:"recipient"`
	Attester       string                     `json:"attester"`
	Time           uint64                     `json:"time"`
	ExpirationTime uint64                     `json:"expirationTime"`
	Revocable      bool                       `json:"revocable"`
	RefUID         string                     `json:"refUID"`
	Data           string                     `json:"data"`
	Signature      Signature                  `json:"signature"`
	Type           credentials.CredentialType `json:"credentialType"`
	Payload        credentials.Payload        `json:"payload"`
}

// Signer produces signed offchain credentials.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) (*SignedCredential, error)
}

// EASSigner signs EAS offchain attestations with a secp256k1 key.
type EASSigner struct {
	key     *ecdsa.PrivateKey
	chains  *Registry
	encoder Encoder
	now     func() time.Time
}

// NewEASSigner returns a signer. A nil key yields ErrMissingSigner on Sign.
func NewEASSigner(key *ecdsa.PrivateKey, chains *Registry, encoder Encoder) *EASSigner {
	if encoder == nil {
		encoder = ABIEncoder{}
	}
	return &EASSigner{key: key, chains: chains, encoder: encoder, now: time.Now}
}

// NewEASSignerFromHex parses a hex private key, with or without 0x.
func NewEASSignerFromHex(hexKey string, chains *Registry, encoder Encoder) (*EASSigner, error) {
	if strings.TrimSpace(hexKey) == "" {
		return NewEASSigner(nil, chains, encoder), nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse attester key: %w", err)
	}
	return NewEASSigner(key, chains, encoder), nil
}

// Address returns the attester address, or the zero address without a key.
func (s *EASSigner) Address() common.Address {
	if s == nil || s.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *EASSigner) Sign(ctx context.Context, req SignRequest) (*SignedCredential, error) {
	if s == nil || s.key == nil {
		return nil, credentials.Invalid("signer", credentials.ErrMissingSigner)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recipient, err := ValidateAddress("recipient", req.Recipient)
	if err != nil {
		return nil, err
	}
	chain, err := s.chains.Get(req.ChainID)
	if err != nil {
		return nil, err
	}
	schema, err := chain.SchemaUID(req.Type)
	if err != nil {
		return nil, err
	}
	data, err := s.encoder.Encode(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}

	sc := &SignedCredential{
		Version:   OffchainVersion,
		ChainID:   chain.ID,
		Contract:  chain.EAS().Hex(),
		Schema:    schema.Hex(),
		Recipient: recipient.Hex(),
		Attester:  s.Address().Hex(),
		Time:      uint64(s.now().Unix()),
		Revocable: true,
		RefUID:    common.Hash{}.Hex(),
		Data:      hexutil.Encode(data),
		Type:      req.Type,
		Payload:   req.Payload,
	}

	digest, err := OffchainDigest(chain, sc)
	if err != nil {
		return nil, err
	}
	sig, err := SignDigest(digest, func(h []byte) ([]byte, error) { return crypto.Sign(h, s.key) })
	if err != nil {
		return nil, fmt.Errorf("sign credential: %w", err)
	}
	sc.Signature = Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}
	sc.UID = OffchainUID(sc, data).Hex()
	return sc, nil
}

// OffchainDigest is the EIP-712 digest the attester signs for sc.
func OffchainDigest(chain Chain, sc *SignedCredential) (common.Hash, error) {
	data, err := hexutil.Decode(sc.Data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode data: %w", err)
	}
	version := chain.EASVersion
	if version == "" {
		version = "1.0.1"
	}
	domain, err := DomainSeparator("EAS Attestation", version, chain.ID, chain.EAS())
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := ABIEncode(
		[]string{"bytes32", "uint16", "bytes32", "address", "uint64", "uint64", "bool", "bytes32", "bytes32"},
		attestTypeHash,
		sc.Version,
		common.HexToHash(sc.Schema),
		common.HexToAddress(sc.Recipient),
		sc.Time,
		sc.ExpirationTime,
		sc.Revocable,
		common.HexToHash(sc.RefUID),
		crypto.Keccak256Hash(data),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode attestation: %w", err)
	}
	return TypedDataHash(domain, crypto.Keccak256Hash(enc)), nil
}

// OffchainUID derives the attestation uid from its packed fields.
func OffchainUID(sc *SignedCredential, data []byte) common.Hash {
	var buf []byte
	buf = binary.BigEndian.AppendUint16(buf, sc.Version)
	buf = append(buf, common.HexToHash(sc.Schema).Bytes()...)
	buf = append(buf, common.HexToAddress(sc.Recipient).Bytes()...)
	buf = append(buf, common.Address{}.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, sc.Time)
	buf = binary.BigEndian.AppendUint64(buf, sc.ExpirationTime)
	if sc.Revocable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, common.HexToHash(sc.RefUID).Bytes()...)
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint32(buf, 0)
	return crypto.Keccak256Hash(buf)
}

// Verify recovers the signer of sc and checks it matches sc.Attester.
func Verify(chain Chain, sc *SignedCredential) error {
	digest, err := OffchainDigest(chain, sc)
	if err != nil {
		return err
	}
	r, err := hexutil.Decode(sc.Signature.R)
	if err != nil {
		return fmt.Errorf("decode r: %w", err)
	}
	s, err := hexutil.Decode(sc.Signature.S)
	if err != nil {
		return fmt.Errorf("decode s: %w", err)
	}
	sig := make([]byte, 0, crypto.SignatureLength)
	sig = append(sig, common.LeftPadBytes(r, 32)...)
	sig = append(sig, common.LeftPadBytes(s, 32)...)
	sig = append(sig, sc.Signature.V)

	signer, err := RecoverAddress(digest, sig)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(sc.Attester) {
		return fmt.Errorf("signature from %s, expected attester %s", signer.Hex(), sc.Attester)
	}
	return nil
}
