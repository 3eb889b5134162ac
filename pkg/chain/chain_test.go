package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

const (
	knownSafeTx = "0x1111111111111111111111111111111111111111111111111111111111111111"
	pendingTx   = "0x2222222222222222222222222222222222222222222222222222222222222222"
	execTx      = "0x3333333333333333333333333333333333333333333333333333333333333333"
	replacedTx  = "0x4444444444444444444444444444444444444444444444444444444444444444"
	safeAddr    = "0x66525057AC951a0DB5C9fa7fAC6E056D6b8997E2"
)

var testChain = attest.Chain{ID: 10, Name: "optimism", EASAddress: "0x4200000000000000000000000000000000000021"}

func safeServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	proposed := &atomic.Value{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/multisig-transactions/"+knownSafeTx+"/":
			_, _ = w.Write([]byte(`{"safeTxHash":"` + knownSafeTx + `","nonce":"4","isExecuted":true,"isSuccessful":true,"transactionHash":"` + execTx + `"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/multisig-transactions/"+pendingTx+"/":
			_, _ = w.Write([]byte(`{"safe":"` + safeAddr + `","safeTxHash":"` + pendingTx + `","nonce":7,"isExecuted":false}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/multisig-transactions/"+replacedTx+"/":
			_, _ = w.Write([]byte(`{"safe":"` + safeAddr + `","safeTxHash":"` + replacedTx + `","nonce":5,"isExecuted":false}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/safes/"+common.HexToAddress(safeAddr).Hex()+"/":
			_, _ = w.Write([]byte(`{"nonce":"7"}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/multisig-transactions/"):
			assert.Equal(t, "false", r.URL.Query().Get("executed"))
			_, _ = w.Write([]byte(`{"results":[{"nonce":"8"}]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/multisig-transactions/"):
			var p SafeProposal
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			proposed.Store(p)
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, proposed
}

func TestSafeClient_GetTransaction(t *testing.T) {
	srv, _ := safeServer(t)
	c := NewSafeClient(srv.URL, nil)
	ctx := context.Background()

	tx, err := c.GetTransaction(ctx, knownSafeTx)
	require.NoError(t, err)
	assert.True(t, tx.IsExecuted)
	assert.Equal(t, flexInt(4), tx.Nonce)
	assert.Equal(t, execTx, tx.TransactionHash)

	_, err = c.GetTransaction(ctx, "0xdead")
	assert.ErrorIs(t, err, credentials.ErrTransactionNotFound)
}

func TestSafeClient_NextNonceSkipsQueued(t *testing.T) {
	srv, _ := safeServer(t)
	n, err := NewSafeClient(srv.URL, nil).NextNonce(context.Background(), common.HexToAddress(safeAddr))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
}

func TestNetworks_Transaction(t *testing.T) {
	srv, _ := safeServer(t)
	nets := NewNetworks(nil, &Network{Chain: testChain, Safe: NewSafeClient(srv.URL, nil)})
	ctx := context.Background()

	st, err := nets.Transaction(ctx, 10, knownSafeTx)
	require.NoError(t, err)
	assert.True(t, st.Confirmed)
	assert.Equal(t, execTx, st.TransactionHash)

	st, err = nets.Transaction(ctx, 10, pendingTx)
	require.NoError(t, err)
	assert.False(t, st.Confirmed, "queued at the safe's current nonce")

	_, err = nets.Transaction(ctx, 10, replacedTx)
	assert.ErrorIs(t, err, credentials.ErrTransactionNotFound, "nonce 5 was used by another transaction")
	assert.ErrorContains(t, err, "replaced at nonce 5")

	_, err = nets.Transaction(ctx, 10, "0xmissing")
	assert.ErrorIs(t, err, credentials.ErrTransactionNotFound)

	_, err = nets.Transaction(ctx, 99, knownSafeTx)
	assert.ErrorIs(t, err, ErrNoNetwork)
}

func TestNetworks_SubmitBatch(t *testing.T) {
	srv, proposed := safeServer(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	nets := NewNetworks(key, &Network{Chain: testChain, Safe: NewSafeClient(srv.URL, nil)})

	reqs := []MultiAttestationRequest{{
		Schema: common.HexToHash("0x01"),
		Data:   []AttestationRequestData{{Recipient: common.HexToAddress(safeAddr), Revocable: true, Data: []byte{1, 2, 3}}},
	}}
	hash, err := nets.SubmitBatch(context.Background(), 10, safeAddr, reqs)
	require.NoError(t, err)

	p, ok := proposed.Load().(SafeProposal)
	require.True(t, ok)
	assert.Equal(t, hash, p.ContractTransactionHash)
	assert.Equal(t, uint64(9), p.Nonce)
	assert.Equal(t, testChain.EAS().Hex(), p.To)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), p.Sender)

	data, err := PackMultiAttest(reqs)
	require.NoError(t, err)
	want, err := SafeTxHash(10, common.HexToAddress(safeAddr), SafeTx{To: testChain.EAS(), Data: data, Nonce: 9})
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), hash)

	_, err = NewNetworks(nil, &Network{Chain: testChain}).SubmitBatch(context.Background(), 10, safeAddr, reqs)
	assert.ErrorIs(t, err, credentials.ErrMissingSigner)
}

func TestSafeTxHash_DependsOnNonceAndChain(t *testing.T) {
	safe := common.HexToAddress(safeAddr)
	tx := SafeTx{To: testChain.EAS(), Data: []byte{0xca, 0xfe}, Nonce: 1}
	a, err := SafeTxHash(10, safe, tx)
	require.NoError(t, err)
	b, err := SafeTxHash(10, safe, tx)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	tx.Nonce = 2
	c, err := SafeTxHash(10, safe, tx)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := SafeTxHash(8453, safe, SafeTx{To: testChain.EAS(), Data: []byte{0xca, 0xfe}, Nonce: 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

// fakeBackend serves one receipt and attestations by uid.
type fakeBackend struct {
	receipt      *types.Receipt
	attestations map[common.Hash]Attestation
	calls        int
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	args, err := easABI.Methods["getAttestation"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	uid := common.Hash(args[0].([32]byte))
	att := f.attestations[uid]
	return easABI.Methods["getAttestation"].Outputs.Pack(att)
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if f.receipt == nil || h != common.HexToHash(execTx) {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func attestedLog(t *testing.T, contract common.Address, uid, schema common.Hash, recipient common.Address) *types.Log {
	t.Helper()
	ev := easABI.Events["Attested"]
	data, err := ev.Inputs.NonIndexed().Pack([32]byte(uid))
	require.NoError(t, err)
	return &types.Log{
		Address: contract,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(recipient.Bytes()),
			common.BytesToHash(common.HexToAddress("0x01").Bytes()),
			schema,
		},
		Data: data,
	}
}

func TestSafeClient_Nonce(t *testing.T) {
	srv, _ := safeServer(t)
	c := NewSafeClient(srv.URL, nil)
	n, err := c.Nonce(context.Background(), common.HexToAddress(safeAddr))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	_, err = c.Nonce(context.Background(), common.HexToAddress("0x01"))
	assert.Error(t, err)
}

var confirmed = TxStatus{SafeTxHash: knownSafeTx, Confirmed: true, TransactionHash: execTx}

func TestIndexer_MapsAttestationsToPendingEntries(t *testing.T) {
	srv, _ := safeServer(t)
	enc := attest.ABIEncoder{}
	schema := common.HexToHash("0xabc")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	entry := func(user, app, name string) credentials.IssuableCredential {
		return credentials.IssuableCredential{
			RecipientUserID:      user,
			RecipientAddress:     strings.ToLower(recipient.Hex()),
			CredentialTemplateID: "tpl-r",
			ObjectID:             app,
			Event:                credentials.EventRewardSubmissionApproved,
			Payload:              credentials.Payload{Name: name, Event: "Reward Submission Approved", URL: "https://x/" + app},
		}
	}
	e1, e2 := entry("u1", "app-1", "First"), entry("u1", "app-2", "Second")
	content, err := credentials.GroupByObject(credentials.TypeReward, []credentials.IssuableCredential{e1, e2})
	require.NoError(t, err)
	batch := credentials.PendingBatch{TxHash: knownSafeTx, ChainID: 10, SchemaID: schema.Hex(), Content: content}

	uid1, uid2, foreign := common.HexToHash("0x10"), common.HexToHash("0x20"), common.HexToHash("0x30")
	data1, err := enc.Encode(credentials.TypeReward, e1.Payload)
	require.NoError(t, err)
	backend := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{
			attestedLog(t, testChain.EAS(), uid1, schema, recipient),
			attestedLog(t, testChain.EAS(), uid2, common.HexToHash("0xother"), recipient),
			attestedLog(t, common.HexToAddress("0x99"), foreign, schema, recipient),
		}},
		attestations: map[common.Hash]Attestation{
			uid1: {Uid: uid1, Schema: schema, Recipient: recipient, Data: data1},
		},
	}

	nets := NewNetworks(nil, &Network{
		Chain: testChain,
		Safe:  NewSafeClient(srv.URL, nil),
		EAS:   NewEASClient(backend, testChain.EAS(), nil),
	})
	ix := NewIndexer(nets, enc)

	out, err := ix.Index(context.Background(), batch, confirmed)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "app-1", out[0].RewardApplicationID)
	assert.Equal(t, uid1.Hex(), out[0].OnchainAttestationID)
	assert.Equal(t, int64(10), out[0].ChainID)
	assert.Equal(t, e1.Identity(), out[0].Identity())
	assert.Equal(t, 1, backend.calls, "only attestations of the batch schema are read")
}

func TestIndexer_UnconfirmedYieldsNothing(t *testing.T) {
	backend := &fakeBackend{}
	nets := NewNetworks(nil, &Network{
		Chain: testChain,
		EAS:   NewEASClient(backend, testChain.EAS(), nil),
	})
	content, _ := credentials.NewBatchContent(credentials.TypeProposal, nil)
	ix := NewIndexer(nets, nil)

	out, err := ix.Index(context.Background(), credentials.PendingBatch{TxHash: pendingTx, ChainID: 10, Content: content}, TxStatus{SafeTxHash: pendingTx})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, backend.calls)
}

// indexOne runs the indexer over a batch whose single executed transaction
// emitted one attestation per payload, all to recipient.
func indexOne(t *testing.T, entries []credentials.IssuableCredential, recipient common.Address, onchain ...credentials.Payload) []credentials.IssuedCredential {
	t.Helper()
	enc := attest.ABIEncoder{}
	schema := common.HexToHash("0xabc")
	content, err := credentials.GroupByObject(credentials.TypeReward, entries)
	require.NoError(t, err)
	batch := credentials.PendingBatch{TxHash: knownSafeTx, ChainID: 10, SchemaID: schema.Hex(), Content: content}

	backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}, attestations: map[common.Hash]Attestation{}}
	for i, p := range onchain {
		uid := common.BigToHash(big.NewInt(int64(i + 1)))
		data, err := enc.Encode(credentials.TypeReward, p)
		require.NoError(t, err)
		backend.receipt.Logs = append(backend.receipt.Logs, attestedLog(t, testChain.EAS(), uid, schema, recipient))
		backend.attestations[uid] = Attestation{Uid: uid, Schema: schema, Recipient: recipient, Data: data}
	}
	nets := NewNetworks(nil, &Network{Chain: testChain, EAS: NewEASClient(backend, testChain.EAS(), nil)})
	out, err := NewIndexer(nets, enc).Index(context.Background(), batch, confirmed)
	require.NoError(t, err)
	return out
}

func rewardEntry(recipient common.Address, app string, p credentials.Payload) credentials.IssuableCredential {
	return credentials.IssuableCredential{
		RecipientUserID:      "u1",
		RecipientAddress:     recipient.Hex(),
		CredentialTemplateID: "tpl-r",
		ObjectID:             app,
		Event:                credentials.EventRewardSubmissionApproved,
		Payload:              p,
	}
}

func TestIndexer_MatchesAfterTemplateEdit(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	stored := credentials.Payload{Name: "Builder", Description: "old text", Event: "Reward Submission Approved", URL: "https://x/app-1"}
	onchain := stored
	onchain.Description = "new text"

	out := indexOne(t, []credentials.IssuableCredential{rewardEntry(recipient, "app-1", stored)}, recipient, onchain)
	require.Len(t, out, 1)
	assert.Equal(t, "app-1", out[0].RewardApplicationID)
}

func TestIndexer_MatchesPayloadlessEntry(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	onchain := credentials.Payload{Name: "Builder", Event: "Reward Submission Approved", URL: "https://x/app-9"}

	out := indexOne(t, []credentials.IssuableCredential{rewardEntry(recipient, "app-9", credentials.Payload{})}, recipient, onchain)
	require.Len(t, out, 1)
	assert.Equal(t, "app-9", out[0].RewardApplicationID)
}

func TestIndexer_LooseMatchNeedsOneCandidate(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	onchain := credentials.Payload{Name: "Builder", Event: "Reward Submission Approved", URL: "https://x/app-1"}

	out := indexOne(t, []credentials.IssuableCredential{
		rewardEntry(recipient, "app-1", credentials.Payload{}),
		rewardEntry(recipient, "app-2", credentials.Payload{}),
	}, recipient, onchain)
	assert.Empty(t, out, "two payload-less entries for one recipient are ambiguous")
}

func TestIndexer_ExactMatchWinsOverLoose(t *testing.T) {
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	first := credentials.Payload{Name: "Builder", Event: "Reward Submission Approved", URL: "https://x/app-1"}
	second := first
	second.Name = "Contributor"

	a := rewardEntry(recipient, "app-1", first)
	b := rewardEntry(recipient, "app-1", second)
	b.CredentialTemplateID = "tpl-c"
	edited := second
	edited.Description = "edited"

	// The edited attestation comes first; a's entry still goes to the
	// attestation that matches it exactly.
	out := indexOne(t, []credentials.IssuableCredential{a, b}, recipient, edited, first)
	require.Len(t, out, 2)
	assert.Equal(t, "tpl-c", out[0].CredentialTemplateID)
	assert.Equal(t, common.BigToHash(big.NewInt(1)).Hex(), out[0].OnchainAttestationID)
	assert.Equal(t, "tpl-r", out[1].CredentialTemplateID)
	assert.Equal(t, common.BigToHash(big.NewInt(2)).Hex(), out[1].OnchainAttestationID)
}

func TestEASClient_GetAttestationNotFound(t *testing.T) {
	c := NewEASClient(&fakeBackend{attestations: map[common.Hash]Attestation{}}, testChain.EAS(), nil)
	_, err := c.GetAttestation(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrAttestationNotFound)
}

func TestEASClient_MissingReceipt(t *testing.T) {
	c := NewEASClient(&fakeBackend{}, testChain.EAS(), nil)
	_, err := c.AttestedInTx(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}
