package chain_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/api"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/auth"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/reconcile"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/store"
)

// TestPendingBatchLifecycle tracks a client-wallet batch through the API
// and reconciles it against the Safe service and EAS until the record is
// gone.
func TestPendingBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewCredentialStore(db)
	require.NoError(t, st.Init(ctx))

	enc := attest.ABIEncoder{}
	schema := common.HexToHash("0xabc")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payload := func(app string) credentials.Payload {
		return credentials.Payload{Name: "Builder", Organization: "Acme", Event: "Reward Submission Approved", URL: "https://app.charmverse.io/acme/rewards/" + app}
	}

	// app-2's template text changed after the wallet signed the batch.
	onchain := map[string]credentials.Payload{"app-1": payload("app-1"), "app-2": payload("app-2")}
	edited := onchain["app-2"]
	edited.Description = "reworded"
	onchain["app-2"] = edited

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	atts := map[common.Hash]chain.Attestation{}
	for i, app := range []string{"app-1", "app-2"} {
		uid := common.BigToHash(big.NewInt(int64(i + 1)))
		data, err := enc.Encode(credentials.TypeReward, onchain[app])
		require.NoError(t, err)
		receipt.Logs = append(receipt.Logs, chain.AttestedLog(t, chain.TestChain.EAS(), uid, schema, recipient))
		atts[uid] = chain.Attestation{Uid: uid, Schema: schema, Recipient: recipient, Data: data}
	}

	safeSrv, _ := chain.SafeServer(t)
	nets := chain.NewNetworks(nil, &chain.Network{
		Chain: chain.TestChain,
		Safe:  chain.NewSafeClient(safeSrv.URL, nil),
		EAS:   chain.NewEASClient(chain.NewFakeBackend(receipt, atts), chain.TestChain.EAS(), nil),
	})
	engine := reconcile.NewEngine(st, nets, chain.NewIndexer(nets, enc).Index, nil)

	tokens := auth.NewJWTValidator("test-secret")
	srv := httptest.NewServer(api.NewServer(api.Deps{
		Tracker:    batch.NewTracker(st),
		Reconciler: engine,
		Pending:    st,
		Health:     func(context.Context) error { return nil },
	}, tokens).Handler())
	t.Cleanup(srv.Close)
	tok, err := tokens.Issue("tester", []string{"acme"}, nil, time.Hour)
	require.NoError(t, err)

	do := func(method, path, body string) (int, []byte) {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, data
	}

	var entries []map[string]any
	for _, app := range []string{"app-1", "app-2"} {
		entries = append(entries, map[string]any{
			"recipientUserId":      "u1",
			"recipientAddress":     strings.ToLower(recipient.Hex()),
			"credentialTemplateId": "tpl-builder",
			"objectId":             app,
			"event":                credentials.EventRewardSubmissionApproved,
			"payload":              payload(app),
		})
	}
	body, err := json.Marshal(map[string]any{
		"credentialType": "reward",
		"chainId":        chain.TestChain.ID,
		"safeAddress":    chain.SafeAddr,
		"txHash":         chain.KnownSafeTx,
		"schemaId":       schema.Hex(),
		"spaceId":        "acme",
		"credentials":    entries,
	})
	require.NoError(t, err)
	code, data := do(http.MethodPost, "/v1/pending-transactions", string(body))
	require.Equal(t, http.StatusCreated, code, string(data))

	reconcilePath := "/v1/pending-transactions/" + chain.KnownSafeTx + "/reconcile"

	code, data = do(http.MethodPost, reconcilePath+"?chainId=8453", "")
	require.Equal(t, http.StatusBadRequest, code, string(data))
	var prob api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &prob))
	assert.Equal(t, "chainId", prob.Field)
	_, err = st.GetPendingBatch(ctx, chain.KnownSafeTx)
	require.NoError(t, err, "a wrong chain id leaves the record alone")

	code, data = do(http.MethodPost, reconcilePath, "")
	require.Equal(t, http.StatusOK, code, string(data))
	var res reconcile.Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, reconcile.OutcomeReconciled, res.Outcome)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, chain.TestChain.ID, res.ChainID)

	_, err = st.GetPendingBatch(ctx, chain.KnownSafeTx)
	assert.ErrorIs(t, err, credentials.ErrNotFound)

	for i, app := range []string{"app-1", "app-2"} {
		row, err := st.GetIssuedCredential(ctx, credentials.Identity{
			TemplateID: "tpl-builder", UserID: "u1", Event: credentials.EventRewardSubmissionApproved, ObjectID: app,
		})
		require.NoError(t, err, app)
		assert.Equal(t, common.BigToHash(big.NewInt(int64(i+1))).Hex(), row.OnchainAttestationID)
		assert.Equal(t, chain.TestChain.ID, row.ChainID)
	}
}
