package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/store"
)

func TestRun_Dispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if code := Run([]string{"credentiald", "help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("help exit = %d", code)
	}
	assert.Contains(t, stdout.String(), "reconcile")
	assert.Contains(t, stdout.String(), "issuable")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"credentiald", "version"}, &stdout, &stderr))
	assert.Equal(t, "credentiald "+Version+"\n", stdout.String())

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"credentiald", "bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRun_DefaultsToServe(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	called := false
	startServer = func(args []string, stdout, stderr io.Writer) int {
		called = true
		return 0
	}
	assert.Equal(t, 0, Run([]string{"credentiald"}, io.Discard, io.Discard))
	assert.True(t, called)
}

func TestIssuableCmd_Usage(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"credentiald", "issuable", "--type", "proposal"}, io.Discard, &stderr))
	assert.Contains(t, stderr.String(), "--space and --in are required")

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"credentiald", "issuable", "--space", "s1", "--in", "x.json", "--type", "badge"}, io.Discard, &stderr))
}

func TestReadIssuableInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"space": {"id": "s1", "useOnchainCredentials": true}, "proposals": [{"id": "p1"}]}`), 0600))

	in, err := readIssuableInput(path, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", in.Space.ID)
	require.Len(t, in.Proposals, 1)
	assert.Equal(t, "p1", in.Proposals[0].ID)

	_, err = readIssuableInput(path, "other")
	assert.ErrorContains(t, err, "does not match")

	require.NoError(t, os.WriteFile(path, []byte(`{"proposals": []}`), 0600))
	in, err = readIssuableInput(path, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", in.Space.ID, "space id defaults to the flag")
}

func TestLoadOrGenerateAttesterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), attesterKeyFile)

	first, err := loadOrGenerateAttesterKey(path)
	require.NoError(t, err)
	_, err = crypto.HexToECDSA(first)
	require.NoError(t, err)

	second, err := loadOrGenerateAttesterKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "key is reused across restarts")

	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0600))
	_, err = loadOrGenerateAttesterKey(path)
	assert.Error(t, err)
}

func TestMigrateCmd_LiteModeLoadsTemplates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_DIR", dir)

	templates := filepath.Join(dir, "templates.json")
	require.NoError(t, os.WriteFile(templates, []byte(`[
  {"id": "tpl-1", "spaceId": "s1", "name": "Reviewer", "schemaType": "proposal", "credentialEvents": ["proposal_approved"]},
  {"id": "tpl-2", "spaceId": "s1", "name": "Builder", "schemaType": "reward", "credentialEvents": ["reward_submission_approved"]}
]`), 0600))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"credentiald", "migrate", "--templates", templates}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "2 templates loaded")

	ctx := context.Background()
	st, err := store.Open(ctx, "", dir)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	got, err := st.ListTemplates(ctx, "s1", []credentials.CredentialEvent{credentials.EventProposalApproved})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tpl-1", got[0].ID)
}

func TestMigrateCmd_RejectsBadTemplate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATA_DIR", dir)

	templates := filepath.Join(dir, "templates.json")
	require.NoError(t, os.WriteFile(templates, []byte(`[{"id": "tpl-x", "spaceId": "s1", "schemaType": "proposal", "credentialEvents": ["reward_submission_approved"]}]`), 0600))

	var stderr bytes.Buffer
	assert.Equal(t, 1, Run([]string{"credentiald", "migrate", "--templates", templates}, io.Discard, &stderr))
	assert.Contains(t, stderr.String(), "tpl-x")
}
