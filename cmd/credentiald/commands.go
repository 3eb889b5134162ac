package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/config"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/store"
)

// runReconcileCmd implements `credentiald reconcile`.
//
// Without --tx it sweeps every pending batch once; with --tx it reconciles
// that batch. The result is printed as JSON.
//
// Exit codes:
//
//	0 = done (individual batch failures are counted in the output)
//	1 = runtime error
//	2 = usage error
func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		txHash  string
		chainID int64
		spaceID string
	)
	cmd.StringVar(&txHash, "tx", "", "Safe transaction hash of one pending batch")
	cmd.Int64Var(&chainID, "chain", 0, "Chain id (default: the chain recorded on the batch)")
	cmd.StringVar(&spaceID, "space", "", "Only sweep batches of this space")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)
	ctx := context.Background()
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	var out any
	if txHash != "" {
		res, err := svc.engine.Reconcile(ctx, txHash, chainID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: reconcile %s: %v\n", txHash, err)
			return 1
		}
		out = res
	} else {
		sum, err := svc.engine.Sweep(ctx, credentials.PendingFilter{SpaceID: spaceID, ChainID: chainID})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: sweep: %v\n", err)
			return 1
		}
		out = sum
	}
	return printJSON(stdout, stderr, out)
}

// runMigrateCmd creates the credential tables and optionally loads
// credential templates from a JSON array.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	templatesPath := cmd.String("templates", "", "JSON file with credential templates to upsert")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)
	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: migrate: %v\n", err)
		return 1
	}

	loaded := 0
	if *templatesPath != "" {
		data, err := os.ReadFile(*templatesPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		var templates []credentials.CredentialTemplate
		if err := json.Unmarshal(data, &templates); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: parse %s: %v\n", *templatesPath, err)
			return 1
		}
		for _, t := range templates {
			if _, err := st.SaveTemplate(ctx, t); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: template %s: %v\n", t.ID, err)
				return 1
			}
			loaded++
		}
	}

	mode := "postgres"
	if cfg.LiteMode() {
		mode = "sqlite"
	}
	_, _ = fmt.Fprintf(stdout, "%s✓%s migrated (%s), %d templates loaded\n", ColorGreen, ColorReset, mode, loaded)
	return 0
}

type issuableInput struct {
	Space     credentials.Space      `json:"space"`
	Proposals []credentials.Proposal `json:"proposals"`
	Rewards   []credentials.Reward   `json:"rewards"`
}

// runIssuableCmd prints the onchain credentials a space is missing for the
// objects in the input file.
func runIssuableCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issuable", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		spaceID string
		kind    string
		in      string
	)
	cmd.StringVar(&spaceID, "space", "", "Space id (REQUIRED)")
	cmd.StringVar(&kind, "type", "proposal", "Credential type: proposal or reward")
	cmd.StringVar(&in, "in", "", "JSON file with space, proposals and rewards (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if spaceID == "" || in == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --space and --in are required")
		return 2
	}
	t, err := credentials.ParseCredentialType(kind)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	input, err := readIssuableInput(in, spaceID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)
	ctx := context.Background()
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Close(ctx)

	var found []credentials.IssuableCredential
	if t == credentials.TypeReward {
		found, err = svc.pipeline.FindSpaceIssuableRewardCredentials(ctx, input.Space, input.Rewards)
	} else {
		found, err = svc.pipeline.FindSpaceIssuableProposalCredentials(ctx, input.Space, input.Proposals)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if found == nil {
		found = []credentials.IssuableCredential{}
	}
	return printJSON(stdout, stderr, found)
}

func readIssuableInput(path, spaceID string) (issuableInput, error) {
	var input issuableInput
	data, err := os.ReadFile(path)
	if err != nil {
		return input, err
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return input, fmt.Errorf("parse %s: %w", path, err)
	}
	switch input.Space.ID {
	case "":
		input.Space.ID = spaceID
	case spaceID:
	default:
		return input, fmt.Errorf("space id %q in %s does not match --space %q", input.Space.ID, path, spaceID)
	}
	return input, nil
}

func printJSON(stdout, stderr io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
