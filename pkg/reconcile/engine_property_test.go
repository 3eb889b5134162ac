//go:build property
// +build property

package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/chain"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

func entriesFor(n int) []credentials.IssuableCredential {
	out := make([]credentials.IssuableCredential, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, rewardEntry(fmt.Sprintf("u%d", i), fmt.Sprintf("app-%d", i%3)))
	}
	return out
}

// subset picks entries whose bit is set in mask.
func subset(entries []credentials.IssuableCredential, mask uint32) []credentials.IssuableCredential {
	var out []credentials.IssuableCredential
	for i, e := range entries {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, e)
		}
	}
	return out
}

func countPerObject(b credentials.PendingBatch) map[string]int {
	out := map[string]int{}
	for id, entries := range b.Content.Groups() {
		out[id] = len(entries)
	}
	return out
}

func TestReconcileProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reconcile narrows and never grows", prop.ForAll(
		func(n int, mask uint32) bool {
			entries := entriesFor(n)
			st := newMemStore(rewardBatch("0xtx", entries...))
			before := countPerObject(st.batches["0xtx"])

			e := NewEngine(st, confirmedLedger("0xtx"), staticIndex(indexed(subset(entries, mask)...)), nil)
			if _, err := e.Reconcile(context.Background(), "0xtx", 10); err != nil {
				return false
			}
			after, ok := st.batches["0xtx"]
			if !ok {
				return true
			}
			for id, count := range countPerObject(after) {
				if count > before[id] || count == 0 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.UInt32(),
	))

	properties.Property("repeated reconciliation converges", prop.ForAll(
		func(n int, masks []uint32) bool {
			entries := entriesFor(n)
			st := newMemStore(rewardBatch("0xtx", entries...))
			step := 0
			index := func(context.Context, credentials.PendingBatch, chain.TxStatus) ([]credentials.IssuedCredential, error) {
				defer func() { step++ }()
				if step < len(masks) {
					return indexed(subset(entries, masks[step])...), nil
				}
				return indexed(entries...), nil
			}
			e := NewEngine(st, confirmedLedger("0xtx"), index, nil)
			for i := 0; i <= len(masks); i++ {
				if _, err := e.Reconcile(context.Background(), "0xtx", 10); err != nil {
					return false
				}
			}
			_, stillPending := st.batches["0xtx"]
			return !stillPending
		},
		gen.IntRange(1, 12),
		gen.SliceOfN(4, gen.UInt32()),
	))

	properties.TestingRun(t)
}
