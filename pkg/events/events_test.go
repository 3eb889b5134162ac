package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/issuance"
)

type recordingHandler struct {
	mu        sync.Mutex
	proposals []credentials.CredentialEvent
	rewards   []string
	err       error
	report    issuance.Report
}

func (h *recordingHandler) IssueProposalCredentials(_ context.Context, _ credentials.Space, _ credentials.Proposal, events ...credentials.CredentialEvent) (issuance.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proposals = append(h.proposals, events...)
	return h.report, h.err
}

func (h *recordingHandler) IssueRewardCredentials(_ context.Context, _ credentials.Space, _ credentials.Reward, applicationID string) (issuance.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rewards = append(h.rewards, applicationID)
	return h.report, h.err
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.proposals) + len(h.rewards)
}

const (
	proposalJob = `{"kind":"proposal","event":"proposal_approved","space":{"id":"s1"},"proposal":{"id":"p1","selectedCredentialTemplates":["t1"]}}`
	rewardJob   = `{"kind":"reward","space":{"id":"s1"},"reward":{"id":"r1"},"applicationId":"a1"}`
)

func TestParseJob(t *testing.T) {
	job, err := ParseJob([]byte(proposalJob))
	require.NoError(t, err)
	assert.Equal(t, KindProposal, job.Kind)
	assert.Equal(t, credentials.EventProposalApproved, job.Event)
	require.NotNil(t, job.Proposal)
	assert.Equal(t, []string{"t1"}, job.Proposal.SelectedCredentialTemplates)

	job, err = ParseJob([]byte(rewardJob))
	require.NoError(t, err)
	assert.Equal(t, "a1", job.ApplicationID)

	invalid := map[string]string{
		"not json":              `{`,
		"unknown kind":          `{"kind":"vote","space":{"id":"s1"}}`,
		"missing space":         `{"kind":"reward","reward":{"id":"r1"}}`,
		"proposal needs event":  `{"kind":"proposal","space":{"id":"s1"},"proposal":{"id":"p1"}}`,
		"proposal reward event": `{"kind":"proposal","event":"reward_submission_approved","space":{"id":"s1"},"proposal":{"id":"p1"}}`,
		"reward missing":        `{"kind":"reward","space":{"id":"s1"}}`,
		"empty space id":        `{"kind":"reward","space":{"id":""},"reward":{"id":"r1"}}`,
	}
	for name, body := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJob([]byte(body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}

	job, err := ParseJob([]byte(proposalJob))
	require.NoError(t, err)
	_, err = Dispatch(ctx, h, job)
	require.NoError(t, err)
	assert.Equal(t, []credentials.CredentialEvent{credentials.EventProposalApproved}, h.proposals)

	h.err = credentials.Invalid("chainId", credentials.ErrUnsupportedChain)
	_, err = Dispatch(ctx, h, job)
	assert.ErrorIs(t, err, ErrMalformed, "validation errors never succeed on retry")

	h.err = errors.New("database unavailable")
	_, err = Dispatch(ctx, h, job)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)

	_, err = Dispatch(ctx, h, Job{Kind: KindReward})
	assert.ErrorIs(t, err, ErrMalformed)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	return client
}

// Requires a running Redis; skipped otherwise.
func TestConsumer_AcksSuccessAndMalformed(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	stream := fmt.Sprintf("test-jobs-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, stream) })

	h := &recordingHandler{}
	c := NewConsumer(client, stream, "workers", h, WithBlock(100*time.Millisecond))
	require.NoError(t, c.EnsureGroup(ctx))
	require.NoError(t, c.EnsureGroup(ctx), "group creation is idempotent")

	job, err := ParseJob([]byte(rewardJob))
	require.NoError(t, err)
	_, err = Enqueue(ctx, client, stream, job)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{jobField: "garbage"}}).Err())

	acked, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)
	assert.Equal(t, []string{"a1"}, h.rewards)

	pending, err := client.XPending(ctx, stream, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

// Requires a running Redis; skipped otherwise.
func TestConsumer_TransientFailureIsRedelivered(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	stream := fmt.Sprintf("test-jobs-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, stream) })

	h := &recordingHandler{report: issuance.Report{Results: []issuance.Result{{Outcome: issuance.OutcomeFailed}}}}
	c := NewConsumer(client, stream, "workers", h, WithBlock(100*time.Millisecond), WithRedelivery(0, 3))
	require.NoError(t, c.EnsureGroup(ctx))

	job, err := ParseJob([]byte(proposalJob))
	require.NoError(t, err)
	_, err = Enqueue(ctx, client, stream, job)
	require.NoError(t, err)

	acked, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, acked)
	assert.Equal(t, 1, h.calls())

	h.mu.Lock()
	h.report = issuance.Report{}
	h.mu.Unlock()

	acked, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	assert.Equal(t, 2, h.calls())
}
