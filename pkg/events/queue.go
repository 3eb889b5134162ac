package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// jobField is the stream entry field holding the JSON job.
const jobField = "job"

// Enqueue appends job to stream and returns the entry id.
func Enqueue(ctx context.Context, client redis.Cmdable, stream string, job Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{jobField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Consumer reads jobs from a stream as a member of a consumer group.
// Successful and malformed jobs are acked. Jobs that fail transiently stay
// in the pending list and are reclaimed after MinIdle, up to MaxDeliveries.
type Consumer struct {
	client  redis.Cmdable
	stream  string
	group   string
	name    string
	handler Handler

	batch         int64
	block         time.Duration
	minIdle       time.Duration
	maxDeliveries int64
	logger        *slog.Logger
}

type ConsumerOption func(*Consumer)

// WithConsumerName overrides the generated consumer name.
func WithConsumerName(name string) ConsumerOption {
	return func(c *Consumer) { c.name = name }
}

// WithBlock sets how long one read waits for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.block = d }
}

// WithRedelivery sets when a pending job is reclaimed and how many
// deliveries it gets before it is dropped.
func WithRedelivery(minIdle time.Duration, maxDeliveries int64) ConsumerOption {
	return func(c *Consumer) {
		c.minIdle = minIdle
		c.maxDeliveries = maxDeliveries
	}
}

func NewConsumer(client redis.Cmdable, stream, group string, h Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:        client,
		stream:        stream,
		group:         group,
		name:          "credentiald-" + uuid.NewString()[:8],
		handler:       h,
		batch:         16,
		block:         5 * time.Second,
		minIdle:       time.Minute,
		maxDeliveries: 5,
		logger:        slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureGroup creates the stream and consumer group when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "job consumer started", "stream", c.stream, "group", c.group, "consumer", c.name)
	for {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "job poll failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll reclaims stale pending jobs, then reads new ones, and processes
// them. It returns the number of jobs acked.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	acked := 0

	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.minIdle,
		Start:    "0-0",
		Count:    c.batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return acked, fmt.Errorf("reclaim pending jobs: %w", err)
	}
	for _, msg := range claimed {
		acked += c.handle(ctx, msg, true)
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return acked, nil
	}
	if err != nil {
		return acked, fmt.Errorf("read jobs: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			acked += c.handle(ctx, msg, false)
		}
	}
	return acked, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage, redelivered bool) int {
	log := c.logger.With("entry_id", msg.ID)
	err := c.process(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed):
		log.ErrorContext(ctx, "dropping malformed job", "error", err)
	default:
		if redelivered && c.deliveries(ctx, msg.ID) >= c.maxDeliveries {
			log.ErrorContext(ctx, "dropping job after repeated failures", "max_deliveries", c.maxDeliveries, "error", err)
			break
		}
		log.WarnContext(ctx, "job failed, left pending for redelivery", "error", err)
		return 0
	}
	if err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		log.ErrorContext(ctx, "ack failed", "error", err)
		return 0
	}
	return 1
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) error {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return fmt.Errorf("%w: entry has no %q field", ErrMalformed, jobField)
	}
	job, err := ParseJob([]byte(raw))
	if err != nil {
		return err
	}
	report, err := Dispatch(ctx, c.handler, job)
	if err != nil {
		return err
	}
	if n := report.Failed(); n > 0 {
		// Reissue is idempotent, so a redelivery only retries the failures.
		return fmt.Errorf("%d credentials failed", n)
	}
	return nil
}

func (c *Consumer) deliveries(ctx context.Context, id string) int64 {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}
