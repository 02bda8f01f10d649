// Package workqueue is the per-server FIFO of imperative commands dispatched
// to agents: enqueue, claim, complete, fail, with exponential-backoff retry
// and wake-up notification for long-polling claimants.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/metrics"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Queue enqueues, claims and finalises work items against Store, and wakes
// long-polling Claim callers via Redis pub/sub as soon as new work lands.
type Queue struct {
	store  store.Store
	redis  *redis.Client
	logger zerolog.Logger
}

func New(s store.Store, rdb *redis.Client) *Queue {
	return &Queue{store: s, redis: rdb, logger: log.WithComponent("workqueue")}
}

func wakeChannel(serverID string) string {
	return "workqueue:" + serverID
}

// Enqueue inserts a pending item for serverID carrying payload, unless a
// pending or processing item with the same dedupeKey and type already
// exists for that server (the "enqueuing a deploy item for a deploymentId
// already in pending/processing is a no-op" idempotence law).
func (q *Queue) Enqueue(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", itemType, err)
	}

	exists, err := q.store.HasPendingOrProcessing(ctx, serverID, itemType, dedupeKey)
	if err != nil {
		return fmt.Errorf("check existing %s item: %w", itemType, err)
	}
	if exists {
		q.logger.Debug().Str("server_id", serverID).Str("type", string(itemType)).Str("dedupe_key", dedupeKey).
			Msg("work item already pending or processing, skipping enqueue")
		return nil
	}

	item := &types.WorkItem{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		Type:        itemType,
		Payload:     raw,
		Status:      types.WorkItemPending,
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	}
	if err := q.store.EnqueueWorkItem(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s item: %w", itemType, err)
	}

	metrics.WorkItemsEnqueuedTotal.WithLabelValues(string(itemType)).Inc()
	q.wake(ctx, serverID)
	return nil
}

// wake notifies any blocked Claim long-poll for serverID. Best-effort: a
// missed notification only costs the poll-interval fallback, never
// correctness.
func (q *Queue) wake(ctx context.Context, serverID string) {
	if q.redis == nil {
		return
	}
	if err := q.redis.Publish(ctx, wakeChannel(serverID), "1").Err(); err != nil {
		q.logger.Warn().Err(err).Str("server_id", serverID).Msg("failed to publish work queue wake-up")
	}
}

// Claim atomically moves up to max oldest pending items for serverID to
// processing. If none are immediately available and a Redis client is
// configured, it subscribes to serverID's wake channel and retries once on
// a wake-up or when the poll interval elapses, whichever comes first.
func (q *Queue) Claim(ctx context.Context, serverID string, max int, pollInterval time.Duration) ([]*types.WorkItem, error) {
	items, err := q.store.ClaimWorkItems(ctx, serverID, max)
	if err != nil {
		return nil, fmt.Errorf("claim work items: %w", err)
	}
	if len(items) > 0 || q.redis == nil {
		return items, nil
	}

	sub := q.redis.Subscribe(ctx, wakeChannel(serverID))
	defer sub.Close()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	select {
	case <-sub.Channel():
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	items, err = q.store.ClaimWorkItems(ctx, serverID, max)
	if err != nil {
		return nil, fmt.Errorf("claim work items after wake-up: %w", err)
	}
	return items, nil
}

// Complete marks itemID finished.
func (q *Queue) Complete(ctx context.Context, itemType types.WorkItemType, itemID string) error {
	if err := q.store.CompleteWorkItem(ctx, itemID); err != nil {
		return fmt.Errorf("complete work item %s: %w", itemID, err)
	}
	metrics.WorkItemsCompletedTotal.WithLabelValues(string(itemType)).Inc()
	return nil
}

// Fail records a failed attempt at itemID. If the item has attempts left it
// is reset to pending after an exponential backoff with jitter (base 1s,
// doubling, capped at 30s) so the Claim loop does not hammer a failing
// item; otherwise it is marked terminally failed and the caller (the
// dispatcher's report handler) reacts to the false return by marking the
// deployment failed.
func (q *Queue) Fail(ctx context.Context, itemType types.WorkItemType, itemID string, maxAttempts int, attempt int, reason string) (retried bool, err error) {
	if attempt < maxAttempts {
		time.Sleep(backoff(attempt))
	}
	retried, err = q.store.FailWorkItem(ctx, itemID, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("fail work item %s: %w", itemID, err)
	}

	q.logger.Warn().Str("item_id", itemID).Str("reason", reason).Bool("retried", retried).Msg("work item failed")
	if !retried {
		metrics.WorkItemsFailedTotal.WithLabelValues(string(itemType)).Inc()
	}
	return retried, nil
}

// backoff returns base*2^attempt with +/-20% jitter, capped at backoffCap.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	spread := int64(d) / 5
	d += time.Duration(rand.Int63n(2*spread+1) - spread)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
