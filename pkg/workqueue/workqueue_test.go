package workqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
)

// fakeStore records Enqueue/Claim/Complete/Fail calls in memory; Redis is
// left nil in these tests so Queue falls back to the no-wake-up path.
type fakeStore struct {
	store.Store
	pendingOrProcessing bool
	enqueued            []*types.WorkItem
	claimable           []*types.WorkItem
	completed           []string
	failAttempts        int
	failMaxAttempts     int
}

func (f *fakeStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	return f.pendingOrProcessing, nil
}

func (f *fakeStore) EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error {
	f.enqueued = append(f.enqueued, w)
	return nil
}

func (f *fakeStore) ClaimWorkItems(ctx context.Context, serverID string, max int) ([]*types.WorkItem, error) {
	items := f.claimable
	f.claimable = nil
	return items, nil
}

func (f *fakeStore) CompleteWorkItem(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) FailWorkItem(ctx context.Context, id string, maxAttempts int) (bool, error) {
	return f.failAttempts < maxAttempts, nil
}

func TestEnqueueDeduplicates(t *testing.T) {
	fs := &fakeStore{pendingOrProcessing: true}
	q := New(fs, nil)

	err := q.Enqueue(context.Background(), "s1", types.WorkDeploy, "dep-1", DeployPayload{DeploymentID: "dep-1"})
	require.NoError(t, err)
	assert.Empty(t, fs.enqueued)
}

func TestEnqueueInsertsPendingItem(t *testing.T) {
	fs := &fakeStore{}
	q := New(fs, nil)

	err := q.Enqueue(context.Background(), "s1", types.WorkDeploy, "dep-1", DeployPayload{DeploymentID: "dep-1", ServiceID: "svc1"})
	require.NoError(t, err)
	require.Len(t, fs.enqueued, 1)

	item := fs.enqueued[0]
	assert.Equal(t, types.WorkItemPending, item.Status)
	assert.Equal(t, "s1", item.ServerID)
	assert.Equal(t, 3, item.MaxAttempts)

	var payload DeployPayload
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	assert.Equal(t, "dep-1", payload.DeploymentID)
}

func TestClaimReturnsImmediatelyAvailableItems(t *testing.T) {
	fs := &fakeStore{claimable: []*types.WorkItem{{ID: "w1"}}}
	q := New(fs, nil)

	items, err := q.Claim(context.Background(), "s1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "w1", items[0].ID)
}

func TestClaimWithoutRedisReturnsEmptyWithoutBlocking(t *testing.T) {
	fs := &fakeStore{}
	q := New(fs, nil)

	start := time.Now()
	items, err := q.Claim(context.Background(), "s1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestFailRetriesUnderMaxAttempts(t *testing.T) {
	fs := &fakeStore{failAttempts: 1}
	q := New(fs, nil)

	retried, err := q.Fail(context.Background(), types.WorkDeploy, "w1", 3, 0, "agent unreachable")
	require.NoError(t, err)
	assert.True(t, retried)
}

func TestFailTerminalAtMaxAttempts(t *testing.T) {
	fs := &fakeStore{failAttempts: 3}
	q := New(fs, nil)

	retried, err := q.Fail(context.Background(), types.WorkDeploy, "w1", 3, 2, "agent unreachable")
	require.NoError(t, err)
	assert.False(t, retried)
}

func TestBackoffIsCappedAndPositive(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, backoffCap)
	}
}

func TestComplete(t *testing.T) {
	fs := &fakeStore{}
	q := New(fs, nil)

	err := q.Complete(context.Background(), types.WorkDeploy, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, fs.completed)
}
