package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/types"
)

const workItemColumns = `id, server_id, type, payload, status, attempts, max_attempts, created_at, started_at`

func scanWorkItem(row pgx.Row) (*types.WorkItem, error) {
	var w types.WorkItem
	var startedAt *time.Time
	err := row.Scan(&w.ID, &w.ServerID, &w.Type, &w.Payload, &w.Status, &w.Attempts,
		&w.MaxAttempts, &w.CreatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	if startedAt != nil {
		w.StartedAt = *startedAt
	}
	return &w, nil
}

func (s *PostgresStore) EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.ID, w.ServerID, w.Type, w.Payload, w.Status, w.Attempts, w.MaxAttempts, w.CreatedAt, nullTime(w.StartedAt))
	return translate(err, "work_item")
}

// HasPendingOrProcessing checks whether a work item tagged with dedupeKey
// (typically the target deployment or backup id, embedded in the JSON
// payload) is already pending or processing for serverID — the
// idempotence guard behind "enqueuing a deploy item for a deploymentId
// already in pending/processing is a no-op".
func (s *PostgresStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM work_items
			WHERE server_id=$1 AND type=$2 AND status IN ('pending','processing')
			AND payload->>'dedupeKey' = $3
		)`, serverID, itemType, dedupeKey).Scan(&exists)
	if err != nil {
		return false, translate(err, "work_item")
	}
	return exists, nil
}

// FindWorkItem resolves the pending or processing work item of itemType
// carrying dedupeKey for serverID back to its row, the inverse of
// HasPendingOrProcessing. Agent report callbacks (spec §6) carry a
// deploymentId/backupId but never the work item id that delivered the
// command, so dispatcher handlers use this to find the item Complete/Fail
// must finalise. Returns apierr.NotFound if none is in flight — a
// legitimate race when a report is replayed after the item already reached
// a terminal status and was swept.
func (s *PostgresStore) FindWorkItem(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (*types.WorkItem, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE server_id=$1 AND type=$2 AND status IN ('pending','processing')
		AND payload->>'dedupeKey' = $3
		ORDER BY created_at, id
		LIMIT 1`, serverID, itemType, dedupeKey)
	w, err := scanWorkItem(row)
	if err != nil {
		return nil, translate(err, "work_item")
	}
	return w, nil
}

// ClaimWorkItems atomically moves up to max oldest pending items for
// serverID to processing, using SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent control-plane replicas claiming the same server's queue
// never double-deliver an item.
func (s *PostgresStore) ClaimWorkItems(ctx context.Context, serverID string, max int) ([]*types.WorkItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, translate(err, "work_item")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE server_id=$1 AND status='pending'
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, serverID, max)
	if err != nil {
		return nil, translate(err, "work_item")
	}
	var claimed []*types.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			rows.Close()
			return nil, translate(err, "work_item")
		}
		claimed = append(claimed, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translate(err, "work_item")
	}

	now := time.Now()
	for _, w := range claimed {
		if _, err := tx.Exec(ctx, `
			UPDATE work_items SET status='processing', attempts=attempts+1, started_at=$2
			WHERE id=$1`, w.ID, now); err != nil {
			return nil, translate(err, "work_item")
		}
		w.Status = types.WorkItemProcessing
		w.Attempts++
		w.StartedAt = now
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translate(err, "work_item")
	}
	return claimed, nil
}

func (s *PostgresStore) CompleteWorkItem(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE work_items SET status='completed' WHERE id=$1`, id)
	return translate(err, "work_item")
}

// FailWorkItem marks id failed for this attempt. If attempts < maxAttempts
// it is reset to pending (retried is true) so it is re-claimed on a later
// poll, with backoff applied by the caller before flipping it back;
// otherwise it is marked terminally failed.
func (s *PostgresStore) FailWorkItem(ctx context.Context, id string, maxAttempts int) (bool, error) {
	var attempts int
	err := s.q(ctx).QueryRow(ctx, `SELECT attempts FROM work_items WHERE id=$1`, id).Scan(&attempts)
	if err != nil {
		return false, translate(err, "work_item")
	}

	if attempts < maxAttempts {
		_, err := s.q(ctx).Exec(ctx, `UPDATE work_items SET status='pending' WHERE id=$1`, id)
		return true, translate(err, "work_item")
	}

	_, err = s.q(ctx).Exec(ctx, `UPDATE work_items SET status='failed' WHERE id=$1`, id)
	return false, translate(err, "work_item")
}

// RecoverStuckWorkItems returns processing items whose started_at is
// older than stuckAfter back to pending.
func (s *PostgresStore) RecoverStuckWorkItems(ctx context.Context, stuckAfter time.Duration) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE work_items SET status='pending'
		WHERE status='processing' AND started_at < $1`, time.Now().Add(-stuckAfter))
	if err != nil {
		return 0, translate(err, "work_item")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListPendingWorkItemsByServer(ctx context.Context, serviceID string) ([]*types.WorkItem, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE status IN ('pending','processing') AND payload->>'serviceId' = $1
		ORDER BY created_at, id`, serviceID)
	if err != nil {
		return nil, translate(err, "work_item")
	}
	defer rows.Close()
	var out []*types.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, translate(err, "work_item")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePendingWorkItemsForService(ctx context.Context, serviceID string) error {
	_, err := s.q(ctx).Exec(ctx, `
		DELETE FROM work_items
		WHERE status='pending' AND payload->>'serviceId' = $1`, serviceID)
	return translate(err, "work_item")
}
