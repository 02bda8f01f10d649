package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/types"
)

const rolloutColumns = `id, service_id, status, current_stage, failed_stage, cancelled, created_at, completed_at`

func scanRollout(row pgx.Row) (*types.Rollout, error) {
	var r types.Rollout
	var completedAt *time.Time
	err := row.Scan(&r.ID, &r.ServiceID, &r.Status, &r.CurrentStage, &r.FailedStage,
		&r.Cancelled, &r.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	return &r, nil
}

func (s *PostgresStore) CreateRollout(ctx context.Context, r *types.Rollout) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO rollouts (`+rolloutColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ServiceID, r.Status, r.CurrentStage, r.FailedStage, r.Cancelled, r.CreatedAt, nullTime(r.CompletedAt))
	if err != nil {
		translated := translate(err, "rollout")
		if apierr.Is(translated, apierr.AlreadyExists) {
			return apierr.NewConflict("a rollout is already in progress for this service")
		}
		return translated
	}
	return nil
}

func (s *PostgresStore) GetRollout(ctx context.Context, id string) (*types.Rollout, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE id=$1`, id)
	r, err := scanRollout(row)
	if err != nil {
		return nil, translate(err, "rollout")
	}
	return r, nil
}

func (s *PostgresStore) GetInProgressRollout(ctx context.Context, serviceID string) (*types.Rollout, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT `+rolloutColumns+` FROM rollouts WHERE service_id=$1 AND status='in_progress'`, serviceID)
	r, err := scanRollout(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, translate(err, "rollout")
	}
	return r, nil
}

func (s *PostgresStore) ListInProgressRollouts(ctx context.Context) ([]*types.Rollout, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+rolloutColumns+` FROM rollouts WHERE status='in_progress'`)
	if err != nil {
		return nil, translate(err, "rollout")
	}
	defer rows.Close()
	var out []*types.Rollout
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, translate(err, "rollout")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRollout(ctx context.Context, r *types.Rollout) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE rollouts SET status=$2, current_stage=$3, failed_stage=$4, cancelled=$5, completed_at=$6
		WHERE id=$1`,
		r.ID, r.Status, r.CurrentStage, r.FailedStage, r.Cancelled, nullTime(r.CompletedAt))
	if err != nil {
		return translate(err, "rollout")
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "rollout")
	}
	return nil
}
