package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anchorhq/anchor/pkg/types"
)

const volumeBackupColumns = `id, volume_id, service_id, server_id, status, storage_path,
	size_bytes, checksum, is_migration_backup, created_at, completed_at`

func scanVolumeBackup(row pgx.Row) (*types.VolumeBackup, error) {
	var b types.VolumeBackup
	var serverID *string
	var completedAt *time.Time
	err := row.Scan(&b.ID, &b.VolumeID, &b.ServiceID, &serverID, &b.Status, &b.StoragePath,
		&b.SizeBytes, &b.Checksum, &b.IsMigrationBackup, &b.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if serverID != nil {
		b.ServerID = *serverID
	}
	if completedAt != nil {
		b.CompletedAt = *completedAt
	}
	return &b, nil
}

func (s *PostgresStore) CreateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO volume_backups (`+volumeBackupColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.VolumeID, b.ServiceID, nullString(b.ServerID), b.Status, b.StoragePath,
		b.SizeBytes, b.Checksum, b.IsMigrationBackup, b.CreatedAt, nullTime(b.CompletedAt))
	return translate(err, "volume_backup")
}

func (s *PostgresStore) GetVolumeBackup(ctx context.Context, id string) (*types.VolumeBackup, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT `+volumeBackupColumns+` FROM volume_backups WHERE id=$1`, id)
	b, err := scanVolumeBackup(row)
	if err != nil {
		return nil, translate(err, "volume_backup")
	}
	return b, nil
}

func (s *PostgresStore) UpdateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE volume_backups SET status=$2, storage_path=$3, size_bytes=$4, checksum=$5, completed_at=$6
		WHERE id=$1`, b.ID, b.Status, b.StoragePath, b.SizeBytes, b.Checksum, nullTime(b.CompletedAt))
	if err != nil {
		return translate(err, "volume_backup")
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "volume_backup")
	}
	return nil
}

func (s *PostgresStore) ListBackupsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.VolumeBackup, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+volumeBackupColumns+` FROM volume_backups WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, translate(err, "volume_backup")
	}
	defer rows.Close()
	var out []*types.VolumeBackup
	for rows.Next() {
		b, err := scanVolumeBackup(rows)
		if err != nil {
			return nil, translate(err, "volume_backup")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteVolumeBackup(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM volume_backups WHERE id=$1`, id)
	return translate(err, "volume_backup")
}
