// Package backup provides on-demand and scheduled snapshots of service
// volumes. The control plane never touches object storage itself: agents
// upload and download against the coordinates carried in a work item's
// storageConfig, and this package is purely the lifecycle bookkeeping
// around that — VolumeBackup rows, checksums, and retention.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

type Engine struct {
	store   store.Store
	queue   *workqueue.Queue
	storage config.Storage
	logger  zerolog.Logger
}

func New(s store.Store, q *workqueue.Queue, storage config.Storage) *Engine {
	return &Engine{store: s, queue: q, storage: storage, logger: log.WithComponent("backup")}
}

func (e *Engine) storageConfig() workqueue.StorageConfig {
	return workqueue.StorageConfig{
		Provider:  e.storage.Provider,
		Bucket:    e.storage.Bucket,
		Region:    e.storage.Region,
		Endpoint:  e.storage.Endpoint,
		AccessKey: e.storage.AccessKey,
		SecretKey: e.storage.SecretKey,
	}
}

// Trigger snapshots volumeID of serviceID from its currently running
// deployment's server. typeOverride forces a backup format; empty picks
// one from the service's image signature.
func (e *Engine) Trigger(ctx context.Context, serviceID, volumeID, typeOverride string) (*types.VolumeBackup, error) {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	volumes, err := e.store.ListVolumes(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	var vol *types.ServiceVolume
	for _, v := range volumes {
		if v.ID == volumeID {
			vol = v
			break
		}
	}
	if vol == nil {
		return nil, apierr.NewNotFound(fmt.Sprintf("volume %s not found on service %s", volumeID, serviceID))
	}

	running, err := e.store.ListDeploymentsByServiceStatus(ctx, serviceID, types.DeploymentRunning, types.DeploymentHealthy)
	if err != nil {
		return nil, fmt.Errorf("list running deployments: %w", err)
	}
	if len(running) == 0 {
		return nil, apierr.NewConflict(fmt.Sprintf("service %s has no running deployment to back up", serviceID))
	}
	d := running[0]

	backupType := typeOverride
	if backupType == "" {
		backupType = TypeForImage(svc.Image)
	}

	id := uuid.New().String()
	b := &types.VolumeBackup{
		ID:          id,
		VolumeID:    vol.ID,
		ServiceID:   serviceID,
		ServerID:    d.ServerID,
		Status:      types.BackupPending,
		StoragePath: fmt.Sprintf("backups/%s/%s/%s", serviceID, vol.Name, id),
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateVolumeBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	payload := workqueue.BackupVolumePayload{
		DedupeKey:     b.ID,
		BackupID:      b.ID,
		ServiceID:     serviceID,
		ContainerID:   d.ContainerID,
		VolumeName:    vol.Name,
		StoragePath:   b.StoragePath,
		BackupType:    backupType,
		ServiceImage:  svc.Image,
		StorageConfig: e.storageConfig(),
	}
	if err := e.queue.Enqueue(ctx, d.ServerID, types.WorkBackupVolume, b.ID, payload); err != nil {
		return nil, fmt.Errorf("enqueue backup: %w", err)
	}

	e.logger.Info().Str("backup_id", b.ID).Str("service_id", serviceID).Str("volume", vol.Name).Msg("backup triggered")
	return b, nil
}

// Restore enqueues a restore_volume item for a completed backup. If
// targetServerID is empty, it restores onto the server the backup was
// taken from. The agent verifies the stored checksum before applying —
// Restore only needs to pass it along.
func (e *Engine) Restore(ctx context.Context, backupID, targetServerID string) error {
	b, err := e.store.GetVolumeBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if b == nil {
		return apierr.NewNotFound(fmt.Sprintf("backup %s not found", backupID))
	}
	if b.Status != types.BackupCompleted {
		return apierr.NewValidation(fmt.Sprintf("backup %s is not completed (status %s)", backupID, b.Status))
	}

	if targetServerID == "" {
		targetServerID = b.ServerID
	}

	svc, err := e.store.GetService(ctx, b.ServiceID)
	if err != nil {
		return err
	}
	volumes, err := e.store.ListVolumes(ctx, b.ServiceID)
	if err != nil {
		return fmt.Errorf("list volumes: %w", err)
	}
	var volumeName string
	for _, v := range volumes {
		if v.ID == b.VolumeID {
			volumeName = v.Name
			break
		}
	}

	dedupe := b.ID + ":restore"
	payload := workqueue.RestoreVolumePayload{
		BackupVolumePayload: workqueue.BackupVolumePayload{
			DedupeKey:     dedupe,
			BackupID:      b.ID,
			ServiceID:     b.ServiceID,
			VolumeName:    volumeName,
			StoragePath:   b.StoragePath,
			BackupType:    TypeForImage(svc.Image),
			ServiceImage:  svc.Image,
			StorageConfig: e.storageConfig(),
		},
		ExpectedChecksum: b.Checksum,
	}
	if err := e.queue.Enqueue(ctx, targetServerID, types.WorkRestoreVolume, dedupe, payload); err != nil {
		return fmt.Errorf("enqueue restore: %w", err)
	}

	e.logger.Info().Str("backup_id", b.ID).Str("target_server_id", targetServerID).Msg("restore triggered")
	return nil
}

// PurgeExpired deletes serviceID's backup bookkeeping rows older than
// cutoff. It does not reach into object storage — per this package's
// doc comment, that stays the agent's and the storage provider's own
// lifecycle policy (e.g. an S3 bucket lifecycle rule mirroring
// retentionDays) rather than a new round-trip work item type.
func (e *Engine) PurgeExpired(ctx context.Context, serviceID string, cutoff time.Time) (int, error) {
	candidates, err := e.store.ListBackupsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired backups: %w", err)
	}

	purged := 0
	for _, b := range candidates {
		if b.ServiceID != serviceID {
			continue
		}
		if err := e.store.DeleteVolumeBackup(ctx, b.ID); err != nil {
			e.logger.Error().Err(err).Str("backup_id", b.ID).Msg("failed to delete expired backup record")
			continue
		}
		purged++
	}
	return purged, nil
}
