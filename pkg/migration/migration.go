// Package migration moves a stateful service's single replica from its
// current server to a new lockedServerId: stop, back up every volume,
// reserve a slot on the target, restore each volume there, then start the
// replacement replica. It shares pkg/rollout's advisory-lock and work-queue
// plumbing rather than duplicating a second dispatch path.
package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/allocator"
	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/backup"
	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/imagenorm"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

const (
	stopTimeout    = 2 * time.Minute
	backupTimeout  = 30 * time.Minute
	restoreTimeout = 30 * time.Minute
	startTimeout   = 10 * time.Minute
	pollInterval   = 2 * time.Second
)

// Engine drives a single stateful service through a migration. Only one
// migration per service makes sense at a time; Start refuses to begin a
// second one while service.migrationStatus is already set.
type Engine struct {
	store   store.Store
	alloc   *allocator.Allocator
	queue   *workqueue.Queue
	broker  *events.Broker
	storage config.Storage
	logger  zerolog.Logger

	stopTimeout    time.Duration
	backupTimeout  time.Duration
	restoreTimeout time.Duration
	startTimeout   time.Duration
	pollInterval   time.Duration
}

func New(s store.Store, alloc *allocator.Allocator, q *workqueue.Queue, broker *events.Broker, storage config.Storage) *Engine {
	return &Engine{
		store:          s,
		alloc:          alloc,
		queue:          q,
		broker:         broker,
		storage:        storage,
		logger:         log.WithComponent("migration"),
		stopTimeout:    stopTimeout,
		backupTimeout:  backupTimeout,
		restoreTimeout: restoreTimeout,
		startTimeout:   startTimeout,
		pollInterval:   pollInterval,
	}
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

// Start validates svc is stateful, idle, and not already on targetServerID,
// marks it stopping under the service's advisory lock, and launches the
// migration in the background.
func (e *Engine) Start(ctx context.Context, serviceID, targetServerID string) error {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if !svc.Stateful {
		return apierr.NewValidation("only stateful services can be migrated")
	}
	if svc.MigrationStatus != types.MigrationNone {
		return apierr.NewConflict(fmt.Sprintf("service %s already has a migration in progress (%s)", serviceID, svc.MigrationStatus))
	}
	if svc.LockedServerID == targetServerID {
		return apierr.NewValidation("service is already locked to the target server")
	}
	target, err := e.store.GetServer(ctx, targetServerID)
	if err != nil {
		return err
	}
	if target.Status != types.ServerOnline || target.IsProxy || target.WireguardIP == "" {
		return apierr.NewInsufficientCapacity(fmt.Sprintf("server %s is not eligible to receive a migration", targetServerID))
	}

	err = e.store.WithAdvisoryLock(ctx, serviceID, func(ctx context.Context) error {
		svc.MigrationStatus = types.MigrationStopping
		svc.MigrationError = ""
		svc.UpdatedAt = time.Now()
		return e.store.UpdateService(ctx, svc)
	})
	if err != nil {
		return err
	}

	go e.run(context.Background(), serviceID, targetServerID)
	return nil
}

// ClearState resets a failed migration back to idle so the service can be
// edited or re-migrated. It refuses to clear anything but a terminal
// failure — an in-progress migration must fail or complete first.
func (e *Engine) ClearState(ctx context.Context, serviceID string) error {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if svc.MigrationStatus != types.MigrationFailed {
		return apierr.NewValidation("migration state can only be cleared after a failure")
	}
	svc.MigrationStatus = types.MigrationNone
	svc.MigrationError = ""
	svc.UpdatedAt = time.Now()
	return e.store.UpdateService(ctx, svc)
}

func (e *Engine) run(ctx context.Context, serviceID, targetServerID string) {
	logger := e.logger.With().Str("service_id", serviceID).Str("target_server_id", targetServerID).Logger()

	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload service for migration")
		return
	}

	source, err := e.stopSource(ctx, svc, logger)
	if err == nil {
		var backups []*types.VolumeBackup
		backups, err = e.backUpVolumes(ctx, svc, source, logger)
		if err == nil {
			var target *types.Deployment
			target, err = e.reserveTarget(ctx, svc, targetServerID, logger)
			if err == nil {
				err = e.restoreVolumes(ctx, svc, backups, target, logger)
				if err == nil {
					err = e.startTarget(ctx, svc, target, logger)
					if err == nil {
						err = e.finish(ctx, svc, targetServerID, logger)
					}
				}
			}
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("migration failed")
		svc.MigrationStatus = types.MigrationFailed
		svc.MigrationError = err.Error()
		svc.UpdatedAt = time.Now()
		if uerr := e.store.UpdateService(ctx, svc); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to persist migration failure")
		}
	}
}

func (e *Engine) advance(ctx context.Context, svc *types.Service, status types.MigrationStatus, logger zerolog.Logger) error {
	svc.MigrationStatus = status
	svc.UpdatedAt = time.Now()
	if err := e.store.UpdateService(ctx, svc); err != nil {
		return fmt.Errorf("advance migration to %s: %w", status, err)
	}
	logger.Info().Str("status", string(status)).Msg("migration advanced")
	return nil
}

// stopSource stops the service's single running replica gracefully,
// preserving its volume, and waits for the agent's stopped callback.
func (e *Engine) stopSource(ctx context.Context, svc *types.Service, logger zerolog.Logger) (*types.Deployment, error) {
	running, err := e.store.ListDeploymentsByServiceStatus(ctx, svc.ID, types.DeploymentRunning, types.DeploymentHealthy)
	if err != nil {
		return nil, fmt.Errorf("list running deployments: %w", err)
	}
	if len(running) == 0 {
		return nil, fmt.Errorf("no running deployment to migrate")
	}
	source := running[0]

	source.Status = types.DeploymentStopping
	if err := e.store.UpdateDeployment(ctx, source); err != nil {
		return nil, fmt.Errorf("mark source deployment stopping: %w", err)
	}
	payload := workqueue.StopPayload{DedupeKey: source.ID, ServiceID: svc.ID, DeploymentID: source.ID, ContainerID: source.ContainerID}
	if err := e.queue.Enqueue(ctx, source.ServerID, types.WorkStop, source.ID, payload); err != nil {
		return nil, fmt.Errorf("enqueue stop: %w", err)
	}

	if err := pollUntil(ctx, e.stopTimeout, e.pollInterval, func() (bool, error) {
		d, err := e.store.GetDeployment(ctx, source.ID)
		if err != nil {
			return false, err
		}
		return d.Status == types.DeploymentStopped, nil
	}); err != nil {
		return nil, fmt.Errorf("wait for source stop: %w", err)
	}

	return source, nil
}

// backUpVolumes snapshots every ServiceVolume from the (now stopped)
// source replica and waits for all backups to complete.
func (e *Engine) backUpVolumes(ctx context.Context, svc *types.Service, source *types.Deployment, logger zerolog.Logger) ([]*types.VolumeBackup, error) {
	if err := e.advance(ctx, svc, types.MigrationBackingUp, logger); err != nil {
		return nil, err
	}

	volumes, err := e.store.ListVolumes(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	backups := make([]*types.VolumeBackup, 0, len(volumes))
	for _, v := range volumes {
		b := &types.VolumeBackup{
			ID:                uuid.New().String(),
			VolumeID:          v.ID,
			ServiceID:         svc.ID,
			ServerID:          source.ServerID,
			Status:            types.BackupPending,
			StoragePath:       fmt.Sprintf("migrations/%s/%s", svc.ID, v.Name),
			IsMigrationBackup: true,
			CreatedAt:         time.Now(),
		}
		if err := e.store.CreateVolumeBackup(ctx, b); err != nil {
			return nil, fmt.Errorf("create backup record for %s: %w", v.Name, err)
		}

		payload := workqueue.BackupVolumePayload{
			DedupeKey:     b.ID,
			BackupID:      b.ID,
			ServiceID:     svc.ID,
			ContainerID:   source.ContainerID,
			VolumeName:    v.Name,
			StoragePath:   b.StoragePath,
			BackupType:    backup.TypeForImage(svc.Image),
			ServiceImage:  svc.Image,
			StorageConfig: e.storageConfig(),
		}
		if err := e.queue.Enqueue(ctx, source.ServerID, types.WorkBackupVolume, b.ID, payload); err != nil {
			return nil, fmt.Errorf("enqueue backup for %s: %w", v.Name, err)
		}
		backups = append(backups, b)
	}

	if err := pollUntil(ctx, e.backupTimeout, e.pollInterval, func() (bool, error) {
		for _, b := range backups {
			fresh, err := e.store.GetVolumeBackup(ctx, b.ID)
			if err != nil {
				return false, err
			}
			if fresh.Status == types.BackupFailed {
				return false, fmt.Errorf("backup %s failed", fresh.ID)
			}
			if fresh.Status != types.BackupCompleted {
				return false, nil
			}
		}
		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("wait for backups: %w", err)
	}

	return backups, nil
}

// reserveTarget allocates a host port per ServicePort and a container IP
// on the target server, and inserts the replacement Deployment row in
// pending state — reserved, but not yet told to run a container.
func (e *Engine) reserveTarget(ctx context.Context, svc *types.Service, targetServerID string, logger zerolog.Logger) (*types.Deployment, error) {
	if err := e.advance(ctx, svc, types.MigrationDeployingTarget, logger); err != nil {
		return nil, err
	}

	target, err := e.store.GetServer(ctx, targetServerID)
	if err != nil {
		return nil, err
	}
	ports, err := e.store.ListPorts(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}

	hostPorts, err := e.alloc.HostPortAlloc(ctx, target.ID, len(ports))
	if err != nil {
		return nil, fmt.Errorf("allocate host ports: %w", err)
	}
	ip, err := e.alloc.ContainerIPAlloc(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("allocate container ip: %w", err)
	}

	d := &types.Deployment{
		ID:           uuid.New().String(),
		ServiceID:    svc.ID,
		ServerID:     target.ID,
		IPAddress:    ip,
		Status:       types.DeploymentPending,
		HealthStatus: types.HealthNone,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := e.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("create target deployment: %w", err)
	}
	for i, p := range ports {
		dp := &types.DeploymentPort{ID: uuid.New().String(), DeploymentID: d.ID, ServicePortID: p.ID, ContainerPort: p.Port, HostPort: hostPorts[i]}
		if err := e.store.CreateDeploymentPort(ctx, dp); err != nil {
			return nil, fmt.Errorf("create target deployment port: %w", err)
		}
	}

	return d, nil
}

// restoreVolumes writes each source backup into the target server's
// volume paths, ahead of the replacement container ever starting. Each
// restore gets its own VolumeBackup row (rather than reusing the source
// backup's row) so the agent's restore.completed callback is a distinct
// transition from the already-completed backup.completed one — the
// dispatcher's idempotence check would otherwise treat a second report of
// the same status as a no-op and the wait below would never observe it.
func (e *Engine) restoreVolumes(ctx context.Context, svc *types.Service, backups []*types.VolumeBackup, target *types.Deployment, logger zerolog.Logger) error {
	if err := e.advance(ctx, svc, types.MigrationRestoring, logger); err != nil {
		return err
	}

	restores := make([]*types.VolumeBackup, 0, len(backups))
	for _, b := range backups {
		restore := &types.VolumeBackup{
			ID:                uuid.New().String(),
			VolumeID:          b.VolumeID,
			ServiceID:         svc.ID,
			ServerID:          target.ServerID,
			Status:            types.BackupPending,
			StoragePath:       b.StoragePath,
			IsMigrationBackup: true,
			CreatedAt:         time.Now(),
		}
		if err := e.store.CreateVolumeBackup(ctx, restore); err != nil {
			return fmt.Errorf("create restore record: %w", err)
		}

		payload := workqueue.RestoreVolumePayload{
			BackupVolumePayload: workqueue.BackupVolumePayload{
				DedupeKey:     restore.ID,
				BackupID:      restore.ID,
				ServiceID:     svc.ID,
				StoragePath:   b.StoragePath,
				BackupType:    backup.TypeForImage(svc.Image),
				ServiceImage:  svc.Image,
				StorageConfig: e.storageConfig(),
			},
			ExpectedChecksum: b.Checksum,
		}
		if err := e.queue.Enqueue(ctx, target.ServerID, types.WorkRestoreVolume, restore.ID, payload); err != nil {
			return fmt.Errorf("enqueue restore: %w", err)
		}
		restores = append(restores, restore)
	}

	return pollUntil(ctx, e.restoreTimeout, e.pollInterval, func() (bool, error) {
		for _, r := range restores {
			fresh, err := e.store.GetVolumeBackup(ctx, r.ID)
			if err != nil {
				return false, err
			}
			if fresh.Status == types.BackupFailed {
				return false, fmt.Errorf("restore %s failed", fresh.ID)
			}
			if fresh.Status != types.BackupCompleted {
				return false, nil
			}
		}
		return true, nil
	})
}

// startTarget enqueues the deploy work item for the reserved target
// deployment now that its volume data is in place, and waits for it to
// report healthy.
func (e *Engine) startTarget(ctx context.Context, svc *types.Service, target *types.Deployment, logger zerolog.Logger) error {
	if err := e.advance(ctx, svc, types.MigrationStarting, logger); err != nil {
		return err
	}

	server, err := e.store.GetServer(ctx, target.ServerID)
	if err != nil {
		return err
	}
	dports, err := e.store.ListDeploymentPortsByDeployment(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("list target ports: %w", err)
	}
	mappings := make([]workqueue.PortMapping, 0, len(dports))
	for _, dp := range dports {
		mappings = append(mappings, workqueue.PortMapping{ContainerPort: dp.ContainerPort, HostPort: dp.HostPort})
	}
	var healthCheck *workqueue.HealthCheckSpec
	if svc.HealthCheck.Cmd != "" {
		healthCheck = &workqueue.HealthCheckSpec{
			Cmd: svc.HealthCheck.Cmd, IntervalS: svc.HealthCheck.IntervalS,
			TimeoutS: svc.HealthCheck.TimeoutS, Retries: svc.HealthCheck.Retries,
			StartPeriodS: svc.HealthCheck.StartPeriodS,
		}
	}

	image, err := imagenorm.Normalize(svc.Image)
	if err != nil {
		return fmt.Errorf("normalise image reference %q: %w", svc.Image, err)
	}

	payload := workqueue.DeployPayload{
		DedupeKey: target.ID, ServiceID: svc.ID, DeploymentID: target.ID, ServiceName: svc.Name,
		Image: image, PortMappings: mappings, WireguardIP: server.WireguardIP,
		IPAddress: target.IPAddress, Name: svc.Name, HealthCheck: healthCheck,
	}
	if err := e.queue.Enqueue(ctx, server.ID, types.WorkDeploy, target.ID, payload); err != nil {
		return fmt.Errorf("enqueue deploy: %w", err)
	}

	return pollUntil(ctx, e.startTimeout, e.pollInterval, func() (bool, error) {
		d, err := e.store.GetDeployment(ctx, target.ID)
		if err != nil {
			return false, err
		}
		if d.Status == types.DeploymentFailed {
			return false, fmt.Errorf("target deployment %s reported failed", d.ID)
		}
		return d.Status == types.DeploymentHealthy, nil
	})
}

func (e *Engine) finish(ctx context.Context, svc *types.Service, targetServerID string, logger zerolog.Logger) error {
	svc.MigrationStatus = types.MigrationNone
	svc.MigrationError = ""
	svc.LockedServerID = targetServerID
	svc.UpdatedAt = time.Now()
	if err := e.store.UpdateService(ctx, svc); err != nil {
		return fmt.Errorf("finish migration: %w", err)
	}
	logger.Info().Msg("migration completed")
	return nil
}

// pollUntil calls check every interval until it returns true, returns an
// error, or timeout elapses.
func pollUntil(ctx context.Context, timeout, interval time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
