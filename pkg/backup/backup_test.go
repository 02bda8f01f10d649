package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

type fakeStore struct {
	store.Store

	services    map[string]*types.Service
	volumes     map[string][]*types.ServiceVolume
	deployments map[string]*types.Deployment
	backups     map[string]*types.VolumeBackup
	enqueued    []*types.WorkItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		services:    make(map[string]*types.Service),
		volumes:     make(map[string][]*types.ServiceVolume),
		deployments: make(map[string]*types.Deployment),
		backups:     make(map[string]*types.VolumeBackup),
	}
}

func (f *fakeStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	return f.services[id], nil
}
func (f *fakeStore) ListVolumes(ctx context.Context, serviceID string) ([]*types.ServiceVolume, error) {
	return f.volumes[serviceID], nil
}
func (f *fakeStore) ListDeploymentsByServiceStatus(ctx context.Context, serviceID string, statuses ...types.DeploymentStatus) ([]*types.Deployment, error) {
	want := make(map[types.DeploymentStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.Deployment
	for _, d := range f.deployments {
		if d.ServiceID == serviceID && want[d.Status] {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeStore) CreateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error {
	f.backups[b.ID] = b
	return nil
}
func (f *fakeStore) GetVolumeBackup(ctx context.Context, id string) (*types.VolumeBackup, error) {
	return f.backups[id], nil
}
func (f *fakeStore) DeleteVolumeBackup(ctx context.Context, id string) error {
	delete(f.backups, id)
	return nil
}
func (f *fakeStore) ListBackupsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.VolumeBackup, error) {
	var out []*types.VolumeBackup
	for _, b := range f.backups {
		if b.CreatedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}
func (f *fakeStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	return false, nil
}
func (f *fakeStore) EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error {
	f.enqueued = append(f.enqueued, w)
	return nil
}

func newTestEngine(fs *fakeStore) *Engine {
	q := workqueue.New(fs, nil)
	return New(fs, q, config.Storage{Provider: "s3", Bucket: "anchor-backups"})
}

func TestTriggerDetectsBackupTypeFromImage(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", Name: "pg", Image: "postgres:16"}
	fs.volumes["svc1"] = []*types.ServiceVolume{{ID: "v1", ServiceID: "svc1", Name: "data"}}
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServiceID: "svc1", ServerID: "s1", ContainerID: "c1", Status: types.DeploymentRunning}
	e := newTestEngine(fs)

	b, err := e.Trigger(context.Background(), "svc1", "v1", "")
	require.NoError(t, err)
	assert.Equal(t, types.BackupPending, b.Status)
	require.Len(t, fs.enqueued, 1)
	assert.Equal(t, types.WorkBackupVolume, fs.enqueued[0].Type)
}

func TestTriggerFailsWithoutRunningDeployment(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", Image: "redis:7"}
	fs.volumes["svc1"] = []*types.ServiceVolume{{ID: "v1", ServiceID: "svc1", Name: "data"}}
	e := newTestEngine(fs)

	_, err := e.Trigger(context.Background(), "svc1", "v1", "")
	assert.Error(t, err)
}

func TestTriggerFailsForUnknownVolume(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", Image: "redis:7"}
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServiceID: "svc1", ServerID: "s1", Status: types.DeploymentRunning}
	e := newTestEngine(fs)

	_, err := e.Trigger(context.Background(), "svc1", "missing", "")
	assert.Error(t, err)
}

func TestRestoreRejectsIncompleteBackup(t *testing.T) {
	fs := newFakeStore()
	fs.backups["b1"] = &types.VolumeBackup{ID: "b1", ServiceID: "svc1", Status: types.BackupUploading}
	e := newTestEngine(fs)

	err := e.Restore(context.Background(), "b1", "")
	assert.Error(t, err)
}

func TestRestoreDefaultsToSourceServer(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", Image: "mysql:8"}
	fs.volumes["svc1"] = []*types.ServiceVolume{{ID: "v1", ServiceID: "svc1", Name: "data"}}
	fs.backups["b1"] = &types.VolumeBackup{ID: "b1", ServiceID: "svc1", VolumeID: "v1", ServerID: "s1", Status: types.BackupCompleted, Checksum: "abc123"}
	e := newTestEngine(fs)

	err := e.Restore(context.Background(), "b1", "")
	require.NoError(t, err)
	require.Len(t, fs.enqueued, 1)
	assert.Equal(t, "s1", fs.enqueued[0].ServerID)
	assert.Equal(t, types.WorkRestoreVolume, fs.enqueued[0].Type)
}

func TestPurgeExpiredOnlyDeletesMatchingService(t *testing.T) {
	fs := newFakeStore()
	old := time.Now().Add(-48 * time.Hour)
	fs.backups["b1"] = &types.VolumeBackup{ID: "b1", ServiceID: "svc1", CreatedAt: old}
	fs.backups["b2"] = &types.VolumeBackup{ID: "b2", ServiceID: "svc2", CreatedAt: old}
	fs.backups["b3"] = &types.VolumeBackup{ID: "b3", ServiceID: "svc1", CreatedAt: time.Now()}
	e := newTestEngine(fs)

	purged, err := e.PurgeExpired(context.Background(), "svc1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, stillThere := fs.backups["b1"]
	assert.False(t, stillThere)
	_, other := fs.backups["b2"]
	assert.True(t, other)
}
