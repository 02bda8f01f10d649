package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/alert"
	"github.com/anchorhq/anchor/pkg/allocator"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/placer"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

type fakeStore struct {
	store.Store

	servers         map[string]*types.Server
	services        map[string]*types.Service
	ports           map[string][]*types.ServicePort
	replicas        map[string][]*types.ServiceReplica
	volumes         map[string][]*types.ServiceVolume
	secrets         map[string][]*types.Secret
	rollouts        map[string]*types.Rollout
	deployments     map[string]*types.Deployment
	deploymentPorts map[string][]*types.DeploymentPort
	enqueued        []*types.WorkItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers:         make(map[string]*types.Server),
		services:        make(map[string]*types.Service),
		ports:           make(map[string][]*types.ServicePort),
		replicas:        make(map[string][]*types.ServiceReplica),
		volumes:         make(map[string][]*types.ServiceVolume),
		secrets:         make(map[string][]*types.Secret),
		rollouts:        make(map[string]*types.Rollout),
		deployments:     make(map[string]*types.Deployment),
		deploymentPorts: make(map[string][]*types.DeploymentPort),
	}
}

func (f *fakeStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	return f.services[id], nil
}
func (f *fakeStore) UpdateService(ctx context.Context, s *types.Service) error {
	f.services[s.ID] = s
	return nil
}
func (f *fakeStore) ListServers(ctx context.Context) ([]*types.Server, error) {
	out := make([]*types.Server, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeStore) ListPorts(ctx context.Context, serviceID string) ([]*types.ServicePort, error) {
	return f.ports[serviceID], nil
}
func (f *fakeStore) ListReplicas(ctx context.Context, serviceID string) ([]*types.ServiceReplica, error) {
	return f.replicas[serviceID], nil
}
func (f *fakeStore) ListVolumes(ctx context.Context, serviceID string) ([]*types.ServiceVolume, error) {
	return f.volumes[serviceID], nil
}
func (f *fakeStore) ListSecrets(ctx context.Context, serviceID string) ([]*types.Secret, error) {
	return f.secrets[serviceID], nil
}
func (f *fakeStore) CreateRollout(ctx context.Context, r *types.Rollout) error {
	f.rollouts[r.ID] = r
	return nil
}
func (f *fakeStore) GetRollout(ctx context.Context, id string) (*types.Rollout, error) {
	return f.rollouts[id], nil
}
func (f *fakeStore) GetInProgressRollout(ctx context.Context, serviceID string) (*types.Rollout, error) {
	for _, r := range f.rollouts {
		if r.ServiceID == serviceID && r.Status == types.RolloutInProgress {
			return r, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) UpdateRollout(ctx context.Context, r *types.Rollout) error {
	f.rollouts[r.ID] = r
	return nil
}
func (f *fakeStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}
func (f *fakeStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	return f.deployments[id], nil
}
func (f *fakeStore) ListDeploymentsByService(ctx context.Context, serviceID string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	for _, d := range f.deployments {
		if d.ServiceID == serviceID {
			out = append(out, d)
		}
	}
	return out, nil
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
func (f *fakeStore) ListDeploymentsByServer(ctx context.Context, serverID string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	for _, d := range f.deployments {
		if d.ServerID == serverID {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}
func (f *fakeStore) DeleteDeployment(ctx context.Context, id string) error {
	delete(f.deployments, id)
	return nil
}
func (f *fakeStore) CreateDeploymentPort(ctx context.Context, p *types.DeploymentPort) error {
	f.deploymentPorts[p.DeploymentID] = append(f.deploymentPorts[p.DeploymentID], p)
	return nil
}
func (f *fakeStore) ListDeploymentPortsByDeployment(ctx context.Context, deploymentID string) ([]*types.DeploymentPort, error) {
	return f.deploymentPorts[deploymentID], nil
}
func (f *fakeStore) ListUsedHostPorts(ctx context.Context, serverID string) (map[int]bool, error) {
	used := make(map[int]bool)
	for _, ports := range f.deploymentPorts {
		for _, p := range ports {
			used[p.HostPort] = true
		}
	}
	return used, nil
}
func (f *fakeStore) ListUsedIPs(ctx context.Context, serverID string) (map[string]bool, error) {
	used := make(map[string]bool)
	for _, d := range f.deployments {
		if d.ServerID == serverID && d.IPAddress != "" {
			used[d.IPAddress] = true
		}
	}
	return used, nil
}
func (f *fakeStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	return false, nil
}
func (f *fakeStore) EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error {
	f.enqueued = append(f.enqueued, w)
	return nil
}
func (f *fakeStore) TryAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeStore) WithAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestEngine(t *testing.T, fs *fakeStore) *Engine {
	t.Helper()
	alloc := allocator.New(fs, allocator.Config{})
	q := workqueue.New(fs, nil)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	secrets, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)

	e := New(fs, alloc, q, broker, nil, alert.NoopSink{}, secrets)
	e.pollInterval = 5 * time.Millisecond
	e.healthCheckTimeout = 30 * time.Millisecond
	e.dnsSyncTimeout = 30 * time.Millisecond
	return e
}

func freshService() *types.Service {
	return &types.Service{ID: "svc1", Name: "web", Replicas: 1, AutoPlace: true, Image: "nginx:latest"}
}

func TestStagePreparingFreshDeployPlacesOnline(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1", Status: types.ServerOnline, WireguardIP: "10.8.0.1"}
	e := newTestEngine(t, fs)

	svc := freshService()
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID, CurrentStage: types.StagePreparing}
	logger := e.logger

	plan, err := e.stagePreparing(context.Background(), r, svc, logger)
	require.NoError(t, err)
	require.Len(t, plan.placements, 1)
	assert.Equal(t, "s1", plan.placements[0].ServerID)
	assert.False(t, plan.isRollingUpdate)
}

func TestStagePreparingRejectsOfflineServer(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1", Status: types.ServerOffline}
	e := newTestEngine(t, fs)

	svc := freshService()
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID}

	_, err := e.stagePreparing(context.Background(), r, svc, e.logger)
	assert.Error(t, err)
}

func TestStagePreparingRollingUpdateMarksDraining(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1", Status: types.ServerOnline, WireguardIP: "10.8.0.1"}
	fs.deployments["old1"] = &types.Deployment{ID: "old1", ServiceID: "svc1", ServerID: "s1", Status: types.DeploymentRunning}
	e := newTestEngine(t, fs)

	svc := freshService()
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID}

	plan, err := e.stagePreparing(context.Background(), r, svc, e.logger)
	require.NoError(t, err)
	assert.True(t, plan.isRollingUpdate)
	require.Len(t, plan.priorDeployments, 1)
	assert.Equal(t, types.DeploymentDraining, fs.deployments["old1"].Status)
}

func TestStageDeployingAllocatesAndEnqueuesDeploy(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1", Status: types.ServerOnline, WireguardIP: "10.8.0.1"}
	fs.ports["svc1"] = []*types.ServicePort{{ID: "p1", ServiceID: "svc1", Port: 8080}}
	e := newTestEngine(t, fs)

	svc := freshService()
	fs.services[svc.ID] = svc
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID}
	plan := &stagePlan{placements: []placer.Placement{{ServerID: "s1", Count: 1}}}

	err := e.stageDeploying(context.Background(), r, svc, plan, e.logger)
	require.NoError(t, err)
	require.Len(t, plan.newDeployments, 1)
	assert.Equal(t, "s1", plan.newDeployments[0].ServerID)
	assert.NotEmpty(t, plan.newDeployments[0].IPAddress)
	require.Len(t, fs.enqueued, 1)
	assert.Equal(t, types.WorkDeploy, fs.enqueued[0].Type)
	assert.NotNil(t, svc.DeployedConfig)
}

func TestStageHealthCheckSucceedsWhenAllHealthy(t *testing.T) {
	fs := newFakeStore()
	fs.deployments["d1"] = &types.Deployment{ID: "d1", Status: types.DeploymentHealthy}
	e := newTestEngine(t, fs)

	r := &types.Rollout{ID: "r1"}
	plan := &stagePlan{newDeployments: []*types.Deployment{fs.deployments["d1"]}}

	err := e.stageHealthCheck(context.Background(), r, plan, e.logger)
	assert.NoError(t, err)
}

func TestStageHealthCheckTimesOut(t *testing.T) {
	fs := newFakeStore()
	fs.deployments["d1"] = &types.Deployment{ID: "d1", Status: types.DeploymentStarting}
	e := newTestEngine(t, fs)

	r := &types.Rollout{ID: "r1"}
	plan := &stagePlan{newDeployments: []*types.Deployment{fs.deployments["d1"]}}

	err := e.stageHealthCheck(context.Background(), r, plan, e.logger)
	require.Error(t, err)
	assert.Equal(t, types.FailedHealthCheckTimeout, failedStageFor(err))
}

func TestStageHealthCheckFailsOnDeploymentFailed(t *testing.T) {
	fs := newFakeStore()
	fs.deployments["d1"] = &types.Deployment{ID: "d1", Status: types.DeploymentFailed}
	e := newTestEngine(t, fs)

	r := &types.Rollout{ID: "r1"}
	plan := &stagePlan{newDeployments: []*types.Deployment{fs.deployments["d1"]}}

	err := e.stageHealthCheck(context.Background(), r, plan, e.logger)
	require.Error(t, err)
	assert.Equal(t, types.FailedDeployFailed, failedStageFor(err))
}

func TestStageDNSSyncWarnsOnTimeoutButDoesNotFail(t *testing.T) {
	fs := newFakeStore()
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServiceID: "svc1", ServerID: "s1", Status: types.DeploymentHealthy}
	e := newTestEngine(t, fs)

	svc := freshService()
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID}
	plan := &stagePlan{newDeployments: []*types.Deployment{fs.deployments["d1"]}}

	err := e.stageDNSSync(context.Background(), r, svc, plan, e.logger)
	assert.NoError(t, err)
	assert.Equal(t, types.DeploymentRunning, fs.deployments["d1"].Status)
}

func TestRollbackRevertsDrainingAndEnqueuesForceCleanup(t *testing.T) {
	fs := newFakeStore()
	fs.deployments["old1"] = &types.Deployment{ID: "old1", ServiceID: "svc1", ServerID: "s1", Status: types.DeploymentDraining}
	fs.deployments["new1"] = &types.Deployment{ID: "new1", ServiceID: "svc1", ServerID: "s1", ContainerID: "c1", Status: types.DeploymentStarting}
	e := newTestEngine(t, fs)

	svc := freshService()
	r := &types.Rollout{ID: "r1", ServiceID: svc.ID, Status: types.RolloutInProgress}
	plan := &stagePlan{
		isRollingUpdate:  true,
		priorDeployments: []*types.Deployment{fs.deployments["old1"]},
		newDeployments:   []*types.Deployment{fs.deployments["new1"]},
	}

	e.rollback(context.Background(), r, svc, plan, types.FailedHealthCheckTimeout, e.logger)

	assert.Equal(t, types.RolloutRolledBack, r.Status)
	assert.Equal(t, types.DeploymentRunning, fs.deployments["old1"].Status)
	assert.Equal(t, types.DeploymentRolledBack, fs.deployments["new1"].Status)
	require.Len(t, fs.enqueued, 1)
	assert.Equal(t, types.WorkForceCleanup, fs.enqueued[0].Type)
}
