package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/alert"
	"github.com/anchorhq/anchor/pkg/allocator"
	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/migration"
	"github.com/anchorhq/anchor/pkg/rollout"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

// fakeStore backs both the handler under test and the real rollout/migration
// engines it's wired to. A migration or rollout Start spawns its state
// machine on a background goroutine (see pkg/migration, pkg/rollout), so
// this has to implement every Store method those goroutines can reach —
// not just the ones the handler itself calls — or they panic on a nil
// embedded interface after the test has already made its assertions.
type fakeStore struct {
	store.Store

	servers         map[string]*types.Server
	services        map[string]*types.Service
	ports           map[string][]*types.ServicePort
	volumes         map[string][]*types.ServiceVolume
	deployments     map[string]*types.Deployment
	deploymentPorts map[string][]*types.DeploymentPort
	backups         map[string]*types.VolumeBackup
	rollouts        map[string]*types.Rollout
	secrets         []*types.Secret
	enqueued        []*types.WorkItem

	replacedReplicas map[string][]*types.ServiceReplica
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers:          make(map[string]*types.Server),
		services:         make(map[string]*types.Service),
		ports:            make(map[string][]*types.ServicePort),
		volumes:          make(map[string][]*types.ServiceVolume),
		deployments:      make(map[string]*types.Deployment),
		deploymentPorts:  make(map[string][]*types.DeploymentPort),
		backups:          make(map[string]*types.VolumeBackup),
		rollouts:         make(map[string]*types.Rollout),
		replacedReplicas: make(map[string][]*types.ServiceReplica),
	}
}

func (f *fakeStore) CreateServer(ctx context.Context, s *types.Server) error {
	f.servers[s.ID] = s
	return nil
}
func (f *fakeStore) GetServer(ctx context.Context, id string) (*types.Server, error) {
	return f.servers[id], nil
}
func (f *fakeStore) ListServers(ctx context.Context) ([]*types.Server, error) {
	out := make([]*types.Server, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeStore) DeleteServer(ctx context.Context, id string) error {
	delete(f.servers, id)
	return nil
}

func (f *fakeStore) CreateService(ctx context.Context, s *types.Service) error {
	f.services[s.ID] = s
	return nil
}
func (f *fakeStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	return f.services[id], nil
}
func (f *fakeStore) UpdateService(ctx context.Context, s *types.Service) error {
	f.services[s.ID] = s
	return nil
}
func (f *fakeStore) DeleteService(ctx context.Context, id string) error {
	delete(f.services, id)
	return nil
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
func (f *fakeStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}
func (f *fakeStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	return f.deployments[id], nil
}
func (f *fakeStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}
func (f *fakeStore) DeleteDeployment(ctx context.Context, id string) error {
	delete(f.deployments, id)
	return nil
}

func (f *fakeStore) ListPorts(ctx context.Context, serviceID string) ([]*types.ServicePort, error) {
	return f.ports[serviceID], nil
}
func (f *fakeStore) ListVolumes(ctx context.Context, serviceID string) ([]*types.ServiceVolume, error) {
	return f.volumes[serviceID], nil
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
func (f *fakeStore) CreateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error {
	f.backups[b.ID] = b
	return nil
}
func (f *fakeStore) GetVolumeBackup(ctx context.Context, id string) (*types.VolumeBackup, error) {
	return f.backups[id], nil
}
func (f *fakeStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	return false, nil
}

// EnqueueWorkItem simulates an agent instantly completing whatever work the
// migration/rollout engines hand out, so their background goroutines reach
// a terminal state instead of blocking on pollUntil until their own timeout.
func (f *fakeStore) EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error {
	f.enqueued = append(f.enqueued, w)

	var fields map[string]any
	_ = json.Unmarshal(w.Payload, &fields)

	switch w.Type {
	case types.WorkStop:
		if id, _ := fields["deploymentId"].(string); id != "" {
			if d := f.deployments[id]; d != nil {
				d.Status = types.DeploymentStopped
			}
		}
	case types.WorkBackupVolume, types.WorkRestoreVolume:
		if id, _ := fields["backupId"].(string); id != "" {
			if b := f.backups[id]; b != nil {
				b.Status = types.BackupCompleted
			}
		}
	case types.WorkDeploy:
		if id, _ := fields["deploymentId"].(string); id != "" {
			if d := f.deployments[id]; d != nil {
				d.Status = types.DeploymentHealthy
			}
		}
	}
	return nil
}

func (f *fakeStore) GetInProgressRollout(ctx context.Context, serviceID string) (*types.Rollout, error) {
	return f.rollouts[serviceID], nil
}
func (f *fakeStore) CreateRollout(ctx context.Context, r *types.Rollout) error {
	f.rollouts[r.ServiceID] = r
	return nil
}
func (f *fakeStore) UpdateRollout(ctx context.Context, r *types.Rollout) error {
	f.rollouts[r.ServiceID] = r
	return nil
}
func (f *fakeStore) DeletePendingWorkItemsForService(ctx context.Context, serviceID string) error {
	return nil
}

func (f *fakeStore) ReplaceReplicas(ctx context.Context, serviceID string, replicas []*types.ServiceReplica) error {
	f.replacedReplicas[serviceID] = replicas
	return nil
}
func (f *fakeStore) UpsertSecret(ctx context.Context, secret *types.Secret) error {
	f.secrets = append(f.secrets, secret)
	return nil
}

func (f *fakeStore) WithAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeStore) TryAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// newTestHandler wires a Handler against fakeStore with real, but inert,
// rollout/migration engines: workqueue and broker are real, Redis is nil
// (workqueue tolerates that, see Queue.wake), so Start/Cancel/ClearState
// exercise the handler's own logic without needing a live agent.
func newTestHandler(t *testing.T, fs *fakeStore) *Handler {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	queue := workqueue.New(fs, nil)
	alloc := allocator.New(fs, allocator.Config{HostPortMin: 20000, HostPortMax: 21000})
	secrets, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)

	rolloutEngine := rollout.New(fs, alloc, queue, broker, rollout.NoCertIssuer{}, alert.NoopSink{}, secrets)
	migrationEngine := migration.New(fs, alloc, queue, broker, config.Storage{})

	return New(fs, rolloutEngine, migrationEngine, queue, broker, secrets, time.Hour)
}

func router(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doRequest(r chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestEnrollServerRejectsInvalidPublicIP(t *testing.T) {
	h := newTestHandler(t, newFakeStore())
	rec := doRequest(router(h), http.MethodPost, "/servers/", map[string]any{
		"name":     "box-1",
		"publicIp": "not-an-ip",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEnrollServerSucceedsAndReturnsInstallCommand(t *testing.T) {
	h := newTestHandler(t, newFakeStore())
	rec := doRequest(router(h), http.MethodPost, "/servers/", map[string]any{
		"name":     "box-1",
		"publicIp": "203.0.113.10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp enrollServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.EnrollmentToken)
	assert.Contains(t, resp.InstallCommand, resp.Server.ID)
}

func TestCreateServiceRejectsStatefulWithMultipleReplicas(t *testing.T) {
	h := newTestHandler(t, newFakeStore())
	rec := doRequest(router(h), http.MethodPost, "/services/", map[string]any{
		"projectId": "p1",
		"envId":     "e1",
		"name":      "db",
		"hostname":  "db",
		"image":     "postgres:16",
		"replicas":  3,
		"stateful":  true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeleteServerRefusedWhileDeploymentsActive(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1"}
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentRunning}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodDelete, "/servers/s1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, fs.servers, "s1")
}

func TestDeleteServerAllowedOnceDeploymentsTerminal(t *testing.T) {
	fs := newFakeStore()
	fs.servers["s1"] = &types.Server{ID: "s1"}
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentStopped}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodDelete, "/servers/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, fs.servers, "s1")
}

func TestDeleteServiceRefusedWithRolloutInProgress(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1"}
	fs.rollouts["svc1"] = &types.Rollout{ID: "r1", ServiceID: "svc1", Status: types.RolloutInProgress}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodDelete, "/services/svc1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestActiveDeploymentsExcludesTerminalStatuses(t *testing.T) {
	deployments := []*types.Deployment{
		{ID: "d1", Status: types.DeploymentRunning},
		{ID: "d2", Status: types.DeploymentStopped},
		{ID: "d3", Status: types.DeploymentFailed},
		{ID: "d4", Status: types.DeploymentRolledBack},
		{ID: "d5", Status: types.DeploymentPulling},
	}
	active := activeDeployments(deployments)
	require.Len(t, active, 2)
	assert.ElementsMatch(t, []string{"d1", "d5"}, []string{active[0].ID, active[1].ID})
}

func TestUpdateServiceTriggersMigrationOnServerReassignment(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{
		ID: "svc1", Stateful: true, Replicas: 1, LockedServerID: "server-a",
	}
	fs.servers["server-b"] = &types.Server{
		ID: "server-b", Status: types.ServerOnline, WireguardIP: "10.0.0.2",
	}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodPatch, "/services/svc1", map[string]any{
		"serverReplicas": []map[string]any{{"serverId": "server-b", "count": 1}},
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	// The migration path owns the replica transition itself; the plain
	// patch handler must not also call ReplaceReplicas directly.
	assert.NotContains(t, fs.replacedReplicas, "svc1")
	assert.Equal(t, types.MigrationStopping, fs.services["svc1"].MigrationStatus)
}

func TestUpdateServiceAppliesPlainPatchWhenNoServerReassignment(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", Stateful: false, Replicas: 2}
	h := newTestHandler(t, fs)

	newName := "renamed"
	rec := doRequest(router(h), http.MethodPatch, "/services/svc1", map[string]any{"name": newName})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, newName, fs.services["svc1"].Name)
}

func TestClearMigrationRejectsWhenNotFailed(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", MigrationStatus: types.MigrationRestoring}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodPost, "/services/svc1/clear-migration", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestClearMigrationResetsFailedState(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1", MigrationStatus: types.MigrationFailed, MigrationError: "target unreachable"}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodPost, "/services/svc1/clear-migration", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, types.MigrationNone, fs.services["svc1"].MigrationStatus)
	assert.Empty(t, fs.services["svc1"].MigrationError)
}

func TestAbortReturnsNotFoundWithoutInProgressRollout(t *testing.T) {
	fs := newFakeStore()
	fs.services["svc1"] = &types.Service{ID: "svc1"}
	h := newTestHandler(t, fs)

	rec := doRequest(router(h), http.MethodPost, "/services/svc1/abort", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
