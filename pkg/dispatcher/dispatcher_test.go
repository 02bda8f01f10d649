package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

type fakeStore struct {
	store.Store
	servers     map[string]*types.Server
	deployments map[string]*types.Deployment
	backups     map[string]*types.VolumeBackup
	claimable   []*types.WorkItem
	items       map[string]*types.WorkItem

	completed []string
	failed    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers:     make(map[string]*types.Server),
		deployments: make(map[string]*types.Deployment),
		backups:     make(map[string]*types.VolumeBackup),
		items:       make(map[string]*types.WorkItem),
	}
}

func (f *fakeStore) GetServer(ctx context.Context, id string) (*types.Server, error) {
	s, ok := f.servers[id]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func (f *fakeStore) UpdateServer(ctx context.Context, s *types.Server) error {
	f.servers[s.ID] = s
	return nil
}

func (f *fakeStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	d, ok := f.deployments[id]
	if !ok {
		return nil, assert.AnError
	}
	return d, nil
}

func (f *fakeStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	f.deployments[d.ID] = d
	return nil
}

func (f *fakeStore) GetVolumeBackup(ctx context.Context, id string) (*types.VolumeBackup, error) {
	b, ok := f.backups[id]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func (f *fakeStore) UpdateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error {
	f.backups[b.ID] = b
	return nil
}

func (f *fakeStore) HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error) {
	return false, nil
}

func (f *fakeStore) FindWorkItem(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (*types.WorkItem, error) {
	for _, w := range f.items {
		if w.ServerID == serverID && w.Type == itemType {
			var fields map[string]any
			_ = json.Unmarshal(w.Payload, &fields)
			if key, _ := fields["dedupeKey"].(string); key == dedupeKey {
				return w, nil
			}
		}
	}
	return nil, apierr.NewNotFound("work_item")
}

func (f *fakeStore) CompleteWorkItem(ctx context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) FailWorkItem(ctx context.Context, id string, maxAttempts int) (bool, error) {
	f.failed = append(f.failed, id)
	item := f.items[id]
	retried := item.Attempts < maxAttempts
	return retried, nil
}

func (f *fakeStore) ClaimWorkItems(ctx context.Context, serverID string, max int) ([]*types.WorkItem, error) {
	items := f.claimable
	f.claimable = nil
	return items, nil
}

func newTestServer(t *testing.T) (*fakeStore, *types.Server, string) {
	t.Helper()
	tok, err := security.GenerateEnrollmentToken(time.Hour)
	require.NoError(t, err)

	fs := newFakeStore()
	server := &types.Server{ID: "s1", Status: types.ServerPending, AgentTokenHash: tok.Hash}
	fs.servers[server.ID] = server
	return fs, server, tok.Plaintext
}

func newHandler(fs *fakeStore) (*Handler, *events.Broker) {
	broker := events.NewBroker()
	broker.Start()
	q := workqueue.New(fs, nil)
	return New(fs, q, broker, 10*time.Millisecond, 10), broker
}

func TestHandleClaimAuthRequired(t *testing.T) {
	fs, _, _ := newTestServer(t)
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest("GET", "/agent/claim?serverId=s1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 401, w.Code)
}

func TestHandleClaimReturnsItems(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.claimable = []*types.WorkItem{{ID: "w1", Type: types.WorkDeploy, Payload: []byte(`{"deploymentId":"d1"}`)}}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	req := httptest.NewRequest("GET", "/agent/claim?serverId=s1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	var items []claimItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "w1", items[0].ID)
}

func TestHandleReportAppliesDeploymentTransition(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", Status: types.DeploymentStarting}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentHealthy, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Equal(t, types.DeploymentHealthy, fs.deployments["d1"].Status)
	assert.Equal(t, types.HealthHealthy, fs.deployments["d1"].HealthStatus)
}

func TestHandleReportIsIdempotent(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", Status: types.DeploymentHealthy, HealthStatus: types.HealthHealthy}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentHealthy, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Equal(t, types.DeploymentHealthy, fs.deployments["d1"].Status)
}

func TestHandleReportCompletesWorkItemOnHealthy(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentStarting}
	fs.items["w1"] = &types.WorkItem{ID: "w1", ServerID: "s1", Type: types.WorkDeploy,
		Payload: []byte(`{"dedupeKey":"d1"}`), Attempts: 1, MaxAttempts: 3}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentHealthy, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Contains(t, fs.completed, "w1")
	assert.Empty(t, fs.failed)
}

func TestHandleReportRetriesFailedDeployWithoutMarkingTerminal(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentStarting}
	fs.items["w1"] = &types.WorkItem{ID: "w1", ServerID: "s1", Type: types.WorkDeploy,
		Payload: []byte(`{"dedupeKey":"d1"}`), Attempts: 0, MaxAttempts: 3}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentFailed, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Contains(t, fs.failed, "w1")
	// attempts (0) < maxAttempts (3): retried, so the deployment must not be
	// flipped to its terminal failed status yet.
	assert.Equal(t, types.DeploymentStarting, fs.deployments["d1"].Status)
}

func TestHandleReportMarksDeployFailedWhenAttemptsExhausted(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentStarting}
	fs.items["w1"] = &types.WorkItem{ID: "w1", ServerID: "s1", Type: types.WorkDeploy,
		Payload: []byte(`{"dedupeKey":"d1"}`), Attempts: 3, MaxAttempts: 3}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentFailed, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Contains(t, fs.failed, "w1")
	assert.Equal(t, types.DeploymentFailed, fs.deployments["d1"].Status)
	assert.Equal(t, types.FailedDeployFailed, fs.deployments["d1"].FailedStage)
}

func TestHandleReportCompletesBackupWorkItem(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.backups["b1"] = &types.VolumeBackup{ID: "b1", ServerID: "s1", Status: types.BackupUploading}
	fs.items["w2"] = &types.WorkItem{ID: "w2", ServerID: "s1", Type: types.WorkBackupVolume,
		Payload: []byte(`{"dedupeKey":"b1"}`), Attempts: 1, MaxAttempts: 3}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{BackupID: "b1", Kind: events.EventBackupCompleted, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Contains(t, fs.completed, "w2")
	assert.Equal(t, types.BackupCompleted, fs.backups["b1"].Status)
}

func TestHandleReportWithoutTrackedItemStillAppliesTransition(t *testing.T) {
	fs, _, token := newTestServer(t)
	fs.deployments["d1"] = &types.Deployment{ID: "d1", ServerID: "s1", Status: types.DeploymentStarting}
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(reportRequest{DeploymentID: "d1", Kind: events.EventDeploymentHealthy, Timestamp: time.Now()})
	req := httptest.NewRequest("POST", "/agent/report?serverId=s1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 202, w.Code)
	assert.Equal(t, types.DeploymentHealthy, fs.deployments["d1"].Status)
	assert.Empty(t, fs.completed)
}

func TestHandleHeartbeatUpdatesServer(t *testing.T) {
	fs, _, token := newTestServer(t)
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(heartbeatRequest{
		ServerID:  "s1",
		Resources: types.ServerResources{CPU: 0.5, MemMB: 1024, DiskGB: 20},
		Signature: token,
	})
	req := httptest.NewRequest("POST", "/agent/heartbeat", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 204, w.Code)
	assert.Equal(t, types.ServerOnline, fs.servers["s1"].Status)
	assert.False(t, fs.servers["s1"].LastHeartbeat.IsZero())
}

func TestHandleHeartbeatRejectsBadSignature(t *testing.T) {
	fs, _, _ := newTestServer(t)
	h, _ := newHandler(fs)

	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(heartbeatRequest{ServerID: "s1", Signature: "wrong"})
	req := httptest.NewRequest("POST", "/agent/heartbeat", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 401, w.Code)
}
