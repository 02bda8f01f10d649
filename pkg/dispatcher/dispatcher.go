// Package dispatcher is the agent-facing HTTP surface: long-poll claim,
// progress callbacks and heartbeats, authenticated by each server's
// per-server bearer token.
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

// Handler serves the agent dispatch protocol (spec §6).
type Handler struct {
	store        store.Store
	queue        *workqueue.Queue
	broker       *events.Broker
	logger       zerolog.Logger
	pollInterval time.Duration
	maxClaim     int
}

func New(s store.Store, q *workqueue.Queue, broker *events.Broker, pollInterval time.Duration, maxClaim int) *Handler {
	return &Handler{
		store:        s,
		queue:        q,
		broker:       broker,
		logger:       log.WithComponent("dispatcher"),
		pollInterval: pollInterval,
		maxClaim:     maxClaim,
	}
}

// Routes mounts the agent dispatch endpoints under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/agent/claim", h.handleClaim)
	r.Post("/agent/report", h.handleReport)
	r.Post("/agent/heartbeat", h.handleHeartbeat)
}

// claimItem is the wire shape of one claimed work item.
type claimItem struct {
	ID      string              `json:"id"`
	Type    types.WorkItemType  `json:"type"`
	Payload json.RawMessage     `json:"payload"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	server, ok := h.authenticate(w, r, serverID)
	if !ok {
		return
	}

	max := h.maxClaim
	if raw := r.URL.Query().Get("max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			max = n
		}
	}

	items, err := h.queue.Claim(r.Context(), server.ID, max, h.pollInterval)
	if err != nil {
		h.logger.Error().Err(err).Str("server_id", server.ID).Msg("claim failed")
		writeError(w, apierr.NewInternal("", err))
		return
	}

	out := make([]claimItem, 0, len(items))
	for _, it := range items {
		out = append(out, claimItem{ID: it.ID, Type: it.Type, Payload: json.RawMessage(it.Payload)})
	}
	writeJSON(w, http.StatusOK, out)
}

// reportRequest is the body of POST /agent/report (spec §6).
type reportRequest struct {
	DeploymentID string              `json:"deploymentId,omitempty"`
	BackupID     string              `json:"backupId,omitempty"`
	Kind         events.EventType    `json:"kind"`
	ContainerID  string              `json:"containerId,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Checksum     string              `json:"checksum,omitempty"`
	SizeBytes    int64               `json:"sizeBytes,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	server, ok := h.authenticate(w, r, serverID)
	if !ok {
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidation("invalid report body: "+err.Error()))
		return
	}

	applied, err := h.applyReport(r.Context(), server, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if applied {
		h.broker.Publish(&events.Event{
			Type:    req.Kind,
			Message: req.ErrorMessage,
			Metadata: map[string]string{
				"deploymentId": req.DeploymentID,
				"backupId":     req.BackupID,
				"containerId":  req.ContainerID,
				"serverId":     server.ID,
			},
		})
	}

	w.WriteHeader(http.StatusAccepted)
}

// applyReport persists the state transition named by req.Kind, returning
// false (no error) when the transition has already been applied so the
// caller skips re-publishing — the idempotence law for replayed
// (deploymentId, kind) / (backupId, kind) callbacks.
func (h *Handler) applyReport(ctx context.Context, server *types.Server, req reportRequest) (bool, error) {
	switch req.Kind {
	case events.EventDeploymentPulling, events.EventDeploymentStarting, events.EventDeploymentHealthy,
		events.EventDeploymentUnhealthy, events.EventDeploymentStopped, events.EventDeploymentFailed:
		return h.applyDeploymentReport(ctx, req)
	case events.EventServerDNSSynced:
		return true, nil
	case events.EventBackupCompleted, events.EventBackupFailed, events.EventRestoreCompleted, events.EventRestoreFailed:
		return h.applyBackupReport(ctx, req)
	default:
		return false, apierr.NewValidation("unknown report kind " + string(req.Kind))
	}
}

func (h *Handler) applyDeploymentReport(ctx context.Context, req reportRequest) (bool, error) {
	d, err := h.store.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return false, err
	}

	if itemType, ok := deploymentItemType(req.Kind); ok {
		retrying, err := h.finalizeWorkItem(ctx, d.ServerID, itemType, d.ID,
			req.Kind == events.EventDeploymentFailed, req.ErrorMessage)
		if err != nil {
			return false, err
		}
		if retrying {
			// Attempts remain; the item was reset to pending for redelivery,
			// so the deployment stays in its current (non-terminal) status
			// until a later report resolves the retry.
			return false, nil
		}
	}

	next := deploymentTransition(req.Kind)
	if d.Status == next.status && d.HealthStatus == next.health {
		return false, nil
	}

	d.Status = next.status
	d.HealthStatus = next.health
	if req.ContainerID != "" {
		d.ContainerID = req.ContainerID
	}
	if req.Kind == events.EventDeploymentFailed {
		d.FailedStage = types.FailedDeployFailed
	}
	if err := h.store.UpdateDeployment(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// deploymentItemType reports whether kind is a terminal outcome for the
// work item behind a deployment (deploy for healthy/failed, stop for
// stopped) and the type to resolve that item against. Pulling/starting/
// unhealthy are progress reports against an item that is either still
// processing (deploy) or was already completed earlier (the deploy item
// backing a now-running deployment going unhealthy) and need no
// Complete/Fail call.
func deploymentItemType(kind events.EventType) (types.WorkItemType, bool) {
	switch kind {
	case events.EventDeploymentHealthy, events.EventDeploymentFailed:
		return types.WorkDeploy, true
	case events.EventDeploymentStopped:
		return types.WorkStop, true
	default:
		return "", false
	}
}

// finalizeWorkItem completes or fails the work item of itemType dedupeKeyed
// to dedupeKey for serverID, if one is still tracked as pending/processing.
// A report for an item already finalised and swept (apierr.NotFound) is
// applied to the entity anyway; it is not an error here. retrying is true
// when a failed item still had attempts left and was re-enqueued instead
// of being marked terminally failed.
func (h *Handler) finalizeWorkItem(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string, failed bool, reason string) (retrying bool, err error) {
	item, err := h.store.FindWorkItem(ctx, serverID, itemType, dedupeKey)
	if err != nil {
		if apierr.Is(err, apierr.NotFound) {
			return false, nil
		}
		return false, err
	}

	if !failed {
		return false, h.queue.Complete(ctx, itemType, item.ID)
	}

	retried, err := h.queue.Fail(ctx, itemType, item.ID, item.MaxAttempts, item.Attempts, reason)
	if err != nil {
		return false, err
	}
	return retried, nil
}

type deploymentNextState struct {
	status types.DeploymentStatus
	health types.HealthStatus
}

func deploymentTransition(kind events.EventType) deploymentNextState {
	switch kind {
	case events.EventDeploymentPulling:
		return deploymentNextState{types.DeploymentPulling, types.HealthNone}
	case events.EventDeploymentStarting:
		return deploymentNextState{types.DeploymentStarting, types.HealthStarting}
	case events.EventDeploymentHealthy:
		return deploymentNextState{types.DeploymentHealthy, types.HealthHealthy}
	case events.EventDeploymentUnhealthy:
		return deploymentNextState{types.DeploymentRunning, types.HealthUnhealthy}
	case events.EventDeploymentStopped:
		return deploymentNextState{types.DeploymentStopped, types.HealthNone}
	case events.EventDeploymentFailed:
		return deploymentNextState{types.DeploymentFailed, types.HealthUnhealthy}
	default:
		return deploymentNextState{types.DeploymentUnknown, types.HealthNone}
	}
}

func (h *Handler) applyBackupReport(ctx context.Context, req reportRequest) (bool, error) {
	b, err := h.store.GetVolumeBackup(ctx, req.BackupID)
	if err != nil {
		return false, err
	}

	itemType := types.WorkBackupVolume
	if req.Kind == events.EventRestoreCompleted || req.Kind == events.EventRestoreFailed {
		itemType = types.WorkRestoreVolume
	}
	failed := req.Kind == events.EventBackupFailed || req.Kind == events.EventRestoreFailed

	retrying, err := h.finalizeWorkItem(ctx, b.ServerID, itemType, b.ID, failed, req.ErrorMessage)
	if err != nil {
		return false, err
	}
	if retrying {
		return false, nil
	}

	var next types.VolumeBackupStatus
	switch req.Kind {
	case events.EventBackupCompleted, events.EventRestoreCompleted:
		next = types.BackupCompleted
	case events.EventBackupFailed, events.EventRestoreFailed:
		next = types.BackupFailed
	}
	if b.Status == next {
		return false, nil
	}

	b.Status = next
	b.Checksum = req.Checksum
	b.SizeBytes = req.SizeBytes
	b.CompletedAt = req.Timestamp
	if b.CompletedAt.IsZero() {
		b.CompletedAt = time.Now()
	}
	if err := h.store.UpdateVolumeBackup(ctx, b); err != nil {
		return false, err
	}
	return true, nil
}

// heartbeatRequest is the body of POST /agent/heartbeat (spec §6).
type heartbeatRequest struct {
	ServerID      string                 `json:"serverId"`
	Resources     types.ServerResources  `json:"resources"`
	NetworkHealth string                 `json:"networkHealth"`
	AgentHealth   string                 `json:"agentHealth"`
	Signature     string                 `json:"signature"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.NewValidation("invalid heartbeat body: "+err.Error()))
		return
	}

	server, err := h.store.GetServer(r.Context(), req.ServerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := security.ValidateAgentToken(req.Signature, server.AgentTokenHash); err != nil {
		writeError(w, apierr.NewUnauthorized("invalid heartbeat signature"))
		return
	}

	wasOffline := server.Status != types.ServerOnline
	server.Status = types.ServerOnline
	server.LastHeartbeat = time.Now()
	server.Resources = req.Resources
	if err := h.store.UpdateServer(r.Context(), server); err != nil {
		writeError(w, err)
		return
	}

	if wasOffline {
		h.broker.Publish(&events.Event{Type: events.EventServerOnline, Metadata: map[string]string{"serverId": server.ID}})
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticate validates the Authorization: Bearer <token> header against
// serverID's stored agent token hash.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, serverID string) (*types.Server, bool) {
	if serverID == "" {
		writeError(w, apierr.NewValidation("serverId is required"))
		return nil, false
	}

	server, err := h.store.GetServer(r.Context(), serverID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}

	token := bearerToken(r)
	if token == "" || security.ValidateAgentToken(token, server.AgentTokenHash) != nil {
		writeError(w, apierr.NewUnauthorized("invalid or missing agent token"))
		return nil, false
	}
	return server, true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		apiErr = apierr.NewInternal("", err)
	}
	writeJSON(w, apiErr.HTTPStatus(), map[string]string{"error": apiErr.Message})
}
