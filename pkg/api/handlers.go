// Package api is the UI-facing HTTP surface: declared-state CRUD for
// servers and services, rollout lifecycle operations, and a websocket
// event stream. Unlike the Dispatcher, callers here are trusted operators
// or an operator-facing UI, not agents — no per-server bearer token.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/migration"
	"github.com/anchorhq/anchor/pkg/rollout"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

// Handler serves the operator-facing control plane API (spec §4.10).
type Handler struct {
	store      store.Store
	rollouts   *rollout.Engine
	migrations *migration.Engine
	queue      *workqueue.Queue
	broker     *events.Broker
	secrets    *security.SecretsManager
	logger     zerolog.Logger

	enrollmentTTL time.Duration
	upgrader      websocket.Upgrader
}

func New(s store.Store, rollouts *rollout.Engine, migrations *migration.Engine, q *workqueue.Queue, broker *events.Broker, secrets *security.SecretsManager, enrollmentTTL time.Duration) *Handler {
	return &Handler{
		store:         s,
		rollouts:      rollouts,
		migrations:    migrations,
		queue:         q,
		broker:        broker,
		secrets:       secrets,
		logger:        log.WithComponent("api"),
		enrollmentTTL: enrollmentTTL,
		// CheckOrigin is left at the zero value's default (same-origin
		// only) everywhere except where a reverse proxy terminates TLS
		// in front of this process; operators behind one set their own
		// origin policy at the proxy.
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Routes mounts the operator API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/servers", func(r chi.Router) {
		r.Post("/", h.handleEnrollServer)
		r.Get("/", h.handleListServers)
		r.Get("/{id}", h.handleGetServer)
		r.Delete("/{id}", h.handleDeleteServer)
	})

	r.Route("/services", func(r chi.Router) {
		r.Post("/", h.handleCreateService)
		r.Get("/", h.handleListServices)
		r.Get("/{id}", h.handleGetService)
		r.Patch("/{id}", h.handleUpdateService)
		r.Delete("/{id}", h.handleDeleteService)
		r.Post("/{id}/deploy", h.handleDeploy)
		r.Post("/{id}/abort", h.handleAbort)
		r.Post("/{id}/clear-migration", h.handleClearMigration)
		r.Get("/{id}/deployments", h.handleListDeployments)
		r.Get("/{id}/rollouts/current", h.handleGetCurrentRollout)
	})

	r.Route("/deployments/{id}", func(r chi.Router) {
		r.Post("/stop", h.handleStopDeployment)
		r.Delete("/", h.handleDeleteDeployment)
	})

	r.Get("/rollouts/{id}", h.handleGetRollout)
	r.Get("/events", h.handleEvents)
}

// --- Servers ---

type enrollServerRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=255"`
	PublicIP string `json:"publicIp" validate:"required,ip"`
	IsProxy  bool   `json:"isProxy"`
}

type enrollServerResponse struct {
	Server           *types.Server `json:"server"`
	EnrollmentToken  string        `json:"enrollmentToken"`
	TokenExpiresAt   time.Time     `json:"tokenExpiresAt"`
	InstallCommand   string        `json:"installCommand"`
}

func (h *Handler) handleEnrollServer(w http.ResponseWriter, r *http.Request) {
	var req enrollServerRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	token, err := security.GenerateEnrollmentToken(h.enrollmentTTL)
	if err != nil {
		writeError(w, apierr.NewInternal("", err))
		return
	}

	server := &types.Server{
		ID:             uuid.New().String(),
		Name:           req.Name,
		PublicIP:       req.PublicIP,
		IsProxy:        req.IsProxy,
		Status:         types.ServerPending,
		AgentTokenHash: token.Hash,
		TokenExpiresAt: token.ExpiresAt,
		CreatedAt:      time.Now(),
	}
	if err := h.store.CreateServer(r.Context(), server); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, enrollServerResponse{
		Server:          server,
		EnrollmentToken: token.Plaintext,
		TokenExpiresAt:  token.ExpiresAt,
		InstallCommand:  installCommand(server.ID, token.Plaintext),
	})
}

func installCommand(serverID, token string) string {
	return "curl -fsSL https://get.anchor.sh/agent | sh -s -- --server-id=" + serverID + " --token=" + token
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.store.ListServers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (h *Handler) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := h.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (h *Handler) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deployments, err := h.store.ListDeploymentsByServer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(activeDeployments(deployments)) > 0 {
		writeError(w, apierr.NewConflict("server has active deployments, drain it first"))
		return
	}
	if err := h.store.DeleteServer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Services ---

type healthCheckRequest struct {
	Cmd          string `json:"cmd" validate:"required"`
	IntervalS    int    `json:"intervalS" validate:"required,gte=1"`
	TimeoutS     int    `json:"timeoutS" validate:"required,gte=1"`
	Retries      int    `json:"retries" validate:"gte=0,lte=10"`
	StartPeriodS int    `json:"startPeriodS" validate:"gte=0"`
}

func (h healthCheckRequest) toType() types.HealthCheck {
	return types.HealthCheck{
		Cmd: h.Cmd, IntervalS: h.IntervalS, TimeoutS: h.TimeoutS,
		Retries: h.Retries, StartPeriodS: h.StartPeriodS,
	}
}

type createServiceRequest struct {
	ProjectID string             `json:"projectId" validate:"required"`
	EnvID     string             `json:"envId" validate:"required"`
	Name      string             `json:"name" validate:"required,min=1,max=255"`
	Hostname  string             `json:"hostname" validate:"required,hostnameslug,max=63"`
	Image     string             `json:"image" validate:"required"`
	Replicas  int                `json:"replicas" validate:"required,gte=1,lte=50"`
	Stateful  bool               `json:"stateful"`
	AutoPlace bool               `json:"autoPlace"`
	HealthCheck *healthCheckRequest `json:"healthCheck" validate:"omitempty"`
}

func (h *Handler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if req.Stateful && req.Replicas != 1 {
		writeError(w, apierr.NewValidation("stateful services must have exactly 1 replica"))
		return
	}

	svc := &types.Service{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		EnvID:     req.EnvID,
		Name:      req.Name,
		Hostname:  req.Hostname,
		Image:     req.Image,
		Replicas:  req.Replicas,
		Stateful:  req.Stateful,
		AutoPlace: req.AutoPlace,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Version:   1,
	}
	if req.HealthCheck != nil {
		svc.HealthCheck = req.HealthCheck.toType()
	}

	if err := h.store.CreateService(r.Context(), svc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.store.ListServices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.store.GetService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// portPatch is one entry of updateServiceRequest.Ports.
type portPatch struct {
	Port           int    `json:"port" validate:"required,gte=1,lte=65535"`
	IsPublic       bool   `json:"isPublic"`
	Domain         string `json:"domain" validate:"omitempty,domainname"`
	Protocol       string `json:"protocol" validate:"required,oneof=tcp udp"`
	TLSPassthrough bool   `json:"tlsPassthrough"`
}

type replicaPatch struct {
	ServerID string `json:"serverId" validate:"required"`
	Count    int    `json:"count" validate:"gte=0,lte=10"`
}

type volumePatch struct {
	Name          string `json:"name" validate:"required"`
	ContainerPath string `json:"containerPath" validate:"required"`
}

type secretPatch struct {
	Key   string `json:"key" validate:"required,secretkey"`
	Value string `json:"value" validate:"required"`
}

// updateServiceRequest is the patch body for PATCH /services/{id} (spec
// §4.10 updateService). Every field is optional; only fields present in
// the request are applied.
type updateServiceRequest struct {
	Name               *string             `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Hostname           *string             `json:"hostname,omitempty" validate:"omitempty,hostnameslug,max=63"`
	Image              *string             `json:"image,omitempty" validate:"omitempty,min=1"`
	Replicas           *int                `json:"replicas,omitempty" validate:"omitempty,gte=0,lte=50"`
	Stateful           *bool               `json:"stateful,omitempty"`
	AutoPlace          *bool               `json:"autoPlace,omitempty"`
	HealthCheck        *healthCheckRequest `json:"healthCheck,omitempty" validate:"omitempty"`
	DeploymentSchedule *string             `json:"deploymentSchedule,omitempty"`
	BackupEnabled      *bool               `json:"backupEnabled,omitempty"`
	BackupSchedule     *string             `json:"backupSchedule,omitempty"`
	RetentionDays      *int                `json:"retentionDays,omitempty" validate:"omitempty,gte=0"`

	Ports          []portPatch    `json:"ports,omitempty" validate:"omitempty,dive"`
	ServerReplicas []replicaPatch `json:"serverReplicas,omitempty" validate:"omitempty,dive"`
	Volumes        []volumePatch  `json:"volumes,omitempty" validate:"omitempty,dive"`
	Secrets        []secretPatch  `json:"secrets,omitempty" validate:"omitempty,dive"`
}

func (h *Handler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateServiceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	svc, err := h.store.GetService(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	// A stateful service already locked to a server moves via migration,
	// not a plain replica replacement: migration.Engine owns the stop /
	// backup / restore / start sequence and the lockedServerId transition
	// (spec §4.7). A single-replica patch naming a different server is
	// the UI's "move this database" action.
	if svc.Stateful && svc.LockedServerID != "" && len(req.ServerReplicas) == 1 &&
		req.ServerReplicas[0].ServerID != svc.LockedServerID {
		target := req.ServerReplicas[0].ServerID
		req.ServerReplicas = nil
		applyServicePatch(svc, req)
		svc.UpdatedAt = time.Now()
		svc.Version++
		if err := h.store.UpdateService(r.Context(), svc); err != nil {
			writeError(w, err)
			return
		}
		if err := h.migrations.Start(r.Context(), id, target); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, svc)
		return
	}

	applyServicePatch(svc, req)
	if svc.Stateful && svc.Replicas != 1 {
		writeError(w, apierr.NewValidation("stateful services must have exactly 1 replica"))
		return
	}
	svc.UpdatedAt = time.Now()
	svc.Version++

	if err := h.store.UpdateService(r.Context(), svc); err != nil {
		writeError(w, err)
		return
	}

	if req.Ports != nil {
		if err := h.store.ReplacePorts(r.Context(), id, toServicePorts(id, req.Ports)); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ServerReplicas != nil {
		if err := h.store.ReplaceReplicas(r.Context(), id, toServiceReplicas(id, req.ServerReplicas)); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Volumes != nil {
		if err := h.store.ReplaceVolumes(r.Context(), id, toServiceVolumes(id, req.Volumes)); err != nil {
			writeError(w, err)
			return
		}
	}
	for _, sp := range req.Secrets {
		secret, err := h.secrets.SealSecret(id, sp.Key, []byte(sp.Value))
		if err != nil {
			writeError(w, apierr.NewInternal("", err))
			return
		}
		if err := h.store.UpsertSecret(r.Context(), secret); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, svc)
}

func applyServicePatch(svc *types.Service, req updateServiceRequest) {
	if req.Name != nil {
		svc.Name = *req.Name
	}
	if req.Hostname != nil {
		svc.Hostname = *req.Hostname
	}
	if req.Image != nil {
		svc.Image = *req.Image
	}
	if req.Replicas != nil {
		svc.Replicas = *req.Replicas
	}
	if req.Stateful != nil {
		svc.Stateful = *req.Stateful
	}
	if req.AutoPlace != nil {
		svc.AutoPlace = *req.AutoPlace
	}
	if req.HealthCheck != nil {
		svc.HealthCheck = req.HealthCheck.toType()
	}
	if req.DeploymentSchedule != nil {
		svc.DeploymentSchedule = *req.DeploymentSchedule
	}
	if req.BackupEnabled != nil {
		svc.BackupEnabled = *req.BackupEnabled
	}
	if req.BackupSchedule != nil {
		svc.BackupSchedule = *req.BackupSchedule
	}
	if req.RetentionDays != nil {
		svc.RetentionDays = *req.RetentionDays
	}
}

func toServicePorts(serviceID string, patches []portPatch) []*types.ServicePort {
	out := make([]*types.ServicePort, 0, len(patches))
	for _, p := range patches {
		out = append(out, &types.ServicePort{
			ID: uuid.New().String(), ServiceID: serviceID, Port: p.Port,
			IsPublic: p.IsPublic, Domain: p.Domain, Protocol: types.Protocol(p.Protocol),
			TLSPassthrough: p.TLSPassthrough,
		})
	}
	return out
}

func toServiceReplicas(serviceID string, patches []replicaPatch) []*types.ServiceReplica {
	out := make([]*types.ServiceReplica, 0, len(patches))
	for _, p := range patches {
		out = append(out, &types.ServiceReplica{ID: uuid.New().String(), ServiceID: serviceID, ServerID: p.ServerID, Count: p.Count})
	}
	return out
}

func toServiceVolumes(serviceID string, patches []volumePatch) []*types.ServiceVolume {
	out := make([]*types.ServiceVolume, 0, len(patches))
	for _, p := range patches {
		out = append(out, &types.ServiceVolume{ID: uuid.New().String(), ServiceID: serviceID, Name: p.Name, ContainerPath: p.ContainerPath})
	}
	return out
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if rollout, err := h.store.GetInProgressRollout(r.Context(), id); err == nil && rollout != nil {
		writeError(w, apierr.NewConflict("service has a rollout in progress"))
		return
	}

	deployments, err := h.store.ListDeploymentsByService(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(activeDeployments(deployments)) > 0 {
		writeError(w, apierr.NewConflict("service has deployments in progress"))
		return
	}

	if err := h.store.DeleteService(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// activeDeployments returns the subset of deployments in a non-terminal
// status — deleteService/deleteDeployment/deleteServer all refuse while
// any of these remain (spec §4.10).
func activeDeployments(deployments []*types.Deployment) []*types.Deployment {
	var out []*types.Deployment
	for _, d := range deployments {
		switch d.Status {
		case types.DeploymentStopped, types.DeploymentFailed, types.DeploymentRolledBack:
		default:
			out = append(out, d)
		}
	}
	return out
}

// --- Rollout lifecycle ---

type deployResponse struct {
	RolloutID string `json:"rolloutId"`
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rollout, err := h.rollouts.Start(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse{RolloutID: rollout.ID})
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	active, err := h.store.GetInProgressRollout(r.Context(), id)
	if err != nil || active == nil {
		writeError(w, apierr.NewNotFound("service has no rollout in progress"))
		return
	}

	h.rollouts.Cancel(active.ID)
	if err := h.store.DeletePendingWorkItemsForService(r.Context(), id); err != nil {
		h.logger.Warn().Err(err).Str("service_id", id).Msg("failed to clear pending work items on abort")
	}

	h.broker.Publish(&events.Event{
		Type:     events.EventRolloutCancelled,
		Metadata: map[string]string{"rolloutId": active.ID, "serviceId": id},
	})
	w.WriteHeader(http.StatusAccepted)
}

// handleClearMigration implements the UI's "clear migration state" action
// (spec §4.7): only valid once a migration has reached MigrationFailed.
func (h *Handler) handleClearMigration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.migrations.ClearState(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	rollout, err := h.store.GetRollout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollout)
}

func (h *Handler) handleGetCurrentRollout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rollout, err := h.store.GetInProgressRollout(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if rollout == nil {
		writeError(w, apierr.NewNotFound("no rollout in progress"))
		return
	}
	writeJSON(w, http.StatusOK, rollout)
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.store.ListDeploymentsByService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

// --- Deployments ---

func (h *Handler) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	d.Status = types.DeploymentStopping
	if err := h.store.UpdateDeployment(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}

	payload := workqueue.StopPayload{DedupeKey: d.ID, ServiceID: d.ServiceID, DeploymentID: d.ID, ContainerID: d.ContainerID}
	if err := h.queue.Enqueue(r.Context(), d.ServerID, types.WorkStop, d.ID, payload); err != nil {
		writeError(w, apierr.NewInternal("", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(activeDeployments([]*types.Deployment{d})) > 0 {
		writeError(w, apierr.NewConflict("deployment is still in progress"))
		return
	}
	if err := h.store.DeleteDeployment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Event stream ---

// handleEvents upgrades to a websocket connection and relays every
// broker event to the client as JSON until the connection drops. The UI
// is a read-only consumer of this stream (spec §1: "the core only emits
// structured rollout progress logs").
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- helpers ---

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decode(r, dst); err != nil {
		writeError(w, apierr.NewValidation(err.Error()))
		return false
	}
	if errs := fieldErrors(dst); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation_error", "details": errs})
		return false
	}
	return true
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
