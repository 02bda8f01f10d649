package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/configdiff"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/imagenorm"
	"github.com/anchorhq/anchor/pkg/placer"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

// stagePreparing computes the placement plan, validates every placed
// server is reachable, and cuts over prior deployments: rolling updates
// mark the running set draining (stage 6 flips it to stopping once the
// replacement is healthy), fresh deploys purge whatever terminal rows are
// left over from an earlier failed attempt.
func (e *Engine) stagePreparing(ctx context.Context, r *types.Rollout, svc *types.Service, logger zerolog.Logger) (*stagePlan, error) {
	replicas, err := e.store.ListReplicas(ctx, svc.ID)
	if err != nil {
		return nil, &stageError{types.FailedDeployFailed, fmt.Errorf("list replicas: %w", err)}
	}
	servers, err := e.store.ListServers(ctx)
	if err != nil {
		return nil, &stageError{types.FailedDeployFailed, fmt.Errorf("list servers: %w", err)}
	}
	loads, err := e.computeLoads(ctx, servers)
	if err != nil {
		return nil, &stageError{types.FailedDeployFailed, fmt.Errorf("compute server loads: %w", err)}
	}

	placements, err := placer.Place(svc, servers, loads, replicas)
	if err != nil {
		return nil, &stageError{types.FailedDeployFailed, err}
	}

	byID := indexServers(servers)
	for _, p := range placements {
		s := byID[p.ServerID]
		if s == nil || s.Status != types.ServerOnline || s.WireguardIP == "" {
			return nil, &stageError{types.FailedDeployFailed,
				fmt.Errorf("server %s is not eligible for placement (offline or missing VPN address)", p.ServerID)}
		}
	}

	priorActive, err := e.store.ListDeploymentsByServiceStatus(ctx, svc.ID, types.DeploymentRunning, types.DeploymentHealthy)
	if err != nil {
		return nil, &stageError{types.FailedDeployFailed, fmt.Errorf("list active deployments: %w", err)}
	}

	plan := &stagePlan{placements: placements, isRollingUpdate: len(priorActive) > 0}

	if plan.isRollingUpdate {
		for _, d := range priorActive {
			d.Status = types.DeploymentDraining
			if err := e.store.UpdateDeployment(ctx, d); err != nil {
				return plan, &stageError{types.FailedDeployFailed, fmt.Errorf("mark deployment %s draining: %w", d.ID, err)}
			}
		}
		plan.priorDeployments = priorActive
	} else if stale, err := e.store.ListDeploymentsByServiceStatus(ctx, svc.ID,
		types.DeploymentFailed, types.DeploymentStopped, types.DeploymentRolledBack); err == nil {
		for _, d := range stale {
			if err := e.store.DeleteDeployment(ctx, d.ID); err != nil {
				logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("failed to purge stale deployment ahead of fresh rollout")
			}
		}
	}

	return plan, nil
}

func (e *Engine) computeLoads(ctx context.Context, servers []*types.Server) ([]placer.Load, error) {
	loads := make([]placer.Load, 0, len(servers))
	for _, s := range servers {
		deps, err := e.store.ListDeploymentsByServer(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		running := 0
		for _, d := range deps {
			if isActiveDeployment(d.Status) {
				running++
			}
		}
		loads = append(loads, placer.Load{ServerID: s.ID, Running: running})
	}
	return loads, nil
}

func isActiveDeployment(s types.DeploymentStatus) bool {
	switch s {
	case types.DeploymentPending, types.DeploymentPulling, types.DeploymentStarting,
		types.DeploymentHealthy, types.DeploymentRunning, types.DeploymentDraining:
		return true
	default:
		return false
	}
}

func indexServers(servers []*types.Server) map[string]*types.Server {
	byID := make(map[string]*types.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	return byID
}

// stageCertificates ensures every public, non-passthrough port's domain has
// a non-expired certificate before any container starts listening on it.
func (e *Engine) stageCertificates(ctx context.Context, r *types.Rollout, svc *types.Service, logger zerolog.Logger) error {
	if err := e.advance(ctx, r, types.StageCertificates, logger); err != nil {
		return err
	}

	ports, err := e.store.ListPorts(ctx, svc.ID)
	if err != nil {
		return &stageError{types.FailedCertificateProvisioningFailed, fmt.Errorf("list ports: %w", err)}
	}

	for _, p := range ports {
		if !p.IsPublic || p.Domain == "" || p.TLSPassthrough {
			continue
		}
		cert, err := e.certs.Ensure(ctx, p.Domain)
		if err != nil {
			return &stageError{types.FailedCertificateProvisioningFailed,
				fmt.Errorf("issue certificate for %s: %w", p.Domain, err)}
		}
		if cert == nil {
			// No issuer configured (NoCertIssuer): nothing to persist, same
			// as the renewal sweep in pkg/scheduler treating a nil result as
			// "no certificate available yet".
			continue
		}
		if err := e.store.UpsertCertificate(ctx, cert); err != nil {
			return &stageError{types.FailedCertificateProvisioningFailed,
				fmt.Errorf("persist certificate for %s: %w", p.Domain, err)}
		}
	}
	return nil
}

// stageDeploying allocates host ports and a container IP per replica,
// persists the Deployment/DeploymentPort rows, snapshots deployedConfig
// once every row is committed, then enqueues one deploy work item per
// replica. The snapshot happens before any work item is enqueued so a
// crash between insert and enqueue still leaves deployedConfig consistent
// with what was actually placed.
func (e *Engine) stageDeploying(ctx context.Context, r *types.Rollout, svc *types.Service, plan *stagePlan, logger zerolog.Logger) error {
	if err := e.advance(ctx, r, types.StageDeploying, logger); err != nil {
		return err
	}

	ports, err := e.store.ListPorts(ctx, svc.ID)
	if err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("list ports: %w", err)}
	}
	replicas, err := e.store.ListReplicas(ctx, svc.ID)
	if err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("list replicas: %w", err)}
	}
	volumes, err := e.store.ListVolumes(ctx, svc.ID)
	if err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("list volumes: %w", err)}
	}
	secrets, err := e.store.ListSecrets(ctx, svc.ID)
	if err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("list secrets: %w", err)}
	}
	servers, err := e.store.ListServers(ctx)
	if err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("list servers: %w", err)}
	}
	byID := indexServers(servers)

	env, err := e.decryptEnv(secrets)
	if err != nil {
		return &stageError{types.FailedDeployFailed, err}
	}

	var newDeployments []*types.Deployment
	for _, placement := range plan.placements {
		server := byID[placement.ServerID]
		for i := 0; i < placement.Count; i++ {
			hostPorts, err := e.alloc.HostPortAlloc(ctx, server.ID, len(ports))
			if err != nil {
				return &stageError{types.FailedDeployFailed, fmt.Errorf("allocate host ports on %s: %w", server.ID, err)}
			}
			ip, err := e.alloc.ContainerIPAlloc(ctx, server)
			if err != nil {
				return &stageError{types.FailedDeployFailed, fmt.Errorf("allocate container ip on %s: %w", server.ID, err)}
			}

			d := &types.Deployment{
				ID:           uuid.New().String(),
				ServiceID:    svc.ID,
				ServerID:     server.ID,
				RolloutID:    r.ID,
				IPAddress:    ip,
				Status:       types.DeploymentPending,
				HealthStatus: types.HealthNone,
				CreatedAt:    time.Now(),
				UpdatedAt:    time.Now(),
			}
			if err := e.store.CreateDeployment(ctx, d); err != nil {
				return &stageError{types.FailedDeployFailed, fmt.Errorf("create deployment: %w", err)}
			}

			for i, p := range ports {
				dp := &types.DeploymentPort{
					ID:            uuid.New().String(),
					DeploymentID:  d.ID,
					ServicePortID: p.ID,
					ContainerPort: p.Port,
					HostPort:      hostPorts[i],
				}
				if err := e.store.CreateDeploymentPort(ctx, dp); err != nil {
					return &stageError{types.FailedDeployFailed, fmt.Errorf("create deployment port: %w", err)}
				}
			}

			newDeployments = append(newDeployments, d)
		}
	}
	plan.newDeployments = newDeployments

	svc.DeployedConfig = configdiff.Canonical(svc, ports, replicas, volumes, secrets)
	svc.UpdatedAt = time.Now()
	if err := e.store.UpdateService(ctx, svc); err != nil {
		return &stageError{types.FailedDeployFailed, fmt.Errorf("snapshot deployed config: %w", err)}
	}

	var volumeMounts []workqueue.VolumeMount
	for _, v := range volumes {
		volumeMounts = append(volumeMounts, workqueue.VolumeMount{Name: v.Name, ContainerPath: v.ContainerPath})
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
		return &stageError{types.FailedDeployFailed, fmt.Errorf("normalise image reference %q: %w", svc.Image, err)}
	}

	for _, d := range newDeployments {
		server := byID[d.ServerID]
		dports, err := e.store.ListDeploymentPortsByDeployment(ctx, d.ID)
		if err != nil {
			return &stageError{types.FailedDeployFailed, fmt.Errorf("list deployment ports for %s: %w", d.ID, err)}
		}
		mappings := make([]workqueue.PortMapping, 0, len(dports))
		for _, dp := range dports {
			mappings = append(mappings, workqueue.PortMapping{ContainerPort: dp.ContainerPort, HostPort: dp.HostPort})
		}

		payload := workqueue.DeployPayload{
			DedupeKey:    d.ID,
			ServiceID:    svc.ID,
			DeploymentID: d.ID,
			ServiceName:  svc.Name,
			Image:        image,
			PortMappings: mappings,
			WireguardIP:  server.WireguardIP,
			IPAddress:    d.IPAddress,
			Name:         svc.Name,
			HealthCheck:  healthCheck,
			Env:          env,
			VolumeMounts: volumeMounts,
		}
		if err := e.queue.Enqueue(ctx, server.ID, types.WorkDeploy, d.ID, payload); err != nil {
			return &stageError{types.FailedDeployFailed, fmt.Errorf("enqueue deploy for %s: %w", d.ID, err)}
		}
	}

	return nil
}

func (e *Engine) decryptEnv(secrets []*types.Secret) (map[string]string, error) {
	env := make(map[string]string, len(secrets))
	for _, s := range secrets {
		plaintext, err := e.secrets.OpenSecret(s)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", s.Key, err)
		}
		env[s.Key] = string(plaintext)
	}
	return env, nil
}

// stageHealthCheck polls the Store (not the in-process event broker: a
// report for one of these deployments may land on a different control-plane
// replica than the one running this goroutine) until every new deployment
// reports healthy, one reports failed, the rollout is cancelled, or the
// per-rollout deadline elapses.
func (e *Engine) stageHealthCheck(ctx context.Context, r *types.Rollout, plan *stagePlan, logger zerolog.Logger) error {
	if err := e.advance(ctx, r, types.StageHealthCheck, logger); err != nil {
		return err
	}
	if len(plan.newDeployments) == 0 {
		return nil
	}

	pending := make(map[string]bool, len(plan.newDeployments))
	for _, d := range plan.newDeployments {
		pending[d.ID] = true
	}

	deadline := time.Now().Add(e.healthCheckTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		for id := range pending {
			d, err := e.store.GetDeployment(ctx, id)
			if err != nil {
				return &stageError{types.FailedDeployFailed, fmt.Errorf("get deployment %s: %w", id, err)}
			}
			switch d.Status {
			case types.DeploymentHealthy:
				delete(pending, id)
			case types.DeploymentFailed:
				return &stageError{types.FailedDeployFailed, fmt.Errorf("deployment %s reported failed during health_check", id)}
			}
		}
		if len(pending) == 0 {
			return nil
		}
		if e.isCancelled(r.ID) {
			return &stageError{types.FailedCancelled, fmt.Errorf("rollout cancelled during health_check")}
		}
		if time.Now().After(deadline) {
			return &stageError{types.FailedHealthCheckTimeout,
				fmt.Errorf("%d deployment(s) did not report healthy within %s", len(pending), e.healthCheckTimeout)}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &stageError{types.FailedCancelled, ctx.Err()}
		}
	}
}

// stageDNSSync flips new deployments healthy->running and drained priors
// draining->stopping (enqueuing their stop work item), then waits for a
// server.dns_synced callback per targeted server. DNS propagation has no
// persisted state anywhere (no resolver is run in this architecture), so
// unlike stageHealthCheck this waits on the in-process event broker rather
// than polling the Store. A timeout here is a warning, not a failure.
func (e *Engine) stageDNSSync(ctx context.Context, r *types.Rollout, svc *types.Service, plan *stagePlan, logger zerolog.Logger) error {
	if err := e.advance(ctx, r, types.StageDNSSync, logger); err != nil {
		return err
	}

	targets := make(map[string]bool)
	for _, d := range plan.newDeployments {
		d.Status = types.DeploymentRunning
		if err := e.store.UpdateDeployment(ctx, d); err != nil {
			return &stageError{types.FailedDeployFailed, fmt.Errorf("flip deployment %s to running: %w", d.ID, err)}
		}
		targets[d.ServerID] = true
	}
	for _, d := range plan.priorDeployments {
		d.Status = types.DeploymentStopping
		if err := e.store.UpdateDeployment(ctx, d); err != nil {
			return &stageError{types.FailedDeployFailed, fmt.Errorf("flip deployment %s to stopping: %w", d.ID, err)}
		}
		payload := workqueue.StopPayload{DedupeKey: d.ID, ServiceID: svc.ID, DeploymentID: d.ID, ContainerID: d.ContainerID}
		if err := e.queue.Enqueue(ctx, d.ServerID, types.WorkStop, d.ID, payload); err != nil {
			logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("failed to enqueue stop for draining deployment")
		}
	}

	if len(targets) == 0 {
		return nil
	}

	sub := e.broker.Subscribe()
	defer e.broker.Unsubscribe(sub)

	deadline := time.NewTimer(e.dnsSyncTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for len(targets) > 0 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventServerDNSSynced {
				delete(targets, ev.Metadata["serverId"])
			}
		case <-ticker.C:
			if e.isCancelled(r.ID) {
				return &stageError{types.FailedCancelled, fmt.Errorf("rollout cancelled during dns_sync")}
			}
		case <-deadline.C:
			logger.Warn().Int("servers_pending", len(targets)).Msg("dns_sync timed out waiting for agent confirmation, proceeding")
			return nil
		case <-ctx.Done():
			return &stageError{types.FailedCancelled, ctx.Err()}
		}
	}
	return nil
}
