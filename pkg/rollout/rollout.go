// Package rollout drives a service's rollout stage machine: preparing,
// certificates, deploying, health_check, dns_sync, completed — or
// rolled_back if any stage fails or times out. A rollout
// outlives the request that starts it; Start launches the stage machine as
// a detached goroutine and returns once the rollout row exists.
package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/alert"
	"github.com/anchorhq/anchor/pkg/allocator"
	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/events"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/metrics"
	"github.com/anchorhq/anchor/pkg/placer"
	"github.com/anchorhq/anchor/pkg/security"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
	"github.com/anchorhq/anchor/pkg/workqueue"
)

const (
	healthCheckTimeout = 10 * time.Minute
	dnsSyncTimeout     = 5 * time.Minute
	pollInterval       = 2 * time.Second
)

// Engine drives rollouts to completion. One Engine serves every service;
// concurrent rollouts for different services run as independent
// goroutines, mutual exclusion per service comes from the
// one_in_progress_rollout_per_service index rather than in-process state.
type Engine struct {
	store   store.Store
	alloc   *allocator.Allocator
	queue   *workqueue.Queue
	broker  *events.Broker
	certs   CertIssuer
	alert   alert.Sink
	secrets *security.SecretsManager
	logger  zerolog.Logger

	healthCheckTimeout time.Duration
	dnsSyncTimeout     time.Duration
	pollInterval       time.Duration

	mu        sync.Mutex
	cancelled map[string]bool
}

func New(s store.Store, alloc *allocator.Allocator, q *workqueue.Queue, broker *events.Broker, certs CertIssuer, sink alert.Sink, secrets *security.SecretsManager) *Engine {
	if certs == nil {
		certs = NoCertIssuer{}
	}
	if sink == nil {
		sink = alert.NoopSink{}
	}
	return &Engine{
		store:              s,
		alloc:              alloc,
		queue:              q,
		broker:             broker,
		certs:              certs,
		alert:              sink,
		secrets:            secrets,
		logger:             log.WithComponent("rollout"),
		healthCheckTimeout: healthCheckTimeout,
		dnsSyncTimeout:     dnsSyncTimeout,
		pollInterval:       pollInterval,
		cancelled:          make(map[string]bool),
	}
}

// Start creates a rollout row for serviceID and launches its stage machine.
// Fails with apierr.Conflict if the service already has a rollout
// in_progress: Start checks for one under TryAdvisoryLock, and CreateRollout
// reports a violation of the one_in_progress_rollout_per_service partial
// unique index as Conflict too. No in-process lock is involved.
func (e *Engine) Start(ctx context.Context, serviceID string) (*types.Rollout, error) {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	var rollout *types.Rollout
	err = e.store.TryAdvisoryLock(ctx, serviceID, func(ctx context.Context) error {
		if existing, err := e.store.GetInProgressRollout(ctx, serviceID); err == nil && existing != nil {
			return apierr.NewConflict(fmt.Sprintf("service %s already has a rollout in progress", serviceID))
		}

		rollout = &types.Rollout{
			ID:           uuid.New().String(),
			ServiceID:    serviceID,
			Status:       types.RolloutInProgress,
			CurrentStage: types.StagePreparing,
			CreatedAt:    time.Now(),
		}
		return e.store.CreateRollout(ctx, rollout)
	})
	if err != nil {
		return nil, err
	}

	e.broker.Publish(&events.Event{
		Type:     events.EventRolloutCreated,
		Metadata: map[string]string{"rolloutId": rollout.ID, "serviceId": serviceID},
	})

	go e.run(context.Background(), rollout.ID, svc.Name)
	return rollout, nil
}

// Cancel flags rolloutID for cancellation. It takes effect at the next
// suspension point (a poll tick during health_check or dns_sync), never
// mid-write.
func (e *Engine) Cancel(rolloutID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled[rolloutID] = true
}

func (e *Engine) isCancelled(rolloutID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[rolloutID]
}

func (e *Engine) clearCancelled(rolloutID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, rolloutID)
}

// run executes the stage machine for rolloutID to a terminal state. It
// never returns an error: every failure is folded into rollback.
func (e *Engine) run(ctx context.Context, rolloutID, serviceName string) {
	defer e.clearCancelled(rolloutID)

	timer := metrics.NewTimer()
	logger := e.logger.With().Str("rollout_id", rolloutID).Logger()

	r, err := e.store.GetRollout(ctx, rolloutID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rollout after start")
		return
	}
	svc, err := e.store.GetService(ctx, r.ServiceID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load service for rollout")
		return
	}

	plan, err := e.runStages(ctx, r, svc, logger)
	status := types.RolloutCompleted
	if err != nil {
		logger.Error().Err(err).Str("stage", string(r.CurrentStage)).Msg("rollout failed, rolling back")
		e.rollback(ctx, r, svc, plan, failedStageFor(err), logger)
		status = types.RolloutRolledBack
	} else {
		e.finish(ctx, r, logger)
	}

	timer.ObserveDurationVec(metrics.RolloutDuration, string(status))
	metrics.RolloutsTotal.WithLabelValues(string(status)).Inc()
}

// stagePlan carries state computed in preparing through to later stages and
// to rollback.
type stagePlan struct {
	placements     []placer.Placement
	isRollingUpdate bool
	priorDeployments []*types.Deployment
	newDeployments   []*types.Deployment
}

func (e *Engine) runStages(ctx context.Context, r *types.Rollout, svc *types.Service, logger zerolog.Logger) (*stagePlan, error) {
	plan, err := e.stagePreparing(ctx, r, svc, logger)
	if err != nil {
		return plan, err
	}

	if err := e.stageCertificates(ctx, r, svc, logger); err != nil {
		return plan, err
	}

	if err := e.stageDeploying(ctx, r, svc, plan, logger); err != nil {
		return plan, err
	}

	if err := e.stageHealthCheck(ctx, r, plan, logger); err != nil {
		return plan, err
	}

	if err := e.stageDNSSync(ctx, r, svc, plan, logger); err != nil {
		return plan, err
	}

	return plan, nil
}

func (e *Engine) advance(ctx context.Context, r *types.Rollout, stage types.RolloutStage, logger zerolog.Logger) error {
	r.CurrentStage = stage
	if err := e.store.UpdateRollout(ctx, r); err != nil {
		return fmt.Errorf("advance to stage %s: %w", stage, err)
	}
	logger.Info().Str("stage", string(stage)).Msg("rollout advanced")
	return nil
}

func (e *Engine) finish(ctx context.Context, r *types.Rollout, logger zerolog.Logger) {
	r.Status = types.RolloutCompleted
	r.CurrentStage = types.StageCompleted
	r.CompletedAt = time.Now()
	if err := e.store.UpdateRollout(ctx, r); err != nil {
		logger.Error().Err(err).Msg("failed to mark rollout completed")
		return
	}
	e.broker.Publish(&events.Event{
		Type:     events.EventRolloutCompleted,
		Metadata: map[string]string{"rolloutId": r.ID, "serviceId": r.ServiceID},
	})
}

// stageError wraps a stage failure with the FailedStage it should roll back
// as, so runStages can stay oblivious to the mapping.
type stageError struct {
	stage types.FailedStage
	err   error
}

func (s *stageError) Error() string { return s.err.Error() }
func (s *stageError) Unwrap() error { return s.err }

func failedStageFor(err error) types.FailedStage {
	if se, ok := err.(*stageError); ok {
		return se.stage
	}
	return types.FailedDeployFailed
}

// rollback reverts whatever the rollout had committed before it failed:
// draining priors go back to running (rolling update only), new
// deployments are marked rolled_back, and a force_cleanup item is enqueued
// per server so the agent tears down any container it already started.
func (e *Engine) rollback(ctx context.Context, r *types.Rollout, svc *types.Service, plan *stagePlan, failedStage types.FailedStage, logger zerolog.Logger) {
	r.Status = types.RolloutRolledBack
	r.FailedStage = failedStage
	r.CurrentStage = types.StageRolledBack
	r.CompletedAt = time.Now()
	if err := e.store.UpdateRollout(ctx, r); err != nil {
		logger.Error().Err(err).Msg("failed to persist rolled_back rollout")
	}

	var firstServerID string
	if plan != nil {
		if plan.isRollingUpdate {
			for _, d := range plan.priorDeployments {
				if d.Status != types.DeploymentDraining {
					continue
				}
				d.Status = types.DeploymentRunning
				if err := e.store.UpdateDeployment(ctx, d); err != nil {
					logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to revert draining deployment to running")
				}
			}
		}

		byServer := make(map[string][]string)
		for _, d := range plan.newDeployments {
			d.Status = types.DeploymentRolledBack
			d.FailedStage = failedStage
			if err := e.store.UpdateDeployment(ctx, d); err != nil {
				logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to mark new deployment rolled back")
			}
			if firstServerID == "" {
				firstServerID = d.ServerID
			}
			if d.ContainerID != "" {
				byServer[d.ServerID] = append(byServer[d.ServerID], d.ContainerID)
			}
		}

		for serverID, containerIDs := range byServer {
			dedupe := r.ID + ":" + serverID
			payload := workqueue.ForceCleanupPayload{DedupeKey: dedupe, ServiceID: svc.ID, ContainerIDs: containerIDs}
			if err := e.queue.Enqueue(ctx, serverID, types.WorkForceCleanup, dedupe, payload); err != nil {
				logger.Warn().Err(err).Str("server_id", serverID).Msg("failed to enqueue force_cleanup after rollback")
			}
		}
	}

	e.broker.Publish(&events.Event{
		Type:    events.EventRolloutRolledBack,
		Message: string(failedStage),
		Metadata: map[string]string{
			"rolloutId":   r.ID,
			"serviceId":   r.ServiceID,
			"failedStage": string(failedStage),
		},
	})
	metrics.RolledBackTotal.WithLabelValues(string(failedStage)).Inc()
	e.alert.NotifyDeploymentFailure(ctx, svc.ID, svc.Name, firstServerID, failedStage)
}
