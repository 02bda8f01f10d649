// Package scheduler runs the seven independent periodic sweeps of spec
// §4.11: stale servers, scheduled deployments, certificates, ACME
// challenges, backups, retention and stuck work items. Each sweep is its
// own ticker goroutine in the teacher's Scheduler/Reconciler idiom
// (ticker := time.NewTicker(...); select { case <-ticker.C: ...; case
// <-stopCh: return }) rather than one shared loop, so a slow sweep never
// delays an unrelated one.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/apierr"
	"github.com/anchorhq/anchor/pkg/backup"
	"github.com/anchorhq/anchor/pkg/config"
	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/metrics"
	"github.com/anchorhq/anchor/pkg/rollout"
	"github.com/anchorhq/anchor/pkg/store"
	"github.com/anchorhq/anchor/pkg/types"
)

// Scheduler owns the periodic sweeps that keep declared state converging
// without a rollout or agent callback to trigger them.
type Scheduler struct {
	store    store.Store
	rollouts *rollout.Engine
	backups  *backup.Engine
	certs    rollout.CertIssuer
	cfg      config.Scheduler

	stalenessWindow   time.Duration
	stuckAfter        time.Duration
	certRenewalWindow time.Duration

	logger zerolog.Logger

	mu       sync.Mutex
	lastTick map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(s store.Store, rollouts *rollout.Engine, backups *backup.Engine, certs rollout.CertIssuer, cfg config.Scheduler, stalenessWindow, stuckAfter time.Duration) *Scheduler {
	if certs == nil {
		certs = rollout.NoCertIssuer{}
	}
	return &Scheduler{
		store:             s,
		rollouts:          rollouts,
		backups:           backups,
		certs:             certs,
		cfg:               cfg,
		stalenessWindow:   stalenessWindow,
		stuckAfter:        stuckAfter,
		certRenewalWindow: cfg.CertificateRenewalWindow,
		logger:            log.WithComponent("scheduler"),
		lastTick:          make(map[string]time.Time),
		stopCh:            make(chan struct{}),
	}
}

// Start launches every sweep as its own goroutine.
func (s *Scheduler) Start() {
	sweeps := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"stale_servers", s.cfg.StaleServersInterval, s.sweepStaleServers},
		{"scheduled_deployments", s.cfg.ScheduledDeploysInterval, s.sweepScheduledDeployments},
		{"certificates", s.cfg.CertificatesInterval, s.sweepCertificates},
		{"challenges", s.cfg.ChallengesInterval, s.sweepChallenges},
		{"backups", s.cfg.BackupsInterval, s.sweepBackups},
		{"retention", s.cfg.RetentionInterval, s.sweepRetention},
		{"stuck_items", s.cfg.StuckItemsInterval, s.sweepStuckItems},
	}
	for _, sw := range sweeps {
		s.wg.Add(1)
		go s.runLoop(sw.name, sw.interval, sw.fn)
	}
}

// Stop signals every sweep goroutine and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(name string, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := s.logger.With().Str("sweep", name).Logger()
	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			fn(ctx)
			cancel()
			timer.ObserveDurationVec(metrics.SchedulerSweepDuration, name)
		case <-s.stopCh:
			logger.Info().Msg("sweep stopped")
			return
		}
	}
}

// window returns the [from, to) range this tick covers for a cron-driven
// sweep keyed by name, seeding from with now-interval on first run so a
// schedule due within the very first window still fires.
func (s *Scheduler) window(name string, interval time.Duration) (from, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to = time.Now()
	var ok bool
	from, ok = s.lastTick[name]
	if !ok {
		from = to.Add(-interval)
	}
	s.lastTick[name] = to
	return from, to
}

// due reports whether a cron schedule has a fire time in (from, to].
func due(sched cron.Schedule, from, to time.Time) bool {
	return !sched.Next(from).After(to)
}

// sweepStaleServers flips servers with a stale heartbeat to offline and
// starts recovery rollouts for auto-placed services that had a deployment
// on one of them.
func (s *Scheduler) sweepStaleServers(ctx context.Context) {
	servers, err := s.store.ListServersByStatus(ctx, types.ServerOnline)
	if err != nil {
		s.logger.Error().Err(err).Msg("list online servers")
		return
	}

	now := time.Now()
	var wentOffline []*types.Server
	for _, srv := range servers {
		if now.Sub(srv.LastHeartbeat) <= s.stalenessWindow {
			continue
		}
		srv.Status = types.ServerOffline
		if err := s.store.UpdateServer(ctx, srv); err != nil {
			s.logger.Error().Err(err).Str("server_id", srv.ID).Msg("mark server offline")
			continue
		}
		wentOffline = append(wentOffline, srv)
	}

	for _, srv := range wentOffline {
		deployments, err := s.store.ListDeploymentsByServer(ctx, srv.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("server_id", srv.ID).Msg("list deployments on offline server")
			continue
		}
		seen := make(map[string]bool)
		for _, d := range deployments {
			if seen[d.ServiceID] {
				continue
			}
			seen[d.ServiceID] = true
			s.recoverIfAutoPlaced(ctx, d.ServiceID)
		}
	}
}

func (s *Scheduler) recoverIfAutoPlaced(ctx context.Context, serviceID string) {
	svc, err := s.store.GetService(ctx, serviceID)
	if err != nil || !svc.AutoPlace {
		return
	}
	if _, err := s.rollouts.Start(ctx, serviceID); err != nil && !apierr.Is(err, apierr.Conflict) {
		s.logger.Error().Err(err).Str("service_id", serviceID).Msg("start recovery rollout")
	}
}

// sweepScheduledDeployments starts a rollout for any service whose
// deploymentSchedule cron fired during this tick's window and that has no
// rollout already in progress.
func (s *Scheduler) sweepScheduledDeployments(ctx context.Context) {
	from, to := s.window("scheduled_deployments", s.cfg.ScheduledDeploysInterval)

	services, err := s.store.ListServices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list services")
		return
	}

	for _, svc := range services {
		if svc.DeploymentSchedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(svc.DeploymentSchedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("service_id", svc.ID).Msg("invalid deployment schedule")
			continue
		}
		if !due(sched, from, to) {
			continue
		}
		if existing, err := s.store.GetInProgressRollout(ctx, svc.ID); err == nil && existing != nil {
			continue
		}
		if _, err := s.rollouts.Start(ctx, svc.ID); err != nil && !apierr.Is(err, apierr.Conflict) {
			s.logger.Error().Err(err).Str("service_id", svc.ID).Msg("start scheduled deployment")
		}
	}
}

// sweepCertificates re-issues certificates within the renewal window of
// expiry.
func (s *Scheduler) sweepCertificates(ctx context.Context) {
	cutoff := time.Now().Add(s.certRenewalWindow)
	certs, err := s.store.ListCertificatesExpiringBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("list expiring certificates")
		return
	}

	for _, c := range certs {
		renewed, err := s.certs.Ensure(ctx, c.Domain)
		if err != nil {
			s.logger.Error().Err(err).Str("domain", c.Domain).Msg("renew certificate")
			continue
		}
		if renewed == nil {
			continue
		}
		if err := s.store.UpsertCertificate(ctx, renewed); err != nil {
			s.logger.Error().Err(err).Str("domain", c.Domain).Msg("persist renewed certificate")
		}
	}
}

// sweepChallenges deletes ACME challenge rows past their expiry.
func (s *Scheduler) sweepChallenges(ctx context.Context) {
	n, err := s.store.DeleteExpiredChallenges(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("delete expired challenges")
		return
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("deleted expired challenges")
	}
}

// sweepBackups triggers a backup per volume for services whose
// backupSchedule cron fired during this tick's window.
func (s *Scheduler) sweepBackups(ctx context.Context) {
	from, to := s.window("backups", s.cfg.BackupsInterval)

	services, err := s.store.ListServices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list services")
		return
	}

	for _, svc := range services {
		if !svc.BackupEnabled || svc.BackupSchedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(svc.BackupSchedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("service_id", svc.ID).Msg("invalid backup schedule")
			continue
		}
		if !due(sched, from, to) {
			continue
		}

		volumes, err := s.store.ListVolumes(ctx, svc.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("service_id", svc.ID).Msg("list volumes")
			continue
		}
		for _, vol := range volumes {
			if _, err := s.backups.Trigger(ctx, svc.ID, vol.ID, ""); err != nil {
				s.logger.Error().Err(err).Str("service_id", svc.ID).Str("volume_id", vol.ID).Msg("trigger scheduled backup")
			}
		}
	}
}

// sweepRetention purges backup bookkeeping rows older than each service's
// retentionDays.
func (s *Scheduler) sweepRetention(ctx context.Context) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list services")
		return
	}

	for _, svc := range services {
		if svc.RetentionDays <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -svc.RetentionDays)
		n, err := s.backups.PurgeExpired(ctx, svc.ID, cutoff)
		if err != nil {
			s.logger.Error().Err(err).Str("service_id", svc.ID).Msg("purge expired backups")
			continue
		}
		if n > 0 {
			s.logger.Info().Str("service_id", svc.ID).Int("count", n).Msg("purged expired backups")
		}
	}
}

// sweepStuckItems returns work items stuck in processing back to pending.
func (s *Scheduler) sweepStuckItems(ctx context.Context) {
	n, err := s.store.RecoverStuckWorkItems(ctx, s.stuckAfter)
	if err != nil {
		s.logger.Error().Err(err).Msg("recover stuck work items")
		return
	}
	if n > 0 {
		s.logger.Warn().Int("count", n).Msg("recovered stuck work items")
	}
}
