// Package store defines and implements transactional persistence for the
// control plane's entity graph, backed by PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/anchorhq/anchor/pkg/types"
)

// Store is typed, transactional persistence of the entity graph (§3 of the
// design) plus the two primitives components build on: per-service
// advisory locks and batched child replacement.
type Store interface {
	// Servers
	CreateServer(ctx context.Context, s *types.Server) error
	GetServer(ctx context.Context, id string) (*types.Server, error)
	ListServers(ctx context.Context) ([]*types.Server, error)
	ListServersByStatus(ctx context.Context, status types.ServerStatus) ([]*types.Server, error)
	UpdateServer(ctx context.Context, s *types.Server) error
	DeleteServer(ctx context.Context, id string) error

	// Services
	CreateService(ctx context.Context, s *types.Service) error
	GetService(ctx context.Context, id string) (*types.Service, error)
	GetServiceByHostname(ctx context.Context, hostname string) (*types.Service, error)
	ListServices(ctx context.Context) ([]*types.Service, error)
	UpdateService(ctx context.Context, s *types.Service) error
	DeleteService(ctx context.Context, id string) error

	// Service child collections
	ReplacePorts(ctx context.Context, serviceID string, ports []*types.ServicePort) error
	ListPorts(ctx context.Context, serviceID string) ([]*types.ServicePort, error)
	ReplaceReplicas(ctx context.Context, serviceID string, replicas []*types.ServiceReplica) error
	ListReplicas(ctx context.Context, serviceID string) ([]*types.ServiceReplica, error)
	ReplaceVolumes(ctx context.Context, serviceID string, volumes []*types.ServiceVolume) error
	ListVolumes(ctx context.Context, serviceID string) ([]*types.ServiceVolume, error)
	UpsertSecret(ctx context.Context, secret *types.Secret) error
	ListSecrets(ctx context.Context, serviceID string) ([]*types.Secret, error)
	DeleteSecret(ctx context.Context, serviceID, key string) error

	// Rollouts
	CreateRollout(ctx context.Context, r *types.Rollout) error
	GetRollout(ctx context.Context, id string) (*types.Rollout, error)
	GetInProgressRollout(ctx context.Context, serviceID string) (*types.Rollout, error)
	ListInProgressRollouts(ctx context.Context) ([]*types.Rollout, error)
	UpdateRollout(ctx context.Context, r *types.Rollout) error

	// Deployments
	CreateDeployment(ctx context.Context, d *types.Deployment) error
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	ListDeploymentsByService(ctx context.Context, serviceID string) ([]*types.Deployment, error)
	ListDeploymentsByServiceStatus(ctx context.Context, serviceID string, statuses ...types.DeploymentStatus) ([]*types.Deployment, error)
	ListDeploymentsByServer(ctx context.Context, serverID string) ([]*types.Deployment, error)
	ListDeploymentsByRollout(ctx context.Context, rolloutID string) ([]*types.Deployment, error)
	UpdateDeployment(ctx context.Context, d *types.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error

	// DeploymentPorts
	CreateDeploymentPort(ctx context.Context, p *types.DeploymentPort) error
	ListDeploymentPortsByDeployment(ctx context.Context, deploymentID string) ([]*types.DeploymentPort, error)
	ListUsedHostPorts(ctx context.Context, serverID string) (map[int]bool, error)
	ListUsedIPs(ctx context.Context, serverID string) (map[string]bool, error)

	// WorkItems
	EnqueueWorkItem(ctx context.Context, w *types.WorkItem) error
	HasPendingOrProcessing(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (bool, error)
	FindWorkItem(ctx context.Context, serverID string, itemType types.WorkItemType, dedupeKey string) (*types.WorkItem, error)
	ClaimWorkItems(ctx context.Context, serverID string, max int) ([]*types.WorkItem, error)
	CompleteWorkItem(ctx context.Context, id string) error
	FailWorkItem(ctx context.Context, id string, maxAttempts int) (retried bool, err error)
	RecoverStuckWorkItems(ctx context.Context, stuckAfter time.Duration) (int, error)
	ListPendingWorkItemsByServer(ctx context.Context, serviceID string) ([]*types.WorkItem, error)
	DeletePendingWorkItemsForService(ctx context.Context, serviceID string) error

	// VolumeBackups
	CreateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error
	GetVolumeBackup(ctx context.Context, id string) (*types.VolumeBackup, error)
	UpdateVolumeBackup(ctx context.Context, b *types.VolumeBackup) error
	ListBackupsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.VolumeBackup, error)
	DeleteVolumeBackup(ctx context.Context, id string) error

	// Certificates
	GetCertificateByDomain(ctx context.Context, domain string) (*types.DomainCertificate, error)
	UpsertCertificate(ctx context.Context, c *types.DomainCertificate) error
	ListCertificatesExpiringBefore(ctx context.Context, cutoff time.Time) ([]*types.DomainCertificate, error)

	// ACME challenges
	CreateChallenge(ctx context.Context, c *types.AcmeChallenge) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)

	// WithAdvisoryLock serialises fn against any other caller holding the
	// same serviceID lock, across all control-plane replicas, blocking
	// until the lock is free (used by the MigrationEngine's Start).
	// TryAdvisoryLock instead returns apierr.Conflict at once if the lock
	// is held (used by the RolloutEngine's Start, behind deploy()).
	WithAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error
	TryAdvisoryLock(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error

	Close()
}
