// Package types defines the entity graph of the control plane: servers,
// services and their child collections, rollouts, deployments, work items,
// volume backups and domain certificates.
package types

import "time"

// ServerStatus is the lifecycle status of an enrolled server.
type ServerStatus string

const (
	ServerPending ServerStatus = "pending"
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
	ServerUnknown ServerStatus = "unknown"
)

// ServerResources is the most recently reported capacity of a server.
type ServerResources struct {
	CPU    float64 `json:"cpu"`
	MemMB  int64   `json:"memMb"`
	DiskGB int64   `json:"diskGb"`
}

// Server is a fleet machine managed by an agent.
type Server struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	PublicIP       string          `json:"publicIp"`
	WireguardIP    string          `json:"wireguardIp"`
	Status         ServerStatus    `json:"status"`
	LastHeartbeat  time.Time       `json:"lastHeartbeat"`
	Resources      ServerResources `json:"resources"`
	IsProxy        bool            `json:"isProxy"`
	AgentTokenHash string          `json:"-"`
	TokenExpiresAt time.Time       `json:"tokenExpiresAt"`
	TokenConsumed  bool            `json:"tokenConsumed"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// SourceType is how a service's image is obtained.
type SourceType string

const (
	SourceImage SourceType = "image"
	SourceRepo  SourceType = "repo"
)

// HealthCheck describes how agents probe a deployment for health.
type HealthCheck struct {
	Cmd          string `json:"cmd"`
	IntervalS    int    `json:"intervalS"`
	TimeoutS     int    `json:"timeoutS"`
	Retries      int    `json:"retries"`
	StartPeriodS int    `json:"startPeriodS"`
}

// Service is the declared spec for a workload.
type Service struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	EnvID      string     `json:"envId"`
	Name       string     `json:"name"`
	Hostname   string     `json:"hostname"` // unique, slug
	Image      string     `json:"image"`
	SourceType SourceType `json:"sourceType"`

	Replicas       int    `json:"replicas"`
	Stateful       bool   `json:"stateful"`
	AutoPlace      bool   `json:"autoPlace"`
	LockedServerID string `json:"lockedServerId"`

	HealthCheck HealthCheck `json:"healthCheck"`

	// DeployedConfig is the canonical snapshot captured at the end of the
	// last successful rollout. Nil until the first rollout completes.
	DeployedConfig *CanonicalConfig `json:"deployedConfig,omitempty"`

	MigrationStatus MigrationStatus `json:"migrationStatus"`
	MigrationError  string          `json:"migrationError,omitempty"` // set when MigrationStatus is MigrationFailed

	DeploymentSchedule string `json:"deploymentSchedule,omitempty"` // cron expression, empty = disabled
	BackupEnabled      bool   `json:"backupEnabled"`
	BackupSchedule     string `json:"backupSchedule,omitempty"` // cron expression
	RetentionDays      int    `json:"retentionDays"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// MigrationStatus tracks a stateful-service migration in progress.
type MigrationStatus string

const (
	MigrationNone            MigrationStatus = ""
	MigrationStopping        MigrationStatus = "stopping"
	MigrationBackingUp       MigrationStatus = "backing_up"
	MigrationDeployingTarget MigrationStatus = "deploying_target"
	MigrationRestoring       MigrationStatus = "restoring"
	MigrationStarting        MigrationStatus = "starting"
	MigrationFailed          MigrationStatus = "failed"
)

// Protocol is the transport protocol of a published port.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ServicePort is a container port a service wants published.
type ServicePort struct {
	ID             string   `json:"id"`
	ServiceID      string   `json:"serviceId"`
	Port           int      `json:"port"`
	IsPublic       bool     `json:"isPublic"`
	Domain         string   `json:"domain,omitempty"` // unique when set
	Protocol       Protocol `json:"protocol"`
	TLSPassthrough bool     `json:"tlsPassthrough"`
}

// ServiceReplica is an explicit per-server replica count, used when
// autoPlace is false.
type ServiceReplica struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceId"`
	ServerID  string `json:"serverId"`
	Count     int    `json:"count"` // [0,10]
}

// ServiceVolume is a named volume mount, meaningful only for stateful
// services.
type ServiceVolume struct {
	ID            string `json:"id"`
	ServiceID     string `json:"serviceId"`
	Name          string `json:"name"`
	ContainerPath string `json:"containerPath"`
}

// Secret is an encrypted key/value belonging to a service. EncryptedValue
// is ciphertext produced by pkg/security; plaintext never lives here.
type Secret struct {
	ID             string `json:"id"`
	ServiceID      string `json:"serviceId"`
	Key            string `json:"key"` // identifier regex
	EncryptedValue []byte `json:"-"`
}

// RolloutStatus is the terminal or in-progress state of a rollout.
type RolloutStatus string

const (
	RolloutInProgress RolloutStatus = "in_progress"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutFailed     RolloutStatus = "failed"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// RolloutStage is a step of the RolloutEngine's stage machine.
type RolloutStage string

const (
	StagePreparing    RolloutStage = "preparing"
	StageCertificates RolloutStage = "certificates"
	StageDeploying    RolloutStage = "deploying"
	StageHealthCheck  RolloutStage = "health_check"
	StageDNSSync      RolloutStage = "dns_sync"
	StageCompleted    RolloutStage = "completed"
	StageRolledBack   RolloutStage = "rolled_back"
)

// FailedStage enumerates why a rollout rolled back.
type FailedStage string

const (
	FailedHealthCheckTimeout            FailedStage = "health_check_timeout"
	FailedDeployFailed                  FailedStage = "deploy_failed"
	FailedCertificateProvisioningFailed FailedStage = "certificate_provisioning_failed"
	FailedAborted                       FailedStage = "aborted"
	FailedCancelled                     FailedStage = "cancelled"
)

// Rollout is a coordinated transition from the current deployment set to a
// new one.
type Rollout struct {
	ID           string        `json:"id"`
	ServiceID    string        `json:"serviceId"`
	Status       RolloutStatus `json:"status"`
	CurrentStage RolloutStage  `json:"stage"`
	FailedStage  FailedStage   `json:"failedStage,omitempty"`
	Cancelled    bool          `json:"cancelled"`
	CreatedAt    time.Time     `json:"createdAt"`
	CompletedAt  time.Time     `json:"completedAt,omitempty"`
}

// DeploymentStatus is the per-replica lifecycle state.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentPulling    DeploymentStatus = "pulling"
	DeploymentStarting   DeploymentStatus = "starting"
	DeploymentHealthy    DeploymentStatus = "healthy"
	DeploymentRunning    DeploymentStatus = "running"
	DeploymentDraining   DeploymentStatus = "draining"
	DeploymentStopping   DeploymentStatus = "stopping"
	DeploymentStopped    DeploymentStatus = "stopped"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentUnknown    DeploymentStatus = "unknown"
)

// HealthStatus is the agent-reported health of a deployment.
type HealthStatus string

const (
	HealthNone      HealthStatus = "none"
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Deployment is a realised (or intended) container replica.
type Deployment struct {
	ID                   string           `json:"id"`
	ServiceID            string           `json:"serviceId"`
	ServerID             string           `json:"serverId"`
	RolloutID            string           `json:"rolloutId"`
	PreviousDeploymentID string           `json:"previousDeploymentId,omitempty"`
	ContainerID          string           `json:"containerId,omitempty"`
	IPAddress            string           `json:"ipAddress,omitempty"`
	Status               DeploymentStatus `json:"status"`
	HealthStatus         HealthStatus     `json:"healthStatus"`
	FailedStage          FailedStage      `json:"failedStage,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// DeploymentPort maps a ServicePort to an allocated host port on the
// deployment's server.
type DeploymentPort struct {
	ID            string `json:"id"`
	DeploymentID  string `json:"deploymentId"`
	ServicePortID string `json:"servicePortId"`
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
}

// WorkItemType is the tag of a WorkItem's payload.
type WorkItemType string

const (
	WorkDeploy         WorkItemType = "deploy"
	WorkStop           WorkItemType = "stop"
	WorkForceCleanup   WorkItemType = "force_cleanup"
	WorkCleanupVolumes WorkItemType = "cleanup_volumes"
	WorkBuild          WorkItemType = "build"
	WorkBackupVolume   WorkItemType = "backup_volume"
	WorkRestoreVolume  WorkItemType = "restore_volume"
)

// WorkItemStatus is the claim lifecycle of a WorkItem.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemProcessing WorkItemStatus = "processing"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
)

// WorkItem is a durable imperative command dispatched to one server's
// agent. Payload is one of the *Payload types of pkg/workqueue,
// serialised as JSON at the store boundary.
type WorkItem struct {
	ID          string         `json:"id"`
	ServerID    string         `json:"serverId"`
	Type        WorkItemType   `json:"type"`
	Payload     []byte         `json:"payload"` // JSON-encoded tagged payload, see pkg/workqueue
	Status      WorkItemStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
}

// VolumeBackupStatus is the lifecycle of a snapshot.
type VolumeBackupStatus string

const (
	BackupPending   VolumeBackupStatus = "pending"
	BackupUploading VolumeBackupStatus = "uploading"
	BackupCompleted VolumeBackupStatus = "completed"
	BackupFailed    VolumeBackupStatus = "failed"
)

// VolumeBackup is a point-in-time snapshot of a service volume.
type VolumeBackup struct {
	ID                string             `json:"id"`
	VolumeID          string             `json:"volumeId"`
	ServiceID         string             `json:"serviceId"`
	ServerID          string             `json:"serverId"`
	Status            VolumeBackupStatus `json:"status"`
	StoragePath       string             `json:"storagePath"`
	SizeBytes         int64              `json:"sizeBytes"`
	Checksum          string             `json:"checksum,omitempty"`
	IsMigrationBackup bool               `json:"isMigrationBackup"`
	CreatedAt         time.Time          `json:"createdAt"`
	CompletedAt       time.Time          `json:"completedAt,omitempty"`
}

// DomainCertificate is TLS material for a public ServicePort's domain.
type DomainCertificate struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	Certificate []byte    `json:"-"`
	PrivateKey  []byte    `json:"-"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// AcmeChallenge is an outstanding HTTP-01 challenge token.
type AcmeChallenge struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Token     string    `json:"token"`
	KeyAuth   string    `json:"keyAuth"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CanonicalConfig is the canonical, comparable form of a service's
// configuration produced by pkg/configdiff.
type CanonicalConfig struct {
	SourceType  SourceType         `json:"sourceType"`
	SourceRef   string             `json:"sourceRef"` // image reference or repo ref
	HealthCheck HealthCheck        `json:"healthCheck"`
	Ports       []CanonicalPort    `json:"ports"`
	Replicas    []CanonicalReplica `json:"replicas"`
	SecretKeys  []string           `json:"secretKeys"`
	Volumes     []string           `json:"volumes"`
}

// CanonicalPort is a ServicePort reduced to its comparable fields.
type CanonicalPort struct {
	Port           int      `json:"port"`
	IsPublic       bool     `json:"isPublic"`
	Domain         string   `json:"domain,omitempty"`
	Protocol       Protocol `json:"protocol"`
	TLSPassthrough bool     `json:"tlsPassthrough"`
}

// CanonicalReplica is a ServiceReplica reduced to its comparable fields.
type CanonicalReplica struct {
	ServerID string `json:"serverId"`
	Count    int    `json:"count"`
}
