package workqueue

// PortMapping is one entry of a deploy payload's portMappings list.
type PortMapping struct {
	ContainerPort int `json:"containerPort"`
	HostPort      int `json:"hostPort"`
}

// VolumeMount is one entry of a deploy payload's volumeMounts list.
type VolumeMount struct {
	Name          string `json:"name"`
	ContainerPath string `json:"containerPath"`
}

// StorageConfig describes where a volume backup is written to or read from.
type StorageConfig struct {
	Provider  string `json:"provider"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

// HealthCheckSpec mirrors types.HealthCheck in the wire payload.
type HealthCheckSpec struct {
	Cmd          string `json:"cmd"`
	IntervalS    int    `json:"intervalS"`
	TimeoutS     int    `json:"timeoutS"`
	Retries      int    `json:"retries"`
	StartPeriodS int    `json:"startPeriodS"`
}

// DeployPayload is the deploy work item's wire contract (spec §6).
// DedupeKey is the deploymentId: enqueuing a second deploy item for a
// deployment already pending/processing is a no-op.
type DeployPayload struct {
	DedupeKey     string            `json:"dedupeKey"`
	ServiceID     string            `json:"serviceId"`
	DeploymentID  string            `json:"deploymentId"`
	ServiceName   string            `json:"serviceName"`
	Image         string            `json:"image"`
	PortMappings  []PortMapping     `json:"portMappings"`
	WireguardIP   string            `json:"wireguardIp"`
	IPAddress     string            `json:"ipAddress"`
	Name          string            `json:"name"`
	HealthCheck   *HealthCheckSpec  `json:"healthCheck,omitempty"`
	Env           map[string]string `json:"env"`
	VolumeMounts  []VolumeMount     `json:"volumeMounts"`
}

// StopPayload is the stop work item's wire contract.
type StopPayload struct {
	DedupeKey    string `json:"dedupeKey"`
	ServiceID    string `json:"serviceId"`
	DeploymentID string `json:"deploymentId"`
	ContainerID  string `json:"containerId"`
}

// ForceCleanupPayload is the force_cleanup work item's wire contract.
type ForceCleanupPayload struct {
	DedupeKey    string   `json:"dedupeKey"`
	ServiceID    string   `json:"serviceId"`
	ContainerIDs []string `json:"containerIds"`
}

// CleanupVolumesPayload tears down volumes left behind by a deleted
// service or a completed migration.
type CleanupVolumesPayload struct {
	DedupeKey string   `json:"dedupeKey"`
	ServiceID string   `json:"serviceId"`
	Volumes   []string `json:"volumes"`
}

// BuildPayload asks the agent to build a repo-sourced service image.
type BuildPayload struct {
	DedupeKey string `json:"dedupeKey"`
	ServiceID string `json:"serviceId"`
	RepoRef   string `json:"repoRef"`
}

// BackupVolumePayload is the backup_volume work item's wire contract.
type BackupVolumePayload struct {
	DedupeKey     string        `json:"dedupeKey"`
	BackupID      string        `json:"backupId"`
	ServiceID     string        `json:"serviceId"`
	ContainerID   string        `json:"containerId"`
	VolumeName    string        `json:"volumeName"`
	StoragePath   string        `json:"storagePath"`
	BackupType    string        `json:"backupType"`
	ServiceImage  string        `json:"serviceImage"`
	StorageConfig StorageConfig `json:"storageConfig"`
}

// RestoreVolumePayload is the restore_volume work item's wire contract:
// a BackupVolumePayload plus the checksum the agent must verify against
// after restoring.
type RestoreVolumePayload struct {
	BackupVolumePayload
	ExpectedChecksum string `json:"expectedChecksum"`
}
