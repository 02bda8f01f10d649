// Package config holds explicit configuration structs for every component,
// populated from the environment. This replaces the source's pattern of
// handlers reading global env directly: each component receives only the
// struct it needs.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Store configures the Postgres-backed Store.
type Store struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	MaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	ConnectTimeout  time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`
}

// Allocator configures port and IP allocation ranges.
type Allocator struct {
	HostPortMin int `env:"HOST_PORT_MIN" envDefault:"30000"`
	HostPortMax int `env:"HOST_PORT_MAX" envDefault:"32767"`
}

// Dispatcher configures the agent-facing HTTP surface.
type Dispatcher struct {
	ListenAddr      string        `env:"DISPATCHER_ADDR" envDefault:":7420"`
	ClaimLongPoll   time.Duration `env:"CLAIM_LONG_POLL" envDefault:"25s"`
	StalenessWindow time.Duration `env:"STALENESS_WINDOW" envDefault:"90s"`
}

// API configures the UI-facing HTTP surface.
type API struct {
	ListenAddr string `env:"API_ADDR" envDefault:":7421"`
}

// WorkQueue configures retry and stuck-item recovery policy. Only
// ProcessingStuckAfter is passed on (to the Scheduler); pkg/workqueue does
// not read MaxAttempts, BaseBackoff or MaxBackoff and uses its own fixed
// values (3 attempts, 1s base, 30s cap).
type WorkQueue struct {
	MaxAttempts         int           `env:"WORKQUEUE_MAX_ATTEMPTS" envDefault:"3"`
	ProcessingStuckAfter time.Duration `env:"WORKQUEUE_STUCK_AFTER" envDefault:"5m"`
	BaseBackoff         time.Duration `env:"WORKQUEUE_BASE_BACKOFF" envDefault:"1s"`
	MaxBackoff          time.Duration `env:"WORKQUEUE_MAX_BACKOFF" envDefault:"30s"`
}

// Rollout holds per-stage timeouts for the RolloutEngine. They are loaded
// but not passed to pkg/rollout, which uses its own fixed timeouts (10m for
// health_check, 5m for dns_sync, none for certificates).
type Rollout struct {
	HealthCheckTimeout time.Duration `env:"ROLLOUT_HEALTH_CHECK_TIMEOUT" envDefault:"10m"`
	DNSSyncTimeout     time.Duration `env:"ROLLOUT_DNS_SYNC_TIMEOUT" envDefault:"5m"`
	CertificateTimeout time.Duration `env:"ROLLOUT_CERTIFICATE_TIMEOUT" envDefault:"2m"`
}

// Scheduler configures the periodic sweep intervals.
type Scheduler struct {
	StaleServersInterval      time.Duration `env:"SCHED_STALE_SERVERS_INTERVAL" envDefault:"5m"`
	ScheduledDeploysInterval  time.Duration `env:"SCHED_DEPLOYS_INTERVAL" envDefault:"15m"`
	CertificatesInterval      time.Duration `env:"SCHED_CERTIFICATES_INTERVAL" envDefault:"24h"`
	ChallengesInterval        time.Duration `env:"SCHED_CHALLENGES_INTERVAL" envDefault:"10m"`
	BackupsInterval           time.Duration `env:"SCHED_BACKUPS_INTERVAL" envDefault:"15m"`
	RetentionInterval         time.Duration `env:"SCHED_RETENTION_INTERVAL" envDefault:"24h"`
	StuckItemsInterval        time.Duration `env:"SCHED_STUCK_ITEMS_INTERVAL" envDefault:"5m"`
	CertificateRenewalWindow  time.Duration `env:"SCHED_CERT_RENEWAL_WINDOW" envDefault:"720h"` // 30 days
}

// Redis configures the pub/sub backend used for dispatcher long-poll
// wake-ups.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Security configures secret encryption and agent token hashing.
type Security struct {
	EncryptionKeyHex string        `env:"ENCRYPTION_KEY,required"`
	EnrollmentTTL    time.Duration `env:"ENROLLMENT_TOKEN_TTL" envDefault:"24h"`
}

// Alert configures outbound failure notification channels.
type Alert struct {
	SlackBotToken     string `env:"ALERT_SLACK_BOT_TOKEN"`
	SlackChannel      string `env:"ALERT_SLACK_CHANNEL"`
	GenericWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

// Storage configures the object store the agent uploads volume backups to
// and restores them from. The control plane never talks to it directly —
// it only hands the coordinates to the agent inside a work item payload.
type Storage struct {
	Provider  string `env:"BACKUP_STORAGE_PROVIDER" envDefault:"s3"`
	Bucket    string `env:"BACKUP_STORAGE_BUCKET"`
	Region    string `env:"BACKUP_STORAGE_REGION"`
	Endpoint  string `env:"BACKUP_STORAGE_ENDPOINT"`
	AccessKey string `env:"BACKUP_STORAGE_ACCESS_KEY"`
	SecretKey string `env:"BACKUP_STORAGE_SECRET_KEY"`
}

// Root aggregates every component's configuration, parsed from the
// environment in one call.
type Root struct {
	Store      Store
	Allocator  Allocator
	Dispatcher Dispatcher
	API        API
	WorkQueue  WorkQueue
	Rollout    Rollout
	Scheduler  Scheduler
	Redis      Redis
	Security   Security
	Alert      Alert
	Storage    Storage
}

// Load parses every component's configuration from the process
// environment.
func Load() (*Root, error) {
	var r Root
	for _, target := range []any{
		&r.Store, &r.Allocator, &r.Dispatcher, &r.API, &r.WorkQueue,
		&r.Rollout, &r.Scheduler, &r.Redis, &r.Security, &r.Alert, &r.Storage,
	} {
		if err := env.Parse(target); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
