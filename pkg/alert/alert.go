// Package alert delivers fire-and-forget operator notifications for rollout
// failures. Delivery failures are logged, never surfaced to the caller — a
// broken webhook must not fail a rollout that otherwise rolled back cleanly.
package alert

import (
	"context"

	"github.com/anchorhq/anchor/pkg/types"
)

// Sink notifies an operator-facing channel that a service's rollout failed.
// ServerID is empty when the failure was not specific to one server (for
// example a certificate-provisioning failure during the certificates
// stage).
type Sink interface {
	NotifyDeploymentFailure(ctx context.Context, serviceID, serviceName, serverID string, failedStage types.FailedStage)
}

// NoopSink discards every notification. Used when no webhook or Slack
// token is configured.
type NoopSink struct{}

func (NoopSink) NotifyDeploymentFailure(ctx context.Context, serviceID, serviceName, serverID string, failedStage types.FailedStage) {
}

// MultiSink fans a notification out to every sink in the list, in order.
type MultiSink []Sink

func (m MultiSink) NotifyDeploymentFailure(ctx context.Context, serviceID, serviceName, serverID string, failedStage types.FailedStage) {
	for _, s := range m {
		s.NotifyDeploymentFailure(ctx, serviceID, serviceName, serverID, failedStage)
	}
}
