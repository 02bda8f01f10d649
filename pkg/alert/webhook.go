package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/types"
)

// WebhookSink POSTs a JSON body to an arbitrary operator-configured URL. No
// vendor SDK applies to an arbitrary endpoint, so this uses net/http
// directly rather than a notification library.
type WebhookSink struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithComponent("alert.webhook"),
	}
}

type webhookPayload struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	ServerID    string `json:"serverId,omitempty"`
	FailedStage string `json:"failedStage"`
}

func (w *WebhookSink) NotifyDeploymentFailure(ctx context.Context, serviceID, serviceName, serverID string, failedStage types.FailedStage) {
	if w.url == "" {
		return
	}

	body, err := json.Marshal(webhookPayload{
		ServiceID:   serviceID,
		ServiceName: serviceName,
		ServerID:    serverID,
		FailedStage: string(failedStage),
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to marshal webhook alert payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to build webhook alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to deliver webhook alert")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn().Int("status", resp.StatusCode).Str("service_id", serviceID).Msg("webhook alert endpoint returned non-2xx")
	}
}
