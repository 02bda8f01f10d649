package alert

import (
	"context"
	"fmt"

	goslack "github.com/slack-go/slack"
	"github.com/rs/zerolog"

	"github.com/anchorhq/anchor/pkg/log"
	"github.com/anchorhq/anchor/pkg/types"
)

// SlackSink posts deployment-failure alerts to a Slack channel via a bot
// token. A zero-value botToken makes it inert — NotifyDeploymentFailure
// logs and returns without calling the Slack API.
type SlackSink struct {
	client  *goslack.Client
	channel string
	logger  zerolog.Logger
}

func NewSlackSink(botToken, channel string) *SlackSink {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackSink{client: client, channel: channel, logger: log.WithComponent("alert.slack")}
}

func (s *SlackSink) NotifyDeploymentFailure(ctx context.Context, serviceID, serviceName, serverID string, failedStage types.FailedStage) {
	if s.client == nil || s.channel == "" {
		s.logger.Debug().Str("service_id", serviceID).Str("failed_stage", string(failedStage)).
			Msg("slack sink disabled, skipping deployment failure alert")
		return
	}

	text := fmt.Sprintf(":rotating_light: rollout for *%s* rolled back at stage `%s`", serviceName, failedStage)
	if serverID != "" {
		text += fmt.Sprintf(" (server `%s`)", serverID)
	}

	if _, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false)); err != nil {
		s.logger.Warn().Err(err).Str("service_id", serviceID).Msg("failed to post deployment failure alert to slack")
	}
}
