package alerting

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackAPISender posts alerts through the Slack Web API.
type SlackAPISender struct {
	api *slack.Client
}

// NewSlackAPISender creates a sender authenticated with a bot token.
func NewSlackAPISender(botToken string) *SlackAPISender {
	return &SlackAPISender{api: slack.New(botToken)}
}

// Send implements SlackSender.
func (s *SlackAPISender) Send(ctx context.Context, channel, content string) error {
	_, _, err := s.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(content, false),
		slack.MsgOptionDisableLinkUnfurl())
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}
