// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// SlackSink posts alert notifications to a Slack channel.
type SlackSink struct {
	api     *slack.Client
	channel string
}

// NewSlackSink creates a sink posting to channelID using token.
func NewSlackSink(token, channelID string) *SlackSink {
	return &SlackSink{
		api:     slack.New(token),
		channel: channelID,
	}
}

func (s *SlackSink) Name() string { return "slack" }

// Notify implements Sink.
func (s *SlackSink) Notify(ctx context.Context, event Event) error {
	header := fmt.Sprintf("%s %s: %s",
		severityEmoji(event.Alert.Severity),
		event.Alert.Severity.String(),
		event.Alert.RuleID)

	body := fmt.Sprintf("*%s*: value %.3f", event.Type, event.Alert.Value)
	if event.Alert.Scope != "" {
		body += fmt.Sprintf(" for group `%s`", event.Alert.Scope)
	}
	if event.Rule.IsDisparity() {
		body += fmt.Sprintf(" (population baseline %.3f)", event.Alert.Baseline)
	}
	body += fmt.Sprintf("\nAlert `%s`, state %s, breach count %d",
		event.Alert.ID, event.Alert.State, event.Alert.BreachCount)

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, header, false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, body, false, false),
			nil, nil,
		),
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(header, false),
	)
	return err
}

func severityEmoji(s datatypes.AlertSeverity) string {
	switch s {
	case datatypes.SeverityCritical:
		return ":rotating_light:"
	case datatypes.SeverityHigh:
		return ":red_circle:"
	case datatypes.SeverityMedium:
		return ":large_orange_circle:"
	default:
		return ":large_yellow_circle:"
	}
}

var _ Sink = (*SlackSink)(nil)
