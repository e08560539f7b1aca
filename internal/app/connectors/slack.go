package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	svcerrors "github.com/r3e-network/area-engine/infrastructure/errors"
	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
	automationsvc "github.com/r3e-network/area-engine/internal/app/services/automation"
)

const slackHistoryURL = "https://slack.com/api/conversations.history"

// SlackFetcher polls Slack's conversations.history Web API for new messages
// in the Automation's configured channel. It pairs with slackAdapter's
// webhook path (internal/app/services/automation/webhookadapter.go): an
// owner who hasn't set up Slack's Events API subscription still gets
// slack_message triggers, and once they do, Poller.smartSkip defers to the
// webhook instead of double-firing.
//
// action_config recognises:
//   - "channel" (required): the Slack channel ID to watch
type SlackFetcher struct {
	client httpDoer
}

var _ automationsvc.PollFetcher = (*SlackFetcher)(nil)

// NewSlackFetcher builds a fetcher using http.DefaultClient.
func NewSlackFetcher() *SlackFetcher {
	return &SlackFetcher{client: http.DefaultClient}
}

// WithClient overrides the HTTP client, for tests.
func (f *SlackFetcher) WithClient(client httpDoer) *SlackFetcher {
	f.client = client
	return f
}

type slackHistoryResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages []struct {
		Type string `json:"type"`
		User string `json:"user"`
		Text string `json:"text"`
		Ts   string `json:"ts"`
	} `json:"messages"`
}

func (f *SlackFetcher) Fetch(ctx context.Context, a domain.Automation, state domain.ActionState, token domain.ServiceToken) ([]automationsvc.PollItem, error) {
	channel, _ := a.ActionConfig["channel"].(string)
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("slack: automation %s has no action_config.channel", a.ID)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("slack: automation %s has no access token", a.ID)
	}

	query := url.Values{"channel": {channel}, "limit": {"50"}}
	if state.LastEventID != "" {
		query.Set("oldest", state.LastEventID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, slackHistoryURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack: upstream returned %s", resp.Status)
	}

	var payload slackHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("slack: decoding response: %w", err)
	}
	if !payload.OK {
		if payload.Error == "invalid_auth" || payload.Error == "token_expired" || payload.Error == "not_authed" {
			return nil, svcerrors.AuthError("slack", errors.New(payload.Error))
		}
		return nil, fmt.Errorf("slack: api error %q", payload.Error)
	}

	// conversations.history returns newest-first; Slack timestamps are
	// lexicographically sortable strings, so walk in reverse to admit in
	// chronological order and track the newest ts seen as the new cursor.
	items := make([]automationsvc.PollItem, 0, len(payload.Messages))
	for i := len(payload.Messages) - 1; i >= 0; i-- {
		msg := payload.Messages[i]
		if msg.Ts == "" || msg.Ts <= state.LastEventID {
			continue
		}
		items = append(items, automationsvc.PollItem{
			StableID: msg.Ts,
			TriggerData: domain.Config{
				"channel": channel,
				"user":    msg.User,
				"text":    msg.Text,
				"ts":      msg.Ts,
			},
		})
	}
	return items, nil
}
