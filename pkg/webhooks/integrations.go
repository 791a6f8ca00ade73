package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tokenmeter/pkg/alerts"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	Facts []TeamsFact `json:"facts,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormatSlackMessage formats a usage alert as a Slack message
func FormatSlackMessage(alert *alerts.Alert, used, limit int64) SlackMessage {
	th := alert.Threshold()

	return SlackMessage{
		Text: th.Title,
		Attachments: []SlackAttachment{
			{
				Color: slackColor(th.Severity),
				Title: th.Title,
				Text:  th.Message,
				Fields: []SlackField{
					{Title: "Team", Value: strconv.FormatInt(alert.TeamID, 10), Short: true},
					{Title: "Threshold", Value: fmt.Sprintf("%d%%", th.Percentage), Short: true},
					{Title: "Tokens Used", Value: strconv.FormatInt(used, 10), Short: true},
					{Title: "Token Limit", Value: strconv.FormatInt(limit, 10), Short: true},
					{Title: "Period", Value: alert.Period.Format("2006-01"), Short: true},
				},
			},
		},
	}
}

// FormatTeamsMessage formats a usage alert as a Microsoft Teams message
func FormatTeamsMessage(alert *alerts.Alert, used, limit int64) TeamsMessage {
	th := alert.Threshold()

	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    th.Title,
		Title:      th.Title,
		ThemeColor: teamsColor(th.Severity),
		Sections: []TeamsSection{
			{
				Facts: []TeamsFact{
					{Name: "Team", Value: strconv.FormatInt(alert.TeamID, 10)},
					{Name: "Threshold", Value: fmt.Sprintf("%d%%", th.Percentage)},
					{Name: "Tokens Used", Value: strconv.FormatInt(used, 10)},
					{Name: "Token Limit", Value: strconv.FormatInt(limit, 10)},
					{Name: "Period", Value: alert.Period.Format("2006-01")},
				},
				Text: th.Message,
			},
		},
	}
}

// StatusError is returned when a webhook answers with a non-2xx status
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request returned non-2xx status: %d", e.StatusCode)
}

// Retryable reports whether the receiver may accept a later attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// sendJSON sends a JSON payload to a URL
func sendJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

func slackColor(s alerts.Severity) string {
	switch s {
	case alerts.SeverityInfo:
		return "#439FE0" // Blue
	case alerts.SeverityWarning:
		return "warning" // Yellow
	default:
		return "danger" // Red
	}
}

func teamsColor(s alerts.Severity) string {
	switch s {
	case alerts.SeverityInfo:
		return "007bff"
	case alerts.SeverityWarning:
		return "ffc107"
	default:
		return "dc3545"
	}
}
