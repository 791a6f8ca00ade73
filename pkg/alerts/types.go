package alerts

import (
	"context"
	"errors"
	"time"
)

// AlertType names a rung of the threshold ladder
type AlertType string

const (
	AlertInfo50     AlertType = "info_50"
	AlertWarning80  AlertType = "warning_80"
	AlertUrgent95   AlertType = "urgent_95"
	AlertBlocked100 AlertType = "blocked_100"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityUrgent   Severity = "urgent"
	SeverityCritical Severity = "critical"
)

// Threshold is one rung of the ladder
type Threshold struct {
	Type       AlertType `json:"type"`
	Percentage int       `json:"percentage"`
	Severity   Severity  `json:"severity"`
	SendEmail  bool      `json:"sendEmail"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
}

// Ladder lists the thresholds in ascending order
var Ladder = []Threshold{
	{
		Type:       AlertInfo50,
		Percentage: 50,
		Severity:   SeverityInfo,
		Title:      "Halfway There",
		Message:    "You have used 50% of your monthly tokens. You are on track!",
	},
	{
		Type:       AlertWarning80,
		Percentage: 80,
		Severity:   SeverityWarning,
		SendEmail:  true,
		Title:      "Token Usage Warning",
		Message:    "You have used 80% of your monthly tokens. Consider upgrading or monitoring your usage.",
	},
	{
		Type:       AlertUrgent95,
		Percentage: 95,
		Severity:   SeverityUrgent,
		SendEmail:  true,
		Title:      "Token Limit Almost Reached",
		Message:    "You have used 95% of your monthly tokens. You are approaching your limit!",
	},
	{
		Type:       AlertBlocked100,
		Percentage: 100,
		Severity:   SeverityCritical,
		SendEmail:  true,
		Title:      "Token Limit Reached",
		Message:    "You have reached your monthly token limit. Upgrade your plan to continue using tokens.",
	},
}

// ThresholdFor returns the ladder entry of an alert type
func ThresholdFor(t AlertType) (Threshold, bool) {
	for _, th := range Ladder {
		if th.Type == t {
			return th, true
		}
	}
	return Threshold{}, false
}

// Percentage returns floor(100*used/limit), 0 for non-positive limits
func Percentage(used, limit int64) int {
	if limit <= 0 || used <= 0 {
		return 0
	}
	return int(used * 100 / limit)
}

// Alert records that a team crossed a threshold in a calendar month
type Alert struct {
	ID               int64      `json:"id"`
	TeamID           int64      `json:"teamId"`
	Type             AlertType  `json:"alertType"`
	UsagePercentage  int        `json:"usagePercentage"`
	TokensUsed       int64      `json:"tokensUsed"`
	TokensLimit      int64      `json:"tokensLimit"`
	Period           time.Time  `json:"period"`
	NotificationSent bool       `json:"notificationSent"`
	EmailSentAt      *time.Time `json:"emailSent"`
	AcknowledgedAt   *time.Time `json:"acknowledged"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Threshold returns the ladder entry of the alert
func (a *Alert) Threshold() Threshold {
	th, _ := ThresholdFor(a.Type)
	return th
}

// Store persists alerts with at most one row per team, type and period
type Store interface {
	// InsertIfAbsent creates the alert unless one exists for the same team,
	// type and period. It reports whether this call created it.
	InsertIfAbsent(ctx context.Context, alert *Alert) (bool, error)
	// ListActive returns unacknowledged alerts of a period, newest first
	ListActive(ctx context.Context, teamID int64, period time.Time) ([]*Alert, error)
	// Acknowledge stamps the alert once; repeated calls keep the first stamp
	Acknowledge(ctx context.Context, teamID, alertID int64, at time.Time) error
	MarkEmailSent(ctx context.Context, alertID int64, at time.Time) error
}

// Notifier delivers alert emails
type Notifier interface {
	SendUsageAlert(ctx context.Context, alert *Alert, used, limit int64) error
}

var (
	// ErrAlertNotFound is returned when an alert does not exist for the team
	ErrAlertNotFound = errors.New("alerts: alert not found")
)
