package alerts

import (
	"context"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

// LogNotifier writes alerts to the log instead of sending email
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendUsageAlert(_ context.Context, alert *Alert, used, limit int64) error {
	th := alert.Threshold()
	n.logger.WithFields(map[string]interface{}{
		"team_id":    alert.TeamID,
		"alert_type": string(alert.Type),
		"severity":   string(th.Severity),
		"used":       used,
		"limit":      limit,
	}).Info(th.Title + ": " + th.Message)
	return nil
}
