package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store on the usage_alerts table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, team_id, alert_type, usage_percentage, tokens_used, tokens_limit, period,
		       notification_sent, email_sent, acknowledged, created_at`

// InsertIfAbsent relies on the unique (team_id, alert_type, period) index
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, alert *Alert) (bool, error) {
	query := `
		INSERT INTO usage_alerts (team_id, alert_type, usage_percentage, tokens_used, tokens_limit,
		                          period, notification_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (team_id, alert_type, period) DO NOTHING
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		alert.TeamID, string(alert.Type), alert.UsagePercentage, alert.TokensUsed, alert.TokensLimit,
		alert.Period, alert.NotificationSent,
	).Scan(&alert.ID, &alert.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return true, nil
}

// ListActive returns unacknowledged alerts of a period, newest first
func (s *PostgresStore) ListActive(ctx context.Context, teamID int64, period time.Time) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM usage_alerts
		WHERE team_id = $1 AND period = $2 AND acknowledged IS NULL
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, teamID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		var alertType string
		var emailSent, acknowledged sql.NullTime
		if err := rows.Scan(&a.ID, &a.TeamID, &alertType, &a.UsagePercentage, &a.TokensUsed, &a.TokensLimit,
			&a.Period, &a.NotificationSent, &emailSent, &acknowledged, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Type = AlertType(alertType)
		if emailSent.Valid {
			t := emailSent.Time
			a.EmailSentAt = &t
		}
		if acknowledged.Valid {
			t := acknowledged.Time
			a.AcknowledgedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}

// Acknowledge keeps the first acknowledgement time
func (s *PostgresStore) Acknowledge(ctx context.Context, teamID, alertID int64, at time.Time) error {
	query := `
		UPDATE usage_alerts
		SET acknowledged = COALESCE(acknowledged, $1)
		WHERE id = $2 AND team_id = $3
	`
	res, err := s.db.ExecContext(ctx, query, at, alertID, teamID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// MarkEmailSent records the email delivery time
func (s *PostgresStore) MarkEmailSent(ctx context.Context, alertID int64, at time.Time) error {
	query := `
		UPDATE usage_alerts
		SET email_sent = $1, notification_sent = TRUE
		WHERE id = $2
	`
	res, err := s.db.ExecContext(ctx, query, at, alertID)
	if err != nil {
		return fmt.Errorf("failed to mark alert email sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}
