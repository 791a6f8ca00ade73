package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// PostgresLedger implements Ledger on the token_usage table
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgresLedger
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const eventColumns = `id, user_id, team_id, tokens, action, stripe_meter_event_id, metadata, created_at`

// Record appends one usage event
func (l *PostgresLedger) Record(ctx context.Context, req RecordRequest) (*Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var teamID sql.NullInt64
	if req.TeamID != nil {
		teamID = sql.NullInt64{Int64: *req.TeamID, Valid: true}
	}
	var metadata any
	if len(req.Metadata) > 0 {
		metadata = string(req.Metadata)
	}

	query := `
		INSERT INTO token_usage (user_id, team_id, tokens, action, stripe_meter_event_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + eventColumns

	event, err := scanEvent(l.db.QueryRowContext(ctx, query,
		req.UserID, teamID, req.Tokens, req.Action,
		sql.NullString{String: req.MeterRef, Valid: req.MeterRef != ""}, metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return event, nil
}

func scopeColumn(ref subscribers.Ref) (string, error) {
	switch ref.Kind {
	case subscribers.KindUser:
		return "user_id", nil
	case subscribers.KindTeam:
		return "team_id", nil
	}
	return "", fmt.Errorf("usage: unknown subscriber kind %q", ref.Kind)
}

// MonthlyTotal sums the subscriber's tokens for asOf's month
func (l *PostgresLedger) MonthlyTotal(ctx context.Context, ref subscribers.Ref, asOf time.Time) (int64, error) {
	column, err := scopeColumn(ref)
	if err != nil {
		return 0, err
	}
	start, end := MonthRange(asOf)

	query := `
		SELECT COALESCE(SUM(tokens), 0)
		FROM token_usage
		WHERE ` + column + ` = $1 AND created_at >= $2 AND created_at < $3
	`
	var total int64
	if err := l.db.QueryRowContext(ctx, query, ref.ID, start, end).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum monthly usage: %w", err)
	}
	return total, nil
}

// RecentHistory returns the subscriber's newest events
func (l *PostgresLedger) RecentHistory(ctx context.Context, ref subscribers.Ref, cursor Cursor) ([]*Event, error) {
	column, err := scopeColumn(ref)
	if err != nil {
		return nil, err
	}

	args := []any{ref.ID}
	where := column + ` = $1`
	switch {
	case !cursor.Before.IsZero() && cursor.BeforeID > 0:
		args = append(args, cursor.Before, cursor.BeforeID)
		where += ` AND (created_at, id) < ($2, $3)`
	case !cursor.Before.IsZero():
		args = append(args, cursor.Before)
		where += ` AND created_at < $2`
	}
	args = append(args, cursor.limit())

	query := fmt.Sprintf(`
		SELECT %s
		FROM token_usage
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, eventColumns, where, len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage history: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage history: %w", err)
	}
	return events, nil
}

// ScanMonth streams all events of a month in insertion order
func (l *PostgresLedger) ScanMonth(ctx context.Context, month time.Time, fn func(*Event) error) error {
	start, end := MonthRange(month)
	query := `
		SELECT ` + eventColumns + `
		FROM token_usage
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id
	`
	rows, err := l.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return fmt.Errorf("failed to scan monthly usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("failed to scan usage event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var teamID sql.NullInt64
	var meterRef sql.NullString
	var metadata []byte
	if err := row.Scan(&e.ID, &e.UserID, &teamID, &e.Tokens, &e.Action, &meterRef, &metadata, &e.CreatedAt); err != nil {
		return nil, err
	}
	if teamID.Valid {
		id := teamID.Int64
		e.TeamID = &id
	}
	if meterRef.Valid {
		ref := meterRef.String
		e.StripeMeterEventID = &ref
	}
	if len(metadata) > 0 {
		e.Metadata = append([]byte(nil), metadata...)
	}
	return e, nil
}
