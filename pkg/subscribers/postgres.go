package subscribers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store on the users, teams and subscription_items tables
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, COALESCE(name, ''), email, stripe_customer_id, stripe_subscription_id,
		       stripe_product_id, plan_type, subscription_status, updated_at`

const teamColumns = `t.id, t.name, t.stripe_customer_id, t.stripe_subscription_id,
		       t.stripe_product_id, t.plan_type, t.subscription_status, t.seat_count,
		       t.owner_id, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*Subscriber, error) {
	s := &Subscriber{Ref: Ref{Kind: KindUser}}
	var customer, subscription, product, plan, status sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Email, &customer, &subscription, &product, &plan, &status, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fillNullable(s, customer, subscription, product, plan, status)
	return s, nil
}

func scanTeam(row rowScanner) (*Subscriber, error) {
	s := &Subscriber{Ref: Ref{Kind: KindTeam}}
	var customer, subscription, product, plan, status sql.NullString
	var owner sql.NullInt64
	err := row.Scan(&s.ID, &s.Name, &customer, &subscription, &product, &plan, &status,
		&s.SeatCount, &owner, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fillNullable(s, customer, subscription, product, plan, status)
	s.OwnerID = owner.Int64
	return s, nil
}

func fillNullable(s *Subscriber, customer, subscription, product, plan, status sql.NullString) {
	s.StripeCustomerID = customer.String
	s.StripeSubscriptionID = subscription.String
	s.StripeProductID = product.String
	s.PlanType = plan.String
	s.Status = StatusNone
	if status.Valid && status.String != "" {
		s.Status = Status(status.String)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindUser:
		return "users", nil
	case KindTeam:
		return "teams", nil
	}
	return "", fmt.Errorf("subscribers: unknown kind %q", kind)
}

// GetUser retrieves a user's subscription state
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*Subscriber, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetTeam retrieves a team's subscription state
func (s *PostgresStore) GetTeam(ctx context.Context, teamID int64) (*Subscriber, error) {
	query := `SELECT ` + teamColumns + ` FROM teams t WHERE t.id = $1`
	team, err := scanTeam(s.db.QueryRowContext(ctx, query, teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return team, nil
}

// GetTeamForUser retrieves the first team the user joined
func (s *PostgresStore) GetTeamForUser(ctx context.Context, userID int64) (*Subscriber, error) {
	query := `
		SELECT ` + teamColumns + `
		FROM teams t
		JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = $1
		ORDER BY m.joined_at
		LIMIT 1
	`
	team, err := scanTeam(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team for user: %w", err)
	}
	return team, nil
}

// FindByCustomer looks up the team and the user linked to a customer id
func (s *PostgresStore) FindByCustomer(ctx context.Context, customerID string) (*Owners, error) {
	owners := &Owners{}

	teamQuery := `SELECT ` + teamColumns + ` FROM teams t WHERE t.stripe_customer_id = $1`
	team, err := scanTeam(s.db.QueryRowContext(ctx, teamQuery, customerID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to find team by customer: %w", err)
	default:
		owners.Team = team
	}

	userQuery := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1 AND deleted_at IS NULL`
	user, err := scanUser(s.db.QueryRowContext(ctx, userQuery, customerID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to find user by customer: %w", err)
	default:
		owners.User = user
	}

	return owners, nil
}

// LinkCustomer stores the customer id on a user
func (s *PostgresStore) LinkCustomer(ctx context.Context, userID int64, customerID string, status Status) error {
	query := `
		UPDATE users
		SET stripe_customer_id = $1,
		    subscription_status = CASE WHEN stripe_subscription_id IS NULL THEN $2 ELSE subscription_status END,
		    updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, customerID, string(status), userID)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return requireRow(res)
}

// ApplySubscription writes the processor's subscription state onto a subscriber
func (s *PostgresStore) ApplySubscription(ctx context.Context, ref Ref, state SubscriptionState) error {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return err
	}
	query := `
		UPDATE ` + table + `
		SET stripe_customer_id = COALESCE($1, stripe_customer_id),
		    stripe_subscription_id = $2,
		    stripe_product_id = $3,
		    plan_type = $4,
		    subscription_status = $5,
		    updated_at = NOW()
		WHERE id = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		nullString(state.CustomerID), nullString(state.SubscriptionID), nullString(state.ProductID),
		nullString(state.PlanType), string(state.Status), ref.ID)
	if err != nil {
		return fmt.Errorf("failed to apply subscription: %w", err)
	}
	return requireRow(res)
}

// ClearSubscription removes subscription data when the stored id still matches
func (s *PostgresStore) ClearSubscription(ctx context.Context, ref Ref, subscriptionID string, status Status) (bool, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE ` + table + `
		SET stripe_subscription_id = NULL,
		    stripe_product_id = NULL,
		    plan_type = NULL,
		    subscription_status = $1,
		    updated_at = NOW()
		WHERE id = $2 AND stripe_subscription_id = $3
	`
	res, err := s.db.ExecContext(ctx, query, string(status), ref.ID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to clear subscription: %w", err)
	}
	return changed(res)
}

// UpdateStatus changes only the status when the stored id still matches
func (s *PostgresStore) UpdateStatus(ctx context.Context, ref Ref, subscriptionID string, status Status) (bool, error) {
	table, err := tableFor(ref.Kind)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE ` + table + `
		SET subscription_status = $1, updated_at = NOW()
		WHERE id = $2 AND stripe_subscription_id = $3
	`
	res, err := s.db.ExecContext(ctx, query, string(status), ref.ID, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return changed(res)
}

// ReplaceItems swaps the item snapshot of a team subscription in one transaction
func (s *PostgresStore) ReplaceItems(ctx context.Context, teamID int64, subscriptionID string, items []*SubscriptionItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`DELETE FROM subscription_items WHERE team_id = $1 AND stripe_subscription_id = $2`,
		teamID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription items: %w", err)
	}

	insert := `
		INSERT INTO subscription_items (team_id, stripe_subscription_id, stripe_subscription_item_id,
		                                stripe_product_id, stripe_price_id, quantity, is_metered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_subscription_item_id) DO UPDATE
		SET team_id = EXCLUDED.team_id,
		    stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		    stripe_product_id = EXCLUDED.stripe_product_id,
		    stripe_price_id = EXCLUDED.stripe_price_id,
		    quantity = EXCLUDED.quantity,
		    is_metered = EXCLUDED.is_metered,
		    updated_at = NOW()
	`
	for _, item := range items {
		var quantity sql.NullInt64
		if item.Quantity != nil {
			quantity = sql.NullInt64{Int64: int64(*item.Quantity), Valid: true}
		}
		_, err := tx.ExecContext(ctx, insert, teamID, subscriptionID, item.StripeSubscriptionItemID,
			item.StripeProductID, item.StripePriceID, quantity, item.IsMetered)
		if err != nil {
			return fmt.Errorf("failed to insert subscription item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subscription items: %w", err)
	}
	return nil
}

// DeleteItems removes the item snapshot of a team subscription
func (s *PostgresStore) DeleteItems(ctx context.Context, teamID int64, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscription_items WHERE team_id = $1 AND stripe_subscription_id = $2`,
		teamID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription items: %w", err)
	}
	return nil
}

// ListItems returns the item snapshot rows of a team
func (s *PostgresStore) ListItems(ctx context.Context, teamID int64) ([]*SubscriptionItem, error) {
	query := `
		SELECT id, team_id, stripe_subscription_id, stripe_subscription_item_id, stripe_product_id,
		       stripe_price_id, quantity, is_metered, created_at, updated_at
		FROM subscription_items
		WHERE team_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription items: %w", err)
	}
	defer rows.Close()

	var items []*SubscriptionItem
	for rows.Next() {
		item := &SubscriptionItem{}
		var quantity sql.NullInt64
		if err := rows.Scan(&item.ID, &item.TeamID, &item.StripeSubscriptionID, &item.StripeSubscriptionItemID,
			&item.StripeProductID, &item.StripePriceID, &quantity, &item.IsMetered,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription item: %w", err)
		}
		if quantity.Valid {
			q := int(quantity.Int64)
			item.Quantity = &q
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListFixedCapTeams returns teams on any of the given plans with an entitling status
func (s *PostgresStore) ListFixedCapTeams(ctx context.Context, planTypes []string) ([]*Subscriber, error) {
	if len(planTypes) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + teamColumns + `
		FROM teams t
		WHERE t.plan_type = ANY($1) AND t.subscription_status IN ('active', 'trialing')
		ORDER BY t.id
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(planTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to list fixed cap teams: %w", err)
	}
	defer rows.Close()

	var teams []*Subscriber
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// ListBilledCustomers returns the distinct customer ids of users and teams
// that hold a subscription
func (s *PostgresStore) ListBilledCustomers(ctx context.Context) ([]string, error) {
	query := `
		SELECT stripe_customer_id FROM users
		WHERE stripe_customer_id IS NOT NULL AND stripe_subscription_id IS NOT NULL
		UNION
		SELECT stripe_customer_id FROM teams
		WHERE stripe_customer_id IS NOT NULL AND stripe_subscription_id IS NOT NULL
		ORDER BY 1
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list billed customers: %w", err)
	}
	defer rows.Close()

	var customers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, id)
	}
	return customers, rows.Err()
}

func requireRow(res sql.Result) error {
	ok, err := changed(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
