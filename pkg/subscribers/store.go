package subscribers

import (
	"context"
	"errors"
)

// Store persists subscription state for users and teams
type Store interface {
	GetUser(ctx context.Context, userID int64) (*Subscriber, error)
	GetTeam(ctx context.Context, teamID int64) (*Subscriber, error)
	// GetTeamForUser returns ErrNotFound when the user has no team
	GetTeamForUser(ctx context.Context, userID int64) (*Subscriber, error)
	FindByCustomer(ctx context.Context, customerID string) (*Owners, error)

	// LinkCustomer stores the customer id on a user and sets status when
	// the user has no subscription id yet.
	LinkCustomer(ctx context.Context, userID int64, customerID string, status Status) error
	ApplySubscription(ctx context.Context, ref Ref, state SubscriptionState) error
	// ClearSubscription removes ids, product and plan only when the stored
	// subscription id matches. It reports whether a row changed.
	ClearSubscription(ctx context.Context, ref Ref, subscriptionID string, status Status) (bool, error)
	// UpdateStatus changes the status only when the stored subscription id matches
	UpdateStatus(ctx context.Context, ref Ref, subscriptionID string, status Status) (bool, error)

	ReplaceItems(ctx context.Context, teamID int64, subscriptionID string, items []*SubscriptionItem) error
	DeleteItems(ctx context.Context, teamID int64, subscriptionID string) error
	ListItems(ctx context.Context, teamID int64) ([]*SubscriptionItem, error)
	ListFixedCapTeams(ctx context.Context, planTypes []string) ([]*Subscriber, error)
}

// LoadAccount reads the user row and, when present, the user's team row
func LoadAccount(ctx context.Context, store Store, userID int64) (*Account, error) {
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	team, err := store.GetTeamForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return &Account{User: user, Team: team}, nil
}
