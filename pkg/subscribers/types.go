package subscribers

import (
	"errors"
	"strconv"
	"time"
)

// Kind distinguishes the two subscriber levels
type Kind string

const (
	KindUser Kind = "user"
	KindTeam Kind = "team"
)

// Ref identifies a user or a team
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// UserRef returns a reference to a user
func UserRef(id int64) Ref { return Ref{Kind: KindUser, ID: id} }

// TeamRef returns a reference to a team
func TeamRef(id int64) Ref { return Ref{Kind: KindTeam, ID: id} }

func (r Ref) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// Status is the processor-side subscription status mirrored locally
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
	StatusNone       Status = "none"
)

// Entitling reports whether the status grants access
func (s Status) Entitling() bool {
	return s == StatusActive || s == StatusTrialing
}

// Terminal reports whether the status ends the subscription
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusUnpaid
}

// Subscriber is the subscription state of a user or a team
type Subscriber struct {
	Ref
	Name                 string    `json:"name,omitempty"`
	Email                string    `json:"email,omitempty"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	StripeProductID      string    `json:"stripeProductId,omitempty"`
	PlanType             string    `json:"planType,omitempty"`
	Status               Status    `json:"subscriptionStatus"`
	SeatCount            int       `json:"seatCount,omitempty"`
	OwnerID              int64     `json:"ownerId,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Account is the user and team rows of one actor at a point in time
type Account struct {
	User *Subscriber
	Team *Subscriber
}

// Plans returns the user and team plan ids, empty when absent
func (a *Account) Plans() (user, team string) {
	if a.User != nil {
		user = a.User.PlanType
	}
	if a.Team != nil {
		team = a.Team.PlanType
	}
	return user, team
}

// Statuses returns the user and team statuses, empty when absent
func (a *Account) Statuses() (user, team Status) {
	if a.User != nil && a.User.Status != StatusNone {
		user = a.User.Status
	}
	if a.Team != nil && a.Team.Status != StatusNone {
		team = a.Team.Status
	}
	return user, team
}

// Subscriber returns the row a resolution points at
func (a *Account) Subscriber(kind Kind) *Subscriber {
	if kind == KindTeam {
		return a.Team
	}
	return a.User
}

// Resolution records which level supplied a value
type Resolution[T any] struct {
	Kind  Kind
	Value T
}

// Resolve applies user-over-team priority. The zero value means absent.
func Resolve[T comparable](user, team T) (Resolution[T], bool) {
	var zero T
	if user != zero {
		return Resolution[T]{Kind: KindUser, Value: user}, true
	}
	if team != zero {
		return Resolution[T]{Kind: KindTeam, Value: team}, true
	}
	return Resolution[T]{}, false
}

// SubscriptionItem is a snapshot of one line item of a team subscription
type SubscriptionItem struct {
	ID                       int64     `json:"id"`
	TeamID                   int64     `json:"teamId"`
	StripeSubscriptionID     string    `json:"stripeSubscriptionId"`
	StripeSubscriptionItemID string    `json:"stripeSubscriptionItemId"`
	StripeProductID          string    `json:"stripeProductId"`
	StripePriceID            string    `json:"stripePriceId"`
	Quantity                 *int      `json:"quantity,omitempty"`
	IsMetered                bool      `json:"isMetered"`
	CreatedAt                time.Time `json:"createdAt"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

// SubscriptionState is what reconciliation writes onto a subscriber
type SubscriptionState struct {
	CustomerID     string
	SubscriptionID string
	ProductID      string
	PlanType       string
	Status         Status
}

// Owners holds the rows linked to a processor customer id
type Owners struct {
	User *Subscriber
	Team *Subscriber
}

// Found reports whether any owner was located
func (o *Owners) Found() bool {
	return o != nil && (o.User != nil || o.Team != nil)
}

var (
	// ErrNotFound is returned when a user or team does not exist
	ErrNotFound = errors.New("subscribers: not found")
)
