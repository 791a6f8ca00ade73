package entitlements

import (
	"errors"
	"fmt"
)

// Kind classifies an access denial
type Kind string

const (
	KindNoPlan               Kind = "no_plan"
	KindSubscriptionRequired Kind = "subscription_required"
	KindFeatureUnavailable   Kind = "feature_unavailable"
	KindTokensExhausted      Kind = "tokens_exhausted"
)

var (
	ErrNoPlan               = errors.New("entitlements: no active plan")
	ErrSubscriptionRequired = errors.New("entitlements: active subscription required")
	ErrFeatureUnavailable   = errors.New("entitlements: feature not available on current plan")
	ErrTokensExhausted      = errors.New("entitlements: no tokens remaining")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNoPlan:
		return ErrNoPlan
	case KindSubscriptionRequired:
		return ErrSubscriptionRequired
	case KindFeatureUnavailable:
		return ErrFeatureUnavailable
	case KindTokensExhausted:
		return ErrTokensExhausted
	}
	return nil
}

// AccessError reports why an actor was denied
type AccessError struct {
	Kind    Kind
	Feature string
	Limit   int64
	Used    int64
}

func (e *AccessError) Error() string {
	switch e.Kind {
	case KindNoPlan:
		return "No active plan. Please subscribe to a plan."
	case KindSubscriptionRequired:
		return "Active subscription required"
	case KindFeatureUnavailable:
		return fmt.Sprintf("Feature '%s' not available on current plan", e.Feature)
	case KindTokensExhausted:
		return fmt.Sprintf("Token limit reached (%d/%d). Please upgrade your plan.", e.Used, e.Limit)
	}
	return "access denied"
}

// Is matches the sentinel of the error's kind
func (e *AccessError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// KindOf returns the denial kind of err, if any
func KindOf(err error) (Kind, bool) {
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
