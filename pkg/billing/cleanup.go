package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tokenmeter/pkg/metering"
	"github.com/platinummonkey/tokenmeter/pkg/stripe"
)

// SubscriptionProcessor lists and cancels subscriptions at the processor
type SubscriptionProcessor interface {
	ListSubscriptions(ctx context.Context, customerID, status string) ([]*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// CleanupResult reports what a cleanup run did for one customer
type CleanupResult struct {
	CustomerID string   `json:"customerId"`
	Kept       string   `json:"kept,omitempty"`
	Canceled   []string `json:"canceled"`
}

// DuplicateCleaner cancels all but the newest active subscription of a
// customer. It only talks to the processor; the resulting deletion events
// reach local state through the Reconciler.
type DuplicateCleaner struct {
	processor SubscriptionProcessor
	log       *logrus.Logger
}

// NewDuplicateCleaner creates a new DuplicateCleaner
func NewDuplicateCleaner(processor SubscriptionProcessor, log *logrus.Logger) *DuplicateCleaner {
	if log == nil {
		log = logrus.New()
	}
	return &DuplicateCleaner{processor: processor, log: log}
}

// Cleanup keeps the newest active subscription and cancels the rest.
// Subscriptions that are already gone at the processor are skipped.
func (c *DuplicateCleaner) Cleanup(ctx context.Context, customerID string) (*CleanupResult, error) {
	result := &CleanupResult{CustomerID: customerID, Canceled: []string{}}

	subs, err := c.processor.ListSubscriptions(ctx, customerID, "active")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return result, nil
	}

	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].Created == subs[j].Created {
			return subs[i].ID > subs[j].ID
		}
		return subs[i].Created > subs[j].Created
	})
	result.Kept = subs[0].ID
	if len(subs) == 1 {
		return result, nil
	}

	entry := c.log.WithFields(logrus.Fields{
		"customer_id": customerID,
		"kept":        result.Kept,
	})
	entry.Warnf("Found %d active subscriptions, canceling duplicates", len(subs))

	for _, sub := range subs[1:] {
		canceled, err := c.processor.CancelSubscription(ctx, sub.ID)
		if err != nil {
			if alreadyGone(err) {
				entry.WithField("subscription_id", sub.ID).Info("Subscription already canceled")
				continue
			}
			return result, fmt.Errorf("failed to cancel subscription %s: %w", sub.ID, err)
		}
		entry.WithFields(logrus.Fields{
			"subscription_id": canceled.ID,
			"status":          canceled.Status,
		}).Info("Canceled duplicate subscription")
		result.Canceled = append(result.Canceled, sub.ID)
	}
	return result, nil
}

func alreadyGone(err error) bool {
	var gwErr *metering.GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.StatusCode == 404 || gwErr.Code == "resource_missing"
}
