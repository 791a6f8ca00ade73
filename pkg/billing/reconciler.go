package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
	"github.com/platinummonkey/tokenmeter/pkg/plans"
	"github.com/platinummonkey/tokenmeter/pkg/retry"
	"github.com/platinummonkey/tokenmeter/pkg/stripe"
	"github.com/platinummonkey/tokenmeter/pkg/subscribers"
)

// ProductNamer resolves a processor product id to its display name
type ProductNamer interface {
	ProductName(ctx context.Context, productID string) (string, error)
}

// Observer receives events that are logged but change no state
type Observer interface {
	Observe(ctx context.Context, event *Event)
}

// Config configures a Reconciler
type Config struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	// OwnerLookup bounds the wait for a checkout event that links the customer
	OwnerLookup retry.Policy
}

// DefaultOwnerLookup waits once for two seconds
func DefaultOwnerLookup() retry.Policy {
	return retry.Fixed(2, 2*time.Second)
}

// Reconciler applies processor webhooks to local subscriber state
type Reconciler struct {
	cfg      Config
	events   EventStore
	store    subscribers.Store
	catalog  *plans.Catalog
	products ProductNamer
	observer Observer
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewReconciler creates a new Reconciler
func NewReconciler(cfg Config, events EventStore, store subscribers.Store, catalog *plans.Catalog,
	products ProductNamer, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	if cfg.SignatureTolerance == 0 {
		cfg.SignatureTolerance = stripe.DefaultTolerance
	}
	if cfg.OwnerLookup.MaxAttempts <= 0 {
		cfg.OwnerLookup = DefaultOwnerLookup()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Reconciler{
		cfg:      cfg,
		events:   events,
		store:    store,
		catalog:  catalog,
		products: products,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetObserver installs the hook for observe-only events
func (r *Reconciler) SetObserver(o Observer) {
	r.observer = o
}

// Handle verifies, deduplicates and applies one webhook delivery
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Result, error) {
	start := r.now()
	ctx, span := otel.Tracer("tokenmeter/billing").Start(ctx, "billing.Handle")
	defer span.End()

	if err := stripe.VerifySignature(payload, signatureHeader, r.cfg.WebhookSecret, r.cfg.SignatureTolerance, r.now()); err != nil {
		r.finish(span, "unknown", "invalid_signature", start, err)
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	event, err := ParseEvent(payload)
	if err != nil {
		r.finish(span, "unknown", "malformed", start, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
	)
	logger := r.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	created, err := r.events.Claim(ctx, event.ID, event.Type, payload)
	if err != nil {
		r.finish(span, event.Kind.String(), "failed", start, err)
		return Result{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if !created {
		logger.Info("Duplicate webhook event")
		r.finish(span, event.Kind.String(), "duplicate", start, nil)
		return Result{EventID: event.ID, Kind: event.Kind, Duplicate: true}, nil
	}

	if err := r.dispatch(ctx, event, logger); err != nil {
		if relErr := r.events.Release(ctx, event.ID); relErr != nil {
			logger.WithError(relErr).Error("Failed to release webhook event claim")
		}
		logger.WithError(err).Error("Webhook processing failed")
		r.finish(span, event.Kind.String(), "failed", start, err)
		return Result{}, fmt.Errorf("%w: %s: %w", ErrRetryable, event.Type, err)
	}

	if err := r.events.MarkProcessed(ctx, event.ID, r.now()); err != nil {
		logger.WithError(err).Warn("Failed to mark webhook event processed")
	}
	r.finish(span, event.Kind.String(), "processed", start, nil)
	return Result{EventID: event.ID, Kind: event.Kind}, nil
}

func (r *Reconciler) finish(span trace.Span, kind, outcome string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	r.metrics.RecordWebhook(kind, outcome, r.now().Sub(start))
}

func (r *Reconciler) dispatch(ctx context.Context, event *Event, logger *observability.Logger) error {
	switch event.Kind {
	case KindCheckoutCompleted:
		return r.handleCheckout(ctx, event.Checkout, logger)
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted:
		return r.handleSubscription(ctx, event.Subscription, event.Kind == KindSubscriptionDeleted, logger)
	case KindMeterErrorReport:
		logger.WithField("object_id", event.ObjectID).Error("Meter error report received")
		r.observe(ctx, event)
	case KindTrialWillEnd, KindInvoicePaymentSucceeded, KindInvoicePaymentFailed, KindInvoiceFinalized,
		KindInvoiceUpcoming, KindCustomerUpdated, KindPaymentMethodAttached, KindPaymentMethodDetached:
		logger.WithField("object_id", event.ObjectID).Info("Webhook event observed")
		r.observe(ctx, event)
	case KindUnhandled:
		logger.Info("Unhandled webhook event type")
	}
	return nil
}

func (r *Reconciler) observe(ctx context.Context, event *Event) {
	if r.observer != nil {
		r.observer.Observe(ctx, event)
	}
}

// handleCheckout links the processor customer to the user who checked out
func (r *Reconciler) handleCheckout(ctx context.Context, session *CheckoutSession, logger *observability.Logger) error {
	if session.ClientReferenceID == "" {
		logger.Error("No client_reference_id in checkout session")
		return nil
	}
	userID, err := strconv.ParseInt(session.ClientReferenceID, 10, 64)
	if err != nil || userID <= 0 {
		logger.WithField("client_reference_id", session.ClientReferenceID).Error("Invalid client_reference_id in checkout session")
		return nil
	}
	if session.Customer == "" {
		logger.Error("No customer in checkout session")
		return nil
	}

	err = r.store.LinkCustomer(ctx, userID, string(session.Customer), subscribers.StatusIncomplete)
	if errors.Is(err, subscribers.ErrNotFound) {
		logger.WithField("user_id", userID).Warn("Checkout session for unknown user")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"customer_id": string(session.Customer),
	}).Info("Linked customer to user")
	return nil
}

// findOwners waits a bounded time for the checkout event that links the customer
func (r *Reconciler) findOwners(ctx context.Context, customerID string) (*subscribers.Owners, error) {
	isMissing := func(err error) bool { return errors.Is(err, ErrOwnerNotFound) }
	return retry.Do(ctx, r.cfg.OwnerLookup, isMissing, func(ctx context.Context) (*subscribers.Owners, error) {
		owners, err := r.store.FindByCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if !owners.Found() {
			return nil, ErrOwnerNotFound
		}
		return owners, nil
	})
}

// planType prefers subscription metadata and falls back to the product name
func (r *Reconciler) planType(ctx context.Context, sub *Subscription) (string, error) {
	if pt := sub.Metadata["planType"]; pt != "" {
		return pt, nil
	}
	productID := sub.PrimaryProductID()
	if productID == "" || r.products == nil {
		return "", nil
	}
	name, err := r.products.ProductName(ctx, productID)
	if err != nil {
		return "", err
	}
	if pt, ok := r.catalog.ProductPlan(name); ok {
		return string(pt), nil
	}
	return "", nil
}

func (r *Reconciler) handleSubscription(ctx context.Context, sub *Subscription, deleted bool, logger *observability.Logger) error {
	customerID := string(sub.Customer)
	logger = logger.WithFields(map[string]interface{}{
		"customer_id":     customerID,
		"subscription_id": sub.ID,
		"status":          sub.Status,
	})

	owners, err := r.findOwners(ctx, customerID)
	if err != nil {
		return err
	}

	planType, err := r.planType(ctx, sub)
	if err != nil {
		return err
	}

	teamPlan := r.catalog.IsTeamPlan(planType)
	var target *subscribers.Subscriber
	switch {
	case teamPlan && owners.Team != nil:
		target = owners.Team
	case owners.User != nil:
		target = owners.User
	}
	if target == nil {
		logger.WithField("plan_type", planType).Warn("No subscriber matches the plan scope")
		return nil
	}
	logger = logger.WithFields(map[string]interface{}{
		"subscriber": target.Ref.String(),
		"plan_type":  planType,
	})
	onTeam := target.Kind == subscribers.KindTeam

	status := subscribers.Status(sub.Status)
	if deleted && !status.Terminal() {
		status = subscribers.StatusCanceled
	}

	switch {
	case status.Entitling():
		state := subscribers.SubscriptionState{
			CustomerID:     customerID,
			SubscriptionID: sub.ID,
			ProductID:      sub.PrimaryProductID(),
			PlanType:       planType,
			Status:         status,
		}
		if err := r.store.ApplySubscription(ctx, target.Ref, state); err != nil {
			return fmt.Errorf("failed to apply subscription: %w", err)
		}
		if onTeam {
			if err := r.store.ReplaceItems(ctx, target.ID, sub.ID, itemSnapshot(target.ID, sub)); err != nil {
				return fmt.Errorf("failed to store subscription items: %w", err)
			}
		}
		logger.Info("Subscription applied")

	case status.Terminal():
		if onTeam {
			if err := r.store.DeleteItems(ctx, target.ID, sub.ID); err != nil {
				return fmt.Errorf("failed to delete subscription items: %w", err)
			}
		}
		changed, err := r.store.ClearSubscription(ctx, target.Ref, sub.ID, status)
		if err != nil {
			return fmt.Errorf("failed to clear subscription: %w", err)
		}
		if !changed {
			logger.Info("Ignoring cancellation of a subscription that is no longer current")
			return nil
		}
		logger.Info("Subscription cleared")

	default:
		changed, err := r.store.UpdateStatus(ctx, target.Ref, sub.ID, status)
		if err != nil {
			return fmt.Errorf("failed to update subscription status: %w", err)
		}
		if changed {
			logger.Info("Subscription status updated")
		}
	}
	return nil
}

func itemSnapshot(teamID int64, sub *Subscription) []*subscribers.SubscriptionItem {
	items := make([]*subscribers.SubscriptionItem, 0, len(sub.Items.Data))
	for i := range sub.Items.Data {
		item := &sub.Items.Data[i]
		items = append(items, &subscribers.SubscriptionItem{
			TeamID:                   teamID,
			StripeSubscriptionID:     sub.ID,
			StripeSubscriptionItemID: item.ID,
			StripeProductID:          item.ProductID(),
			StripePriceID:            item.Price.ID,
			Quantity:                 item.Quantity,
			IsMetered:                item.IsMetered(),
		})
	}
	return items
}
