package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind is the closed set of webhook events the reconciler knows about
type EventKind int

const (
	KindUnhandled EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindTrialWillEnd
	KindInvoicePaymentSucceeded
	KindInvoicePaymentFailed
	KindInvoiceFinalized
	KindInvoiceUpcoming
	KindCustomerUpdated
	KindPaymentMethodAttached
	KindPaymentMethodDetached
	KindMeterErrorReport
)

var eventKinds = map[string]EventKind{
	"checkout.session.completed":           KindCheckoutCompleted,
	"customer.subscription.created":        KindSubscriptionCreated,
	"customer.subscription.updated":        KindSubscriptionUpdated,
	"customer.subscription.deleted":        KindSubscriptionDeleted,
	"customer.subscription.trial_will_end": KindTrialWillEnd,
	"invoice.payment_succeeded":            KindInvoicePaymentSucceeded,
	"invoice.payment_failed":               KindInvoicePaymentFailed,
	"invoice.finalized":                    KindInvoiceFinalized,
	"invoice.upcoming":                     KindInvoiceUpcoming,
	"customer.updated":                     KindCustomerUpdated,
	"payment_method.attached":              KindPaymentMethodAttached,
	"payment_method.detached":              KindPaymentMethodDetached,
	"billing.meter.error_report_triggered": KindMeterErrorReport,
}

// KindOf maps an event type string to its kind
func KindOf(eventType string) EventKind {
	return eventKinds[eventType]
}

func (k EventKind) String() string {
	for name, kind := range eventKinds {
		if kind == k {
			return name
		}
	}
	return "unhandled"
}

// IsSubscription reports whether the kind carries a subscription object that changes state
func (k EventKind) IsSubscription() bool {
	return k == KindSubscriptionCreated || k == KindSubscriptionUpdated || k == KindSubscriptionDeleted
}

// ExpandableID holds an object id that the processor may send either as a
// bare string or as an expanded object with an id field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

// CheckoutSession is the subset of a checkout session the reconciler reads
type CheckoutSession struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	ClientReferenceID string       `json:"client_reference_id"`
	Subscription      ExpandableID `json:"subscription"`
	Mode              string       `json:"mode"`
}

// Recurring describes how a price is charged
type Recurring struct {
	Interval  string `json:"interval"`
	UsageType string `json:"usage_type"`
}

// Price of a subscription item
type Price struct {
	ID        string       `json:"id"`
	Product   ExpandableID `json:"product"`
	Recurring *Recurring   `json:"recurring"`
}

// Item is one line of a subscription
type Item struct {
	ID       string `json:"id"`
	Quantity *int   `json:"quantity"`
	Price    Price  `json:"price"`
	Plan     *struct {
		Product ExpandableID `json:"product"`
	} `json:"plan"`
}

// IsMetered reports whether the item is billed by usage
func (i *Item) IsMetered() bool {
	return i.Price.Recurring != nil && i.Price.Recurring.UsageType == "metered"
}

// ProductID returns the product of the item's price, falling back to its plan
func (i *Item) ProductID() string {
	if i.Price.Product != "" {
		return string(i.Price.Product)
	}
	if i.Plan != nil {
		return string(i.Plan.Product)
	}
	return ""
}

// Subscription is the subset of a processor subscription the reconciler reads
type Subscription struct {
	ID       string            `json:"id"`
	Customer ExpandableID      `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []Item `json:"data"`
	} `json:"items"`
}

// PrimaryProductID returns the product of the first item
func (s *Subscription) PrimaryProductID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].ProductID()
}

// Event is a decoded webhook envelope. Exactly one of Checkout and
// Subscription is set for the kinds that carry them.
type Event struct {
	ID           string
	Kind         EventKind
	Type         string
	Created      time.Time
	Livemode     bool
	ObjectID     string
	Checkout     *CheckoutSession
	Subscription *Subscription
	Raw          json.RawMessage
}

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a webhook payload. Failures wrap ErrMalformedEvent.
func ParseEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	event := &Event{
		ID:       env.ID,
		Kind:     KindOf(env.Type),
		Type:     env.Type,
		Created:  time.Unix(env.Created, 0).UTC(),
		Livemode: env.Livemode,
		Raw:      append(json.RawMessage(nil), payload...),
	}

	if len(env.Data.Object) > 0 {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data.Object, &obj); err == nil {
			event.ObjectID = obj.ID
		}
	}

	switch {
	case event.Kind == KindCheckoutCompleted:
		event.Checkout = &CheckoutSession{}
		if err := decodeObject(env.Data.Object, event.Checkout); err != nil {
			return nil, err
		}
	case event.Kind.IsSubscription():
		event.Subscription = &Subscription{}
		if err := decodeObject(env.Data.Object, event.Subscription); err != nil {
			return nil, err
		}
		if event.Subscription.ID == "" || event.Subscription.Customer == "" {
			return nil, fmt.Errorf("%w: subscription without id or customer", ErrMalformedEvent)
		}
	}
	return event, nil
}

func decodeObject(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Result is the outcome of handling one delivery
type Result struct {
	EventID   string    `json:"eventId,omitempty"`
	Kind      EventKind `json:"-"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

var (
	// ErrInvalidSignature is returned when the signature header does not verify
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrMalformedEvent is returned when the payload cannot be decoded
	ErrMalformedEvent = errors.New("billing: malformed webhook event")
	// ErrRetryable wraps processing failures the processor should redeliver
	ErrRetryable = errors.New("billing: webhook processing failed")
	// ErrOwnerNotFound is returned when no user or team holds the customer id
	ErrOwnerNotFound = errors.New("billing: no user or team for customer")
)
