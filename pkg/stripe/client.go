package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/metering"
)

// DefaultBaseURL is the processor's REST endpoint
const DefaultBaseURL = "https://api.stripe.com"

// Config configures a Client
type Config struct {
	SecretKey  string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client speaks the processor's form-encoded REST API
type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// Product is the subset of a processor product this service reads
type Product struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Active   bool              `json:"active"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is the subset of a processor subscription used for cleanup
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

type meterEventResponse struct {
	Identifier string `json:"identifier"`
	EventName  string `json:"event_name"`
}

type listResponse[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type errorResponse struct {
	Error metering.GatewayError `json:"error"`
}

// CreateMeterEvent reports usage to a billing meter and returns the event identifier
func (c *Client) CreateMeterEvent(ctx context.Context, event metering.MeterEvent) (string, error) {
	form := url.Values{}
	form.Set("event_name", event.EventName)
	form.Set("payload[stripe_customer_id]", event.CustomerID)
	form.Set("payload[value]", strconv.FormatInt(event.Value, 10))
	if event.Identifier != "" {
		form.Set("identifier", event.Identifier)
	}
	if !event.Timestamp.IsZero() {
		form.Set("timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	}

	var out meterEventResponse
	if err := c.do(ctx, http.MethodPost, "/v1/billing/meter_events", form, event.Identifier, &out); err != nil {
		return "", err
	}
	if out.Identifier == "" {
		return event.Identifier, nil
	}
	return out.Identifier, nil
}

// GetProduct retrieves a product by id
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	if productID == "" {
		return nil, errors.New("stripe: product id is required")
	}
	var out Product
	if err := c.do(ctx, http.MethodGet, "/v1/products/"+url.PathEscape(productID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubscriptions returns a customer's subscriptions, newest first. An empty status lists all but canceled.
func (c *Client) ListSubscriptions(ctx context.Context, customerID, status string) ([]*Subscription, error) {
	var all []*Subscription
	startingAfter := ""
	for {
		q := url.Values{}
		q.Set("customer", customerID)
		q.Set("limit", "100")
		if status != "" {
			q.Set("status", status)
		}
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}

		var page listResponse[*Subscription]
		if err := c.do(ctx, http.MethodGet, "/v1/subscriptions?"+q.Encode(), nil, "", &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}

// CancelSubscription cancels a subscription immediately
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", metering.ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", metering.ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		gwErr := &metering.GatewayError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, &errResp) == nil {
			gwErr.Type = errResp.Error.Type
			gwErr.Code = errResp.Error.Code
			gwErr.Message = errResp.Error.Message
		}
		if gwErr.Message == "" {
			gwErr.Message = http.StatusText(resp.StatusCode)
		}
		return gwErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
