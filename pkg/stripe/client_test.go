package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/metering"
	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

func TestClient_CreateMeterEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/billing/meter_events", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "token-7-1000", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "transformationtokensmeter", r.PostForm.Get("event_name"))
		assert.Equal(t, "cus_1", r.PostForm.Get("payload[stripe_customer_id]"))
		assert.Equal(t, "3", r.PostForm.Get("payload[value]"))
		assert.Equal(t, "token-7-1000", r.PostForm.Get("identifier"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"billing.meter_event","identifier":"token-7-1000","event_name":"transformationtokensmeter"}`))
	}))
	defer server.Close()

	client := NewClient(Config{SecretKey: "sk_test", BaseURL: server.URL})
	id, err := client.CreateMeterEvent(context.Background(), metering.MeterEvent{
		EventName:  metering.DefaultEventName,
		CustomerID: "cus_1",
		Value:      3,
		Identifier: "token-7-1000",
		Timestamp:  time.Unix(1000, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "token-7-1000", id)
}

func TestClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		class     metering.ErrorClass
		retryable bool
	}{
		{"rate limit", 429, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, metering.ClassRateLimit, true},
		{"server", 502, `bad gateway`, metering.ClassServer, true},
		{"invalid", 400, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such customer"}}`, metering.ClassInvalidRequest, false},
		{"auth", 401, `{"error":{"type":"authentication_error","message":"bad key"}}`, metering.ClassAuthentication, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(Config{SecretKey: "sk_test", BaseURL: server.URL})
			_, err := client.CreateMeterEvent(context.Background(), metering.MeterEvent{EventName: "m", CustomerID: "c", Value: 1})
			require.Error(t, err)

			var gwErr *metering.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.NotEmpty(t, gwErr.Message)
			assert.Equal(t, tt.class, metering.Classify(err))
			assert.Equal(t, tt.retryable, metering.IsRetryable(err))
		})
	}
}

func TestClient_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(Config{SecretKey: "sk_test", BaseURL: url, Timeout: time.Second})
	_, err := client.GetProduct(context.Background(), "prod_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, metering.ErrConnection)
	assert.True(t, metering.IsRetryable(err))
}

func TestClient_Subscriptions(t *testing.T) {
	var canceled []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/subscriptions":
			assert.Equal(t, "cus_1", r.URL.Query().Get("customer"))
			assert.Equal(t, "active", r.URL.Query().Get("status"))
			if r.URL.Query().Get("starting_after") == "" {
				w.Write([]byte(`{"data":[{"id":"sub_3","customer":"cus_1","status":"active","created":300},{"id":"sub_2","customer":"cus_1","status":"active","created":200}],"has_more":true}`))
				return
			}
			assert.Equal(t, "sub_2", r.URL.Query().Get("starting_after"))
			w.Write([]byte(`{"data":[{"id":"sub_1","customer":"cus_1","status":"active","created":100}],"has_more":false}`))
		case r.Method == http.MethodDelete:
			mu.Lock()
			canceled = append(canceled, r.URL.Path)
			mu.Unlock()
			w.Write([]byte(`{"id":"sub_1","status":"canceled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(Config{SecretKey: "sk_test", BaseURL: server.URL})
	subs, err := client.ListSubscriptions(context.Background(), "cus_1", "active")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "sub_1", subs[2].ID)

	sub, err := client.CancelSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.Equal(t, []string{"/v1/subscriptions/sub_1"}, canceled)
}

func TestProductNames(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		switch r.URL.Path {
		case "/v1/products/prod_team":
			w.Write([]byte(`{"id":"prod_team","name":"Team","active":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such product"}}`))
		}
	}))
	defer server.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	names := NewProductNames(NewClient(Config{SecretKey: "sk", BaseURL: server.URL}), 16, time.Minute, metrics)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := names.ProductName(context.Background(), "prod_team")
			assert.NoError(t, err)
			results[i] = name
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, name := range results {
		assert.Equal(t, "Team", name)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	name, err := names.ProductName(context.Background(), "prod_team")
	require.NoError(t, err)
	assert.Equal(t, "Team", name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProductCacheHitsTotal))

	_, err = names.ProductName(context.Background(), "prod_missing")
	assert.Error(t, err)
}
