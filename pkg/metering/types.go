package metering

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultEventName is the processor meter that token consumption reports to
const DefaultEventName = "transformationtokensmeter"

// MeterEvent is one usage report sent to the processor
type MeterEvent struct {
	EventName  string
	CustomerID string
	Value      int64
	// Identifier makes the report idempotent on the processor side
	Identifier string
	Timestamp  time.Time
}

// Gateway is the processor API used for meter events
type Gateway interface {
	CreateMeterEvent(ctx context.Context, event MeterEvent) (string, error)
}

// ErrorClass groups gateway failures by how they should be handled
type ErrorClass string

const (
	ClassRateLimit      ErrorClass = "rate_limit"
	ClassConnection     ErrorClass = "connection"
	ClassServer         ErrorClass = "server"
	ClassInvalidRequest ErrorClass = "invalid_request"
	ClassAuthentication ErrorClass = "authentication"
	ClassUnknown        ErrorClass = "unknown"
)

// ErrConnection marks transport failures talking to the processor
var ErrConnection = errors.New("metering: connection error")

// GatewayError is an error response from the processor API
type GatewayError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor error %d (%s/%s): %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("processor error %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// Class classifies the error by status code and type
func (e *GatewayError) Class() ErrorClass {
	switch {
	case e.StatusCode == 429 || e.Type == "rate_limit_error":
		return ClassRateLimit
	case e.StatusCode == 401 || e.StatusCode == 403 || e.Type == "authentication_error":
		return ClassAuthentication
	case e.StatusCode >= 500:
		return ClassServer
	case e.StatusCode >= 400 || e.Type == "invalid_request_error":
		return ClassInvalidRequest
	}
	return ClassUnknown
}

// Classify returns the error class of any gateway call failure
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Class()
	}
	if errors.Is(err, ErrConnection) {
		return ClassConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnection
	}
	return ClassUnknown
}

// IsRetryable reports whether a gateway failure is worth another attempt
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimit, ClassConnection, ClassServer:
		return true
	}
	return false
}

// IdempotencyKey builds the report identifier for a user's consumption at a point in time
func IdempotencyKey(userID int64, at time.Time) string {
	return "token-" + strconv.FormatInt(userID, 10) + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}
