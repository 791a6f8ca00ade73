package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/tokenmeter/pkg/contextkeys"
)

func TestIdentityMiddleware(t *testing.T) {
	var (
		gotUser    int64
		gotOK      bool
		gotRequest string
	)
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotOK = UserID(r)
		gotRequest = contextkeys.GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewIdentityMiddleware(quietLogger()).Handler(capture)

	t.Run("forwarded identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/access", nil)
		req.Header.Set(UserIDHeader, "42")
		req.Header.Set(RequestIDHeader, "req-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.True(t, gotOK)
		assert.Equal(t, int64(42), gotUser)
		assert.Equal(t, "req-1", gotRequest)
		assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	})

	t.Run("anonymous gets a generated request id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.False(t, gotOK)
		assert.Len(t, gotRequest, 36)
		assert.Equal(t, gotRequest, rec.Header().Get(RequestIDHeader))
	})

	for _, raw := range []string{"abc", "0", "-5"} {
		t.Run("invalid identity "+raw, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/access", nil)
			req.Header.Set(UserIDHeader, raw)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"invalid user identity"}`, rec.Body.String())
		})
	}
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/alerts", nil), 3))
	assert.Equal(t, http.StatusOK, rec.Code)
}
