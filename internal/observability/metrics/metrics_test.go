package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event", "hit"),
		attribute.String("user_id", "u1"),
		attribute.String("session_id", "s1"),
		attribute.String("reason", "no_credits"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" || attr.Key == "session_id" {
			t.Fatalf("unexpected high-cardinality label %q", attr.Key)
		}
	}
}

func TestClassifyFetchError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "found", err: nil, want: FetchOutcomeFound},
		{name: "not_found", err: gorm.ErrRecordNotFound, want: FetchOutcomeNotFound},
		{name: "deadline", err: fmt.Errorf("find: %w", context.DeadlineExceeded), want: FetchOutcomeDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: FetchOutcomeDBLockTimeout},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: FetchOutcomeDBUnavailable},
		{name: "shutdown", err: &pgconn.PgError{Code: "57P01"}, want: FetchOutcomeDBUnavailable},
		{name: "other_pg", err: &pgconn.PgError{Code: "42P01"}, want: FetchOutcomeDBError},
		{name: "invalid_db", err: gorm.ErrInvalidDB, want: FetchOutcomeDBError},
		{name: "unknown", err: errors.New("boom"), want: FetchOutcomeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyFetchError(tc.err))
		})
	}
}

func TestIsRetryableFetchError(t *testing.T) {
	assert.True(t, IsRetryableFetchError(context.DeadlineExceeded))
	assert.True(t, IsRetryableFetchError(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsRetryableFetchError(gorm.ErrRecordNotFound))
	assert.False(t, IsRetryableFetchError(errors.New("boom")))
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCacheEvent("hit", 1)
	m.RecordFetch(context.Background(), FetchOutcomeFound)
	m.RecordAccessDecision(context.Background(), true, "allowed")
	m.RecordBillingEvent(context.Background(), "subscription.created")
	m.RecordResync(context.Background(), "requested")
	m.RecordCreditsConsumed(context.Background(), "BASIC", 3)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m)
	m.RecordCacheEvent("miss", 2)
}

func TestHTTPMetricsGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m, err := NewHTTPMetricsWithRegisterer(Config{ServiceName: "test"}, reg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/users/:user_id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/users/u%d", i), nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/users/:user_id", http.MethodGet, "204"))
	assert.Equal(t, float64(3), got)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inflight))
}
