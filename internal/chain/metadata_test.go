package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

func newScanner(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order/7":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"isSell":true,"amount":15,"price":120}`))
		case "/order/8":
			_, _ = w.Write([]byte(`{"isSell":false,"amount":3,"price":99}`))
		case "/order/9":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPMetadataResolver_Resolve(t *testing.T) {
	srv := newScanner(t)
	r := NewHTTPMetadataResolver(srv.URL+"/", time.Second, nil)

	meta, err := r.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.OrderMetadata{Side: models.Sell, Price: 120, Volume: 15}, meta)

	meta, err = r.Resolve(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, models.Buy, meta.Side)
}

func TestHTTPMetadataResolver_NotFoundKeepsBreakerClosed(t *testing.T) {
	srv := newScanner(t)
	breaker := middleware.NewCircuitBreaker("scanner", &middleware.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	r := NewHTTPMetadataResolver(srv.URL, time.Second, breaker)

	_, err := r.Resolve(context.Background(), 404)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, middleware.CircuitClosed, r.Breaker().State())
}

func TestHTTPMetadataResolver_ServerErrorsOpenBreaker(t *testing.T) {
	srv := newScanner(t)
	breaker := middleware.NewCircuitBreaker("scanner", &middleware.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	r := NewHTTPMetadataResolver(srv.URL, time.Second, breaker)

	_, err := r.Resolve(context.Background(), 9)
	assert.ErrorContains(t, err, "500")

	_, err = r.Resolve(context.Background(), 7)
	assert.ErrorIs(t, err, middleware.ErrCircuitOpen)
}
