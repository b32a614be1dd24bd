package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbofakesmile/haos-prediction-markets/internal/api"
	"github.com/turbofakesmile/haos-prediction-markets/internal/cache"
	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

type testServer struct {
	router *gin.Engine
	queue  *engine.IngestionQueue
	board  *engine.SnapshotBoard
	feed   *cache.MemoryFeed
	coord  *engine.SettlementCoordinator
	auth   *middleware.AuthMiddleware
}

// setupTestRouter wires the real queue, worker and local settlement, so
// orders placed over HTTP are matched and settled in process.
func setupTestRouter(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		queue: engine.NewIngestionQueue(64, 50*time.Millisecond, nil),
		board: engine.NewSnapshotBoard(),
		feed:  cache.NewMemoryFeed(10),
	}
	s.coord = engine.NewSettlementCoordinator(engine.NewLocalSettler(s.queue), time.Second, nil)

	b := engine.NewBroadcaster()
	b.Subscribe(s.board)
	b.Subscribe(s.feed)

	worker := engine.NewMatchingWorker(s.queue, s.coord, nil, b, engine.DefaultWorkerConfig(), nil)
	worker.Start()
	t.Cleanup(func() {
		_ = worker.Stop()
		_ = s.coord.Close(context.Background())
	})

	rt := api.Routes{
		Handler: api.NewHandler(s.queue, s.board, s.coord, s.feed, 1000),
		Admin:   api.NewAdminHandler(s.board, api.Stats{QueueDepth: s.queue.Len, QueueCapacity: s.queue.Cap()}),
	}
	if withAuth {
		s.auth = middleware.NewAuthMiddleware(middleware.DefaultAuthConfig("test-secret"))
		rt.Auth = s.auth
	}

	s.router = gin.New()
	api.RegisterRoutes(s.router, rt)
	return s
}

func (s *testServer) do(method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestPlaceOrder_MatchesAndSettles(t *testing.T) {
	s := setupTestRouter(t, false)

	w := s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 1, Side: "sell", Price: 100, Volume: 5, Owner: "maker"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var maker models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &maker))
	assert.Equal(t, uint64(1001), maker.ID)

	w = s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 1, Side: "buy", Price: 110, Volume: 5, Owner: "taker"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		got, _ := s.feed.Recent(context.Background(), 1, 1)
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(http.MethodGet, "/api/instruments/1/executions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Executions []models.Execution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, uint64(100), resp.Executions[0].Price)
	assert.Equal(t, uint64(5), resp.Executions[0].Quantity)
	assert.Equal(t, maker.ID, resp.Executions[0].MakerOrderID)

	require.Eventually(t, func() bool {
		snap, ok := s.board.Get(1)
		return ok && len(snap.Bids) == 0 && len(snap.Asks) == 0
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(http.MethodGet, "/api/instruments/1/settlement", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)
}

func TestPlaceOrder_Validation(t *testing.T) {
	s := setupTestRouter(t, false)

	tests := []struct {
		name string
		req  api.PlaceOrderRequest
		code string
	}{
		{"zero volume", api.PlaceOrderRequest{Side: "buy", Price: 1, Volume: 0}, "INVALID_QUANTITY"},
		{"bad side", api.PlaceOrderRequest{Side: "hold", Price: 1, Volume: 1}, "VALIDATION_FAILED"},
		{"zero price", api.PlaceOrderRequest{Side: "buy", Price: 0, Volume: 1}, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/orders", tt.req, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var e api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestGetOrderBook(t *testing.T) {
	s := setupTestRouter(t, false)

	for _, price := range []uint64{90, 95} {
		w := s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 2, Side: "buy", Price: price, Volume: 1}, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	require.Eventually(t, func() bool {
		snap, ok := s.board.Get(2)
		return ok && len(snap.Bids) == 2
	}, 2*time.Second, 5*time.Millisecond)

	w := s.do(http.MethodGet, "/api/instruments/2/book?levels=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Book    models.BookSnapshot `json:"book"`
		BestBid models.PriceLevel   `json:"best_bid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Book.Bids, 1)
	assert.Equal(t, uint64(95), resp.BestBid.Price)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/instruments/9/book", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/instruments/x/book", nil, nil).Code)

	w = s.do(http.MethodGet, "/api/instruments", nil, nil)
	assert.Contains(t, w.Body.String(), `"instruments":[2]`)
}

func TestCancelOrder(t *testing.T) {
	s := setupTestRouter(t, false)

	w := s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 3, Side: "sell", Price: 10, Volume: 1}, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var order models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))

	require.Eventually(t, func() bool {
		snap, ok := s.board.Get(3)
		return ok && len(snap.Asks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(http.MethodDelete, "/api/orders/1001?instrument=3", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		snap, _ := s.board.Get(3)
		return len(snap.Asks) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, "/api/orders/1001", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodDelete, "/api/orders/abc?instrument=3", nil, nil).Code)
}

func TestLedgerInstrumentRejectsDirectEntry(t *testing.T) {
	s := setupTestRouter(t, false)
	s.queue.ReserveForLedger(7)

	w := s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 7, Side: "buy", Price: 10, Volume: 1}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"LEDGER_INSTRUMENT"`)

	w = s.do(http.MethodDelete, "/api/orders/5?instrument=7", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, s.queue.Len())

	// other instruments are unaffected
	w = s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{InstrumentID: 8, Side: "buy", Price: 10, Volume: 1}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestPlaceOrder_OwnerFromToken(t *testing.T) {
	s := setupTestRouter(t, true)

	w := s.do(http.MethodPost, "/api/orders", api.PlaceOrderRequest{Side: "buy", Price: 1, Volume: 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := s.auth.GenerateToken("0xowner", "trader")
	require.NoError(t, err)
	w = s.do(http.MethodPost, "/api/orders",
		api.PlaceOrderRequest{Side: "buy", Price: 1, Volume: 1, Owner: "spoofed"},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, w.Code)

	var order models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, "0xowner", order.Owner)
}

type fullQueue struct{}

func (fullQueue) Submit(context.Context, engine.Command) error { return engine.ErrQueueFull }

type errQueue struct{}

func (errQueue) Submit(context.Context, engine.Command) error { return errors.New("boom") }

func TestPlaceOrder_QueueErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	board := engine.NewSnapshotBoard()
	coord := engine.NewSettlementCoordinator(engine.NewLocalSettler(nil), time.Second, nil)

	for _, tc := range []struct {
		queue  api.Submitter
		status int
	}{
		{fullQueue{}, http.StatusServiceUnavailable},
		{errQueue{}, http.StatusInternalServerError},
	} {
		r := gin.New()
		api.RegisterRoutes(r, api.Routes{
			Handler: api.NewHandler(tc.queue, board, coord, cache.NewMemoryFeed(1), 0),
			Admin:   api.NewAdminHandler(board, api.Stats{}),
		})
		body, _ := json.Marshal(api.PlaceOrderRequest{Side: "buy", Price: 1, Volume: 1})
		req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	board := engine.NewSnapshotBoard()

	r := gin.New()
	admin := api.NewAdminHandler(board, api.Stats{}).Check("redis", nil)
	api.RegisterRoutes(r, api.Routes{Handler: api.NewHandler(fullQueue{}, board, nil, nil, 0), Admin: admin})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"disabled"`)

	admin.Check("postgres", downPinger{})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
