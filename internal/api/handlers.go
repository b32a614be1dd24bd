package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/cache"
	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// Submitter accepts ingestion commands. *engine.IngestionQueue implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd engine.Command) error
}

// BookSource serves published snapshots. *engine.SnapshotBoard implements it.
type BookSource interface {
	Get(instrument uint32) (models.BookSnapshot, bool)
	Instruments() []uint32
}

// SettlementSource reports the outstanding settlement of an instrument.
// *engine.SettlementCoordinator implements it.
type SettlementSource interface {
	Pending(instrument uint32) (engine.PendingSettlement, bool)
}

// Handler serves order entry and read-only views of the books.
//
// Order entry only enqueues: the book changes when the matching worker
// drains the command, so the response is 202 and the order id.
type Handler struct {
	queue       Submitter
	books       BookSource
	settlements SettlementSource
	executions  cache.ExecutionFeed
	nextID      atomic.Uint64
}

// NewHandler allocates order ids above idBase so they never collide with
// ledger-assigned ids.
func NewHandler(queue Submitter, books BookSource, settlements SettlementSource, executions cache.ExecutionFeed, idBase uint64) *Handler {
	h := &Handler{
		queue:       queue,
		books:       books,
		settlements: settlements,
		executions:  executions,
	}
	h.nextID.Store(idBase)
	return h
}

type PlaceOrderRequest struct {
	InstrumentID uint32 `json:"instrument_id"`
	Side         string `json:"side" binding:"required,oneof=buy sell"`
	Price        uint64 `json:"price" binding:"required,gt=0"`
	Volume       uint64 `json:"volume"`
	Owner        string `json:"owner"`
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithValidationError(c, err)
		return
	}
	if req.Volume == 0 {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidVolume, engine.ErrInvalidVolume.Error())
		return
	}

	owner := req.Owner
	if authed, ok := middleware.GetOwner(c); ok {
		owner = authed
	}

	order := models.Order{
		ID:           h.nextID.Add(1),
		InstrumentID: req.InstrumentID,
		Side:         models.Side(req.Side),
		Price:        req.Price,
		Volume:       req.Volume,
		Owner:        owner,
	}

	if !h.submit(c, engine.UpsertCommand(order)) {
		return
	}
	c.JSON(http.StatusAccepted, order)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || orderID == 0 {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidOrderID, "invalid order id")
		return
	}
	instrument, err := strconv.ParseUint(c.Query("instrument"), 10, 32)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidInstrument, "instrument query parameter is required")
		return
	}

	if !h.submit(c, engine.CancelCommand(uint32(instrument), orderID)) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"order_id":   orderID,
		"instrument": instrument,
		"status":     "cancel_requested",
	})
}

func (h *Handler) submit(c *gin.Context, cmd engine.Command) bool {
	err := h.queue.Submit(c.Request.Context(), cmd)
	switch {
	case err == nil:
		return true
	case errors.Is(err, engine.ErrLedgerInstrument):
		AbortWithError(c, http.StatusForbidden, ErrCodeLedgerInstrument, "orders on this instrument are placed and cancelled on the ledger")
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.Header("Retry-After", "1")
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeQueueFull, "order queue is full, retry later")
	default:
		log.Error().Err(err).Str("kind", cmd.Kind.String()).Msg("failed to submit command")
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "failed to submit order")
	}
	return false
}

func (h *Handler) ListInstruments(c *gin.Context) {
	instruments := h.books.Instruments()
	c.JSON(http.StatusOK, gin.H{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

func instrumentParam(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidInstrument, "invalid instrument id")
		return 0, false
	}
	return uint32(v), true
}

func limitQuery(c *gin.Context, name string, def, max int) int {
	if s := c.Query(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

// GetOrderBook returns the last published snapshot, trimmed to ?levels.
func (h *Handler) GetOrderBook(c *gin.Context) {
	instrument, ok := instrumentParam(c)
	if !ok {
		return
	}

	snap, ok := h.books.Get(instrument)
	if !ok {
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, "no book for instrument")
		return
	}

	levels := limitQuery(c, "levels", len(snap.Bids)+len(snap.Asks), 100)
	if len(snap.Bids) > levels {
		snap.Bids = snap.Bids[:levels]
	}
	if len(snap.Asks) > levels {
		snap.Asks = snap.Asks[:levels]
	}

	resp := gin.H{"book": snap}
	if bid, ok := snap.BestBid(); ok {
		resp["best_bid"] = bid
	}
	if ask, ok := snap.BestAsk(); ok {
		resp["best_ask"] = ask
	}
	c.JSON(http.StatusOK, resp)
}

// GetSettlement reports whether the instrument has a settlement in flight.
func (h *Handler) GetSettlement(c *gin.Context) {
	instrument, ok := instrumentParam(c)
	if !ok {
		return
	}

	pending, ok := h.settlements.Pending(instrument)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"instrument": instrument, "state": engine.StateIdle})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "state": pending.State, "pending": pending})
}

func (h *Handler) GetExecutions(c *gin.Context) {
	instrument, ok := instrumentParam(c)
	if !ok {
		return
	}

	limit := limitQuery(c, "limit", 50, 100)
	executions, err := h.executions.Recent(c.Request.Context(), instrument, limit)
	if err != nil {
		log.Error().Err(err).Uint32("instrument", instrument).Msg("failed to load executions")
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, "failed to load executions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": instrument, "executions": executions})
}
