package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// ErrNoSettler is returned by RoutingSettler for instruments without a route.
var ErrNoSettler = errors.New("no settler for instrument")

// Settler performs the external settlement write for a matched pair and
// returns its transaction identifier.
type Settler interface {
	Settle(ctx context.Context, matched models.MatchedOrders) (txHash string, err error)
}

type SettlementState string

const (
	StateIdle                 SettlementState = "idle"
	StateSubmitting           SettlementState = "submitting"
	StateAwaitingConfirmation SettlementState = "awaiting_confirmation"
)

// settlementState is one of idleState, submittingState or awaitingState.
type settlementState interface {
	kind() SettlementState
}

type idleState struct{}

type submittingState struct {
	matched models.MatchedOrders
	ticket  uint64
	since   time.Time
}

type awaitingState struct {
	matched     models.MatchedOrders
	ticket      uint64
	txHash      string
	submittedAt time.Time
}

func (idleState) kind() SettlementState       { return StateIdle }
func (submittingState) kind() SettlementState { return StateSubmitting }
func (awaitingState) kind() SettlementState   { return StateAwaitingConfirmation }

// PendingSettlement describes an outstanding settlement.
type PendingSettlement struct {
	Matched     models.MatchedOrders `json:"matched"`
	State       SettlementState      `json:"state"`
	TxHash      string               `json:"tx_hash,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// SettlementCoordinator allows at most one outstanding settlement per
// instrument. Submissions run on their own goroutine and are never cancelled by
// shutdown; Close waits for them.
type SettlementCoordinator struct {
	settler    Settler
	timeout    time.Duration
	retryDelay time.Duration
	metrics    *metrics.Metrics

	mu       sync.Mutex
	states   map[uint32]settlementState
	retryAt  map[uint32]time.Time
	ticket   uint64
	inflight sync.WaitGroup
}

func NewSettlementCoordinator(settler Settler, timeout time.Duration, m *metrics.Metrics) *SettlementCoordinator {
	return &SettlementCoordinator{
		settler: settler,
		timeout: timeout,
		metrics: m,
		states:  make(map[uint32]settlementState),
		retryAt: make(map[uint32]time.Time),
	}
}

// WithRetryDelay sets how long an instrument waits after a failed settlement
// before its book is matched again. Zero means the next cycle.
func (c *SettlementCoordinator) WithRetryDelay(d time.Duration) *SettlementCoordinator {
	c.retryDelay = d
	return c
}

// DueRetries returns the instruments whose failed settlement is due for
// re-evaluation at now and forgets them.
func (c *SettlementCoordinator) DueRetries(now time.Time) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []uint32
	for instrument, at := range c.retryAt {
		if !at.After(now) {
			due = append(due, instrument)
			delete(c.retryAt, instrument)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

// caller must hold c.mu
func (c *SettlementCoordinator) stateOf(instrument uint32) settlementState {
	if st, ok := c.states[instrument]; ok {
		return st
	}
	return idleState{}
}

func (c *SettlementCoordinator) State(instrument uint32) SettlementState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateOf(instrument).kind()
}

func (c *SettlementCoordinator) Idle(instrument uint32) bool {
	return c.State(instrument) == StateIdle
}

func (c *SettlementCoordinator) Pending(instrument uint32) (PendingSettlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.stateOf(instrument).(type) {
	case submittingState:
		return PendingSettlement{Matched: st.matched, State: StateSubmitting, SubmittedAt: st.since}, true
	case awaitingState:
		return PendingSettlement{Matched: st.matched, State: StateAwaitingConfirmation, TxHash: st.txHash, SubmittedAt: st.submittedAt}, true
	default:
		return PendingSettlement{}, false
	}
}

// Submit starts settling matched unless the instrument already has a
// settlement outstanding, in which case it returns false.
func (c *SettlementCoordinator) Submit(matched models.MatchedOrders) bool {
	c.mu.Lock()
	if _, idle := c.stateOf(matched.InstrumentID).(idleState); !idle {
		c.mu.Unlock()
		return false
	}
	delete(c.retryAt, matched.InstrumentID)
	c.ticket++
	st := submittingState{matched: matched, ticket: c.ticket, since: time.Now()}
	c.states[matched.InstrumentID] = st
	c.inflight.Add(1)
	c.mu.Unlock()

	c.metrics.RecordSettlementSubmitted(matched.InstrumentID)
	log.Info().
		Uint32("instrument", matched.InstrumentID).
		Uint64("taker_order_id", matched.TakerOrderID).
		Uint64("maker_order_id", matched.MakerOrderID).
		Msg("submitting settlement")

	go c.run(st)
	return true
}

func (c *SettlementCoordinator) run(st submittingState) {
	defer c.inflight.Done()

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	txHash, err := c.settler.Settle(ctx, st.matched)

	c.mu.Lock()
	defer c.mu.Unlock()

	logger := log.With().
		Uint32("instrument", st.matched.InstrumentID).
		Uint64("taker_order_id", st.matched.TakerOrderID).
		Uint64("maker_order_id", st.matched.MakerOrderID).
		Str("tx_hash", txHash).
		Logger()

	current, ok := c.stateOf(st.matched.InstrumentID).(submittingState)
	if !ok || current.ticket != st.ticket {
		// confirmation already observed
		logger.Debug().Err(err).Msg("settlement result after confirmation")
		return
	}

	if err != nil {
		c.states[st.matched.InstrumentID] = idleState{}
		c.retryAt[st.matched.InstrumentID] = time.Now().Add(c.retryDelay)
		c.metrics.RecordSettlementResolved(st.matched.InstrumentID, "failed", time.Since(st.since))
		logger.Error().Err(err).Dur("retry_in", c.retryDelay).Msg("settlement failed, orders stay resting")
		return
	}

	c.states[st.matched.InstrumentID] = awaitingState{
		matched:     st.matched,
		ticket:      st.ticket,
		txHash:      txHash,
		submittedAt: st.since,
	}
	logger.Info().Msg("settlement submitted, awaiting confirmation")
}

// Confirm clears the pending settlement if it is for the same pair and reports
// whether it did. Confirmations for other pairs leave the state unchanged.
func (c *SettlementCoordinator) Confirm(matched models.MatchedOrders) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending models.MatchedOrders
	var since time.Time
	switch st := c.stateOf(matched.InstrumentID).(type) {
	case submittingState:
		pending, since = st.matched, st.since
	case awaitingState:
		pending, since = st.matched, st.submittedAt
	default:
		return false
	}
	if !pending.SamePair(matched) {
		return false
	}

	c.states[matched.InstrumentID] = idleState{}
	c.metrics.RecordSettlementResolved(matched.InstrumentID, "confirmed", time.Since(since))
	return true
}

// Close waits for in-flight submissions to report. If ctx ends first, the
// remaining settlements have an unknown outcome and are reconciled from the
// ledger on the next start.
func (c *SettlementCoordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		n := 0
		for instrument, st := range c.states {
			if s, ok := st.(submittingState); ok {
				n++
				log.Warn().
					Uint32("instrument", instrument).
					Uint64("taker_order_id", s.matched.TakerOrderID).
					Uint64("maker_order_id", s.matched.MakerOrderID).
					Msg("settlement outcome unknown at shutdown")
			}
		}
		return fmt.Errorf("%d settlements still in flight: %w", n, ctx.Err())
	}
}

// FillPolicy decides how much of each order a confirmed match consumes.
type FillPolicy string

const (
	FillAllOrNothing FillPolicy = "all_or_nothing"
	FillMinVolume    FillPolicy = "min_volume"
)

func ParseFillPolicy(s string) (FillPolicy, error) {
	switch FillPolicy(s) {
	case FillAllOrNothing, "":
		return FillAllOrNothing, nil
	case FillMinVolume:
		return FillMinVolume, nil
	default:
		return "", fmt.Errorf("unknown fill policy %q", s)
	}
}

// Fill returns the volume to take from each order and the executed quantity.
func (p FillPolicy) Fill(takerVolume, makerVolume uint64) (takerDelta, makerDelta, executed uint64) {
	executed = min(takerVolume, makerVolume)
	if p == FillMinVolume {
		return executed, executed, executed
	}
	return takerVolume, makerVolume, executed
}

// LocalSettler settles off-ledger instruments in process by feeding the
// confirmation straight back into the ingestion queue.
type LocalSettler struct {
	queue *IngestionQueue
}

func NewLocalSettler(queue *IngestionQueue) *LocalSettler {
	return &LocalSettler{queue: queue}
}

func (s *LocalSettler) Settle(ctx context.Context, matched models.MatchedOrders) (string, error) {
	txHash := "local-" + uuid.NewString()
	if err := s.queue.Submit(ctx, ConfirmCommand(matched, 0, txHash)); err != nil {
		return "", fmt.Errorf("queue confirmation: %w", err)
	}
	return txHash, nil
}

// RoutingSettler picks a settler by instrument, falling back to a default.
type RoutingSettler struct {
	routes   map[uint32]Settler
	fallback Settler
}

func NewRoutingSettler(fallback Settler) *RoutingSettler {
	return &RoutingSettler{routes: make(map[uint32]Settler), fallback: fallback}
}

// Route must be called before the coordinator starts submitting.
func (r *RoutingSettler) Route(instrument uint32, s Settler) *RoutingSettler {
	r.routes[instrument] = s
	return r
}

func (r *RoutingSettler) Settle(ctx context.Context, matched models.MatchedOrders) (string, error) {
	if s, ok := r.routes[matched.InstrumentID]; ok {
		return s.Settle(ctx, matched)
	}
	if r.fallback == nil {
		return "", fmt.Errorf("%w %d", ErrNoSettler, matched.InstrumentID)
	}
	return r.fallback.Settle(ctx, matched)
}
