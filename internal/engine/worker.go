package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

var ErrNoResolver = errors.New("no metadata resolver configured")

// MetadataResolver looks up side, price and volume for an order id.
type MetadataResolver interface {
	Resolve(ctx context.Context, orderID uint64) (models.OrderMetadata, error)
}

type WorkerConfig struct {
	IdleInterval   time.Duration
	ResolveTimeout time.Duration
	SnapshotDepth  int
	FillPolicy     FillPolicy
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		IdleInterval:   10 * time.Millisecond,
		ResolveTimeout: 5 * time.Second,
		SnapshotDepth:  20,
		FillPolicy:     FillAllOrNothing,
	}
}

// MatchingWorker is the single owner of every order book. It drains the
// ingestion queue, applies mutations, routes crossings to the settlement
// coordinator and publishes executions and snapshots.
type MatchingWorker struct {
	queue       *IngestionQueue
	books       *BookSet
	coordinator *SettlementCoordinator
	resolver    MetadataResolver
	broadcaster *Broadcaster
	cfg         WorkerConfig
	metrics     *metrics.Metrics

	t tomb.Tomb
}

func NewMatchingWorker(
	queue *IngestionQueue,
	coordinator *SettlementCoordinator,
	resolver MetadataResolver,
	broadcaster *Broadcaster,
	cfg WorkerConfig,
	m *metrics.Metrics,
) *MatchingWorker {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 10 * time.Millisecond
	}
	if cfg.FillPolicy == "" {
		cfg.FillPolicy = FillAllOrNothing
	}
	return &MatchingWorker{
		queue:       queue,
		books:       NewBookSet(),
		coordinator: coordinator,
		resolver:    resolver,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     m,
	}
}

func (w *MatchingWorker) Start() {
	w.t.Go(w.loop)
}

// Stop signals the loop and waits for the current cycle to finish.
func (w *MatchingWorker) Stop() error {
	w.t.Kill(nil)
	return w.t.Wait()
}

func (w *MatchingWorker) Dead() <-chan struct{} {
	return w.t.Dead()
}

func (w *MatchingWorker) loop() error {
	log.Info().Dur("idle_interval", w.cfg.IdleInterval).Msg("matching worker started")
	ctx := w.t.Context(context.Background())
	idle := time.NewTicker(w.cfg.IdleInterval)
	defer idle.Stop()

	for {
		select {
		case <-w.t.Dying():
			log.Info().Msg("matching worker stopping")
			return nil
		default:
		}

		cmds := w.queue.Drain(0)
		retries := w.coordinator.DueRetries(time.Now())
		if len(cmds) == 0 && len(retries) == 0 {
			select {
			case <-w.t.Dying():
				log.Info().Msg("matching worker stopping")
				return nil
			case <-idle.C:
			}
			continue
		}
		w.process(ctx, cmds, retries...)
	}
}

type orderKey struct {
	instrument uint32
	id         uint64
}

// process runs one matching cycle over a drained batch. Instruments in retry
// are matched again even when the batch does not touch them.
func (w *MatchingWorker) process(ctx context.Context, cmds []Command, retry ...uint32) {
	start := time.Now()
	touched := make(map[uint32]bool)
	var order []uint32
	touch := func(instrument uint32) {
		if !touched[instrument] {
			touched[instrument] = true
			order = append(order, instrument)
		}
	}

	// settlement effects go first so re-evaluation sees post-trade volumes
	for _, cmd := range cmds {
		if cmd.Kind == CommandConfirm {
			w.applyConfirmation(cmd)
			touch(cmd.InstrumentID)
		}
	}

	last := make(map[orderKey]int, len(cmds))
	for i, cmd := range cmds {
		if cmd.Kind != CommandConfirm {
			last[orderKey{cmd.InstrumentID, cmd.OrderID}] = i
		}
	}

	for i, cmd := range cmds {
		if cmd.Kind == CommandConfirm || last[orderKey{cmd.InstrumentID, cmd.OrderID}] != i {
			continue
		}
		if w.applyOrder(ctx, cmd) {
			touch(cmd.InstrumentID)
		}
	}

	for _, instrument := range retry {
		touch(instrument)
	}

	for _, instrument := range order {
		book := w.books.GetOrCreate(instrument)
		if w.coordinator.Idle(instrument) {
			if matched, ok := book.FindMatchingOrders(); ok {
				w.metrics.RecordMatch(instrument)
				w.coordinator.Submit(matched)
			}
		}
		w.broadcaster.PublishSnapshot(book.Snapshot(w.cfg.SnapshotDepth))
		w.metrics.RecordSnapshot(instrument)
		w.metrics.RecordBookSize(instrument, book.Len())
	}

	w.metrics.RecordCycle(time.Since(start))
}

func (w *MatchingWorker) applyOrder(ctx context.Context, cmd Command) bool {
	book := w.books.GetOrCreate(cmd.InstrumentID)

	switch cmd.Kind {
	case CommandUpsert:
		book.Update(cmd.Order)
	case CommandCancel:
		if !book.Remove(cmd.OrderID) {
			log.Debug().Uint32("instrument", cmd.InstrumentID).Uint64("order_id", cmd.OrderID).Msg("cancel for unknown order")
			return false
		}
	case CommandResolve:
		meta, err := w.resolve(ctx, cmd.OrderID)
		if err != nil {
			w.metrics.RecordMetadataFailure()
			log.Warn().Err(err).
				Uint32("instrument", cmd.InstrumentID).
				Uint64("order_id", cmd.OrderID).
				Uint64("block", cmd.Block).
				Msg("skipping order, metadata unavailable")
			return false
		}
		book.Update(models.Order{
			ID:           cmd.OrderID,
			InstrumentID: cmd.InstrumentID,
			Side:         meta.Side,
			Price:        meta.Price,
			Volume:       meta.Volume,
			Sequence:     cmd.Sequence,
		})
	default:
		return false
	}

	w.metrics.RecordOrderApplied(cmd.InstrumentID, cmd.Kind.String())
	return true
}

func (w *MatchingWorker) resolve(ctx context.Context, id uint64) (models.OrderMetadata, error) {
	if w.resolver == nil {
		return models.OrderMetadata{}, ErrNoResolver
	}
	if w.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ResolveTimeout)
		defer cancel()
	}
	return w.resolver.Resolve(ctx, id)
}

func (w *MatchingWorker) applyConfirmation(cmd Command) {
	m := cmd.Matched
	logger := log.With().
		Uint32("instrument", m.InstrumentID).
		Uint64("taker_order_id", m.TakerOrderID).
		Uint64("maker_order_id", m.MakerOrderID).
		Uint64("block", cmd.Block).
		Str("tx_hash", cmd.TxHash).
		Logger()

	wasPending := w.coordinator.Confirm(m)

	book := w.books.GetOrCreate(m.InstrumentID)
	taker, takerOK := book.Get(m.TakerOrderID)
	maker, makerOK := book.Get(m.MakerOrderID)
	if !takerOK || !makerOK {
		logger.Warn().Bool("pending", wasPending).Msg("confirmation for orders not resting")
		return
	}

	takerDelta, makerDelta, qty := w.cfg.FillPolicy.Fill(taker.Volume, maker.Volume)
	book.ModifyOrderVolume(taker.ID, takerDelta)
	book.ModifyOrderVolume(maker.ID, makerDelta)

	exec := models.Execution{
		ID:           uuid.NewString(),
		InstrumentID: m.InstrumentID,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
		TakerOwner:   taker.Owner,
		MakerOwner:   maker.Owner,
		TakerSide:    taker.Side,
		Price:        maker.Price,
		Quantity:     qty,
		TxHash:       cmd.TxHash,
		Block:        cmd.Block,
		ExecutedAt:   time.Now(),
	}
	w.broadcaster.PublishExecution(exec)
	w.metrics.RecordExecution(m.InstrumentID, qty)

	logger.Info().
		Bool("pending", wasPending).
		Uint64("price", exec.Price).
		Uint64("quantity", qty).
		Msg("settlement confirmed")
}
