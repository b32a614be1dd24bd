package chain

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

const retryDelay = 10 * time.Millisecond

// QueueHandler forwards ledger events for one instrument into the matching
// worker's ingestion queue.
type QueueHandler struct {
	queue      *engine.IngestionQueue
	instrument uint32
}

func NewQueueHandler(queue *engine.IngestionQueue, instrument uint32) *QueueHandler {
	return &QueueHandler{queue: queue, instrument: instrument}
}

func (h *QueueHandler) HandleMatched(ctx context.Context, ev Event) error {
	matched := models.MatchedOrders{
		InstrumentID: h.instrument,
		TakerOrderID: ev.TakerOrderID,
		MakerOrderID: ev.MakerOrderID,
	}
	return h.submit(ctx, engine.ConfirmCommand(matched, ev.Block, ev.TxHash.Hex()))
}

// HandleOrders queues one resolve command per distinct id, keeping the latest block.
func (h *QueueHandler) HandleOrders(ctx context.Context, refs []models.OrderRef) error {
	latest := make(map[uint64]int, len(refs))
	for i, ref := range refs {
		latest[ref.ID] = i
	}
	for i, ref := range refs {
		if latest[ref.ID] != i {
			continue
		}
		if err := h.submit(ctx, engine.ResolveCommand(h.instrument, ref)); err != nil {
			return err
		}
	}
	return nil
}

// submit keeps waiting while the queue is full; the listener slowing down is
// the backpressure.
func (h *QueueHandler) submit(ctx context.Context, cmd engine.Command) error {
	for {
		err := h.queue.Submit(ctx, cmd)
		if !errors.Is(err, engine.ErrQueueFull) {
			return err
		}
		log.Warn().
			Uint32("instrument", h.instrument).
			Uint64("order_id", cmd.OrderID).
			Uint64("block", cmd.Block).
			Msg("ingestion queue full, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}
