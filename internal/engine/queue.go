package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

var (
	// ErrQueueFull is returned when no slot frees up before the enqueue timeout.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrInvalidVolume rejects order entry with a zero volume.
	ErrInvalidVolume = errors.New("volume must be greater than 0")
	// ErrLedgerInstrument rejects direct order entry on an instrument whose
	// orders only come from the ledger.
	ErrLedgerInstrument = errors.New("instrument is ledger-managed")
)

type CommandKind int

const (
	// CommandUpsert carries a fully specified order.
	CommandUpsert CommandKind = iota
	// CommandResolve names an order id whose metadata the worker must resolve.
	CommandResolve
	CommandCancel
	// CommandConfirm reports that a matched pair settled.
	CommandConfirm
)

func (k CommandKind) String() string {
	switch k {
	case CommandUpsert:
		return "upsert"
	case CommandResolve:
		return "resolve"
	case CommandCancel:
		return "cancel"
	case CommandConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// Command is the only way producers reach the books.
type Command struct {
	Kind         CommandKind
	InstrumentID uint32
	OrderID      uint64
	Order        models.Order
	Matched      models.MatchedOrders
	Block        uint64
	TxHash       string
	Sequence     uint64
}

func UpsertCommand(order models.Order) Command {
	return Command{Kind: CommandUpsert, InstrumentID: order.InstrumentID, OrderID: order.ID, Order: order}
}

func ResolveCommand(instrument uint32, ref models.OrderRef) Command {
	return Command{Kind: CommandResolve, InstrumentID: instrument, OrderID: ref.ID, Block: ref.Block}
}

func CancelCommand(instrument uint32, id uint64) Command {
	return Command{Kind: CommandCancel, InstrumentID: instrument, OrderID: id}
}

func ConfirmCommand(matched models.MatchedOrders, block uint64, txHash string) Command {
	return Command{Kind: CommandConfirm, InstrumentID: matched.InstrumentID, Matched: matched, Block: block, TxHash: txHash}
}

// IngestionQueue is a bounded multi-producer queue drained by one MatchingWorker.
type IngestionQueue struct {
	ch      chan Command
	timeout time.Duration
	seq     atomic.Uint64
	metrics *metrics.Metrics

	// read-only once producers start
	ledger map[uint32]bool
}

// NewIngestionQueue creates a queue holding up to capacity commands. Submit
// waits at most timeout for space; a zero timeout never waits.
func NewIngestionQueue(capacity int, timeout time.Duration, m *metrics.Metrics) *IngestionQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &IngestionQueue{
		ch:      make(chan Command, capacity),
		timeout: timeout,
		metrics: m,
	}
}

// ReserveForLedger makes Submit reject upserts and cancels on instruments
// whose orders live on the ledger. Call it before any producer starts.
func (q *IngestionQueue) ReserveForLedger(instruments ...uint32) *IngestionQueue {
	if q.ledger == nil {
		q.ledger = make(map[uint32]bool, len(instruments))
	}
	for _, id := range instruments {
		q.ledger[id] = true
	}
	return q
}

func (q *IngestionQueue) admit(cmd Command) error {
	switch cmd.Kind {
	case CommandUpsert:
		if cmd.Order.Volume == 0 {
			return ErrInvalidVolume
		}
	case CommandCancel:
	default:
		return nil
	}
	if q.ledger[cmd.InstrumentID] {
		return fmt.Errorf("%w: %d", ErrLedgerInstrument, cmd.InstrumentID)
	}
	return nil
}

func (q *IngestionQueue) stamp(cmd Command) Command {
	cmd.Sequence = q.seq.Add(1)
	if cmd.Kind == CommandUpsert && cmd.Order.Sequence == 0 {
		cmd.Order.Sequence = cmd.Sequence
	}
	return cmd
}

// Submit enqueues cmd, blocking up to the queue timeout. It returns
// ErrQueueFull on expiry and ctx.Err() if ctx ends first.
func (q *IngestionQueue) Submit(ctx context.Context, cmd Command) error {
	if err := q.admit(cmd); err != nil {
		return err
	}
	cmd = q.stamp(cmd)

	select {
	case q.ch <- cmd:
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), true, len(q.ch))
		return nil
	default:
	}
	if q.timeout <= 0 {
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), false, len(q.ch))
		return ErrQueueFull
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.ch <- cmd:
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), true, len(q.ch))
		return nil
	case <-timer.C:
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), false, len(q.ch))
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues cmd only if space is available right now.
func (q *IngestionQueue) TrySubmit(cmd Command) error {
	if err := q.admit(cmd); err != nil {
		return err
	}
	cmd = q.stamp(cmd)
	select {
	case q.ch <- cmd:
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), true, len(q.ch))
		return nil
	default:
		q.metrics.RecordQueueSubmit(cmd.Kind.String(), false, len(q.ch))
		return ErrQueueFull
	}
}

// Drain removes up to max queued commands without blocking, in FIFO order.
// max <= 0 drains at most one queue's worth.
func (q *IngestionQueue) Drain(max int) []Command {
	if max <= 0 {
		max = cap(q.ch)
	}
	var out []Command
	for len(out) < max {
		select {
		case cmd := <-q.ch:
			out = append(out, cmd)
		default:
			q.metrics.RecordQueueDepth(len(q.ch))
			return out
		}
	}
	q.metrics.RecordQueueDepth(len(q.ch))
	return out
}

func (q *IngestionQueue) Len() int {
	return len(q.ch)
}

func (q *IngestionQueue) Cap() int {
	return cap(q.ch)
}
