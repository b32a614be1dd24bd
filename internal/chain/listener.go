package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

var (
	ErrAddressRequired    = errors.New("contract address is required")
	ErrSubscriptionClosed = errors.New("head subscription closed")
)

// LogSource is the part of an Ethereum client the listener needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Handler receives decoded events. Within one batch every matched event is
// delivered before the batch's order updates.
type Handler interface {
	HandleMatched(ctx context.Context, ev Event) error
	HandleOrders(ctx context.Context, refs []models.OrderRef) error
}

// Checkpointer persists the last block whose events were delivered. The books
// live in memory, so a restart still replays from the start block; the
// checkpoint only tells the listener which part of that replay was already
// seen by a previous run.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, contract string) (block uint64, ok bool, err error)
	SaveCheckpoint(ctx context.Context, contract string, block uint64) error
}

type Option func(*Listener)

func WithAddress(addr common.Address) Option {
	return func(l *Listener) { l.address = addr }
}

// WithStartBlock sets the first block to replay. Defaults to 1.
func WithStartBlock(block uint64) Option {
	return func(l *Listener) { l.startBlock = block }
}

func WithHandler(h Handler) Option {
	return func(l *Listener) { l.handlers = append(l.handlers, h) }
}

func WithCheckpointer(c Checkpointer) Option {
	return func(l *Listener) { l.checkpoint = c }
}

// WithMaxRange caps the span of a single log query. Zero means unbounded.
func WithMaxRange(blocks uint64) Option {
	return func(l *Listener) { l.maxRange = blocks }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// Listener turns the contract's logs into an ordered, gap-free event stream.
type Listener struct {
	src        LogSource
	address    common.Address
	startBlock uint64
	maxRange   uint64
	handlers   []Handler
	checkpoint Checkpointer
	metrics    *metrics.Metrics

	// highest block recorded in the checkpoint
	saved uint64
}

func NewListener(src LogSource, opts ...Option) (*Listener, error) {
	l := &Listener{src: src, startBlock: 1}
	for _, opt := range opts {
		opt(l)
	}
	if l.address == (common.Address{}) {
		return nil, ErrAddressRequired
	}
	if l.startBlock == 0 {
		l.startBlock = 1
	}
	return l, nil
}

// Listen replays history from the start block up to the current head, then
// follows new heads until ctx is cancelled. Any transport or handler error
// ends the run.
func (l *Listener) Listen(ctx context.Context) error {
	err := l.listen(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Listener) listen(ctx context.Context) error {
	delivered, seen, err := l.previousRun(ctx)
	if err != nil {
		return err
	}

	head, err := l.src.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head block: %w", err)
	}

	l.saved = delivered
	start := l.startBlock
	logger := log.With().Str("contract", l.address.Hex()).Logger()
	ev := logger.Info().Uint64("from_block", start).Uint64("to_block", head)
	if seen {
		ev = ev.Uint64("delivered_block", delivered)
	}
	ev.Msg("rebuilding books from ledger events")

	last := start - 1
	if start <= head {
		if err := l.fetchRange(ctx, start, head); err != nil {
			return err
		}
		last = head
	}

	heads := make(chan *types.Header, 16)
	sub, err := l.src.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe to new heads: %w", err)
	}
	defer sub.Unsubscribe()
	logger.Info().Uint64("block", last).Msg("following new heads")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return ErrSubscriptionClosed
			}
			return fmt.Errorf("head subscription: %w", err)
		case h := <-heads:
			if h == nil || h.Number == nil {
				continue
			}
			n := h.Number.Uint64()
			if n <= last {
				continue
			}
			if n > last+1 {
				l.metrics.RecordLedgerGap()
				logger.Warn().Uint64("from_block", last+1).Uint64("to_block", n).Msg("catching up missed blocks")
			}
			if err := l.fetchRange(ctx, last+1, n); err != nil {
				return err
			}
			last = n
		}
	}
}

// previousRun returns the last block a previous run delivered, if any.
func (l *Listener) previousRun(ctx context.Context) (uint64, bool, error) {
	if l.checkpoint == nil {
		return 0, false, nil
	}
	block, ok, err := l.checkpoint.LoadCheckpoint(ctx, l.address.Hex())
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return block, ok, nil
}

// fetchRange fetches and delivers [from, to], split into maxRange chunks.
func (l *Listener) fetchRange(ctx context.Context, from, to uint64) error {
	for from <= to {
		end := to
		if l.maxRange > 0 && to-from+1 > l.maxRange {
			end = from + l.maxRange - 1
		}

		began := time.Now()
		logs, err := l.src.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: toBig(from),
			ToBlock:   toBig(end),
			Addresses: []common.Address{l.address},
		})
		if err != nil {
			return fmt.Errorf("fetch logs [%d, %d]: %w", from, end, err)
		}
		l.metrics.RecordLedgerRange(end, time.Since(began))

		events, err := decodeAll(logs)
		if err != nil {
			return err
		}
		if err := l.deliver(ctx, events); err != nil {
			return err
		}
		if l.checkpoint != nil && end > l.saved {
			if err := l.checkpoint.SaveCheckpoint(ctx, l.address.Hex(), end); err != nil {
				return fmt.Errorf("save checkpoint %d: %w", end, err)
			}
			l.saved = end
		}
		log.Debug().Uint64("from_block", from).Uint64("to_block", end).Int("events", len(events)).Msg("range delivered")

		from = end + 1
	}
	return nil
}

func decodeAll(logs []types.Log) ([]Event, error) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := Decode(lg)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (l *Listener) deliver(ctx context.Context, events []Event) error {
	var refs []models.OrderRef
	for _, ev := range events {
		l.metrics.RecordLedgerEvent(string(ev.Kind))
		if ev.Kind.IsOrderUpdate() {
			refs = append(refs, models.OrderRef{ID: ev.OrderID, Block: ev.Block})
			continue
		}
		for _, h := range l.handlers {
			if err := h.HandleMatched(ctx, ev); err != nil {
				return fmt.Errorf("handle matched orders at block %d: %w", ev.Block, err)
			}
		}
	}

	if len(refs) == 0 {
		return nil
	}
	for _, h := range l.handlers {
		if err := h.HandleOrders(ctx, refs); err != nil {
			return fmt.Errorf("handle %d order updates: %w", len(refs), err)
		}
	}
	return nil
}
