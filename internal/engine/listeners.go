package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// ExecutionListener receives settled executions. Calls come from the matching
// worker goroutine and must not block.
type ExecutionListener interface {
	OnExecution(models.Execution)
}

// SnapshotListener receives book snapshots for market data.
type SnapshotListener interface {
	OnSnapshot(models.BookSnapshot)
}

type ExecutionListenerFunc func(models.Execution)

func (f ExecutionListenerFunc) OnExecution(e models.Execution) { f(e) }

type SnapshotListenerFunc func(models.BookSnapshot)

func (f SnapshotListenerFunc) OnSnapshot(s models.BookSnapshot) { f(s) }

type entry[T any] struct {
	id       uint64
	listener T
}

// Broadcaster fans worker output out to registered listeners. Listeners hold
// their own unsubscribe handle; the books never reference them.
type Broadcaster struct {
	mu         sync.RWMutex
	nextID     uint64
	executions []entry[ExecutionListener]
	snapshots  []entry[SnapshotListener]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers l for every capability it implements and returns a
// function that removes it. The returned function is safe to call twice.
func (b *Broadcaster) Subscribe(l any) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if el, ok := l.(ExecutionListener); ok {
		b.executions = append(b.executions, entry[ExecutionListener]{id: id, listener: el})
	}
	if sl, ok := l.(SnapshotListener); ok {
		b.snapshots = append(b.snapshots, entry[SnapshotListener]{id: id, listener: sl})
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.executions = without(b.executions, id)
		b.snapshots = without(b.snapshots, id)
	}
}

func without[T any](entries []entry[T], id uint64) []entry[T] {
	out := make([]entry[T], 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (b *Broadcaster) PublishExecution(e models.Execution) {
	b.mu.RLock()
	listeners := b.executions
	b.mu.RUnlock()

	for _, l := range listeners {
		deliver(func() { l.listener.OnExecution(e) })
	}
}

func (b *Broadcaster) PublishSnapshot(s models.BookSnapshot) {
	b.mu.RLock()
	listeners := b.snapshots
	b.mu.RUnlock()

	for _, l := range listeners {
		deliver(func() { l.listener.OnSnapshot(s) })
	}
}

// Listeners counts registrations per capability.
func (b *Broadcaster) Listeners() (executions, snapshots int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.executions), len(b.snapshots)
}

func deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

// SnapshotBoard keeps the latest snapshot per instrument for readers outside
// the worker goroutine.
type SnapshotBoard struct {
	mu    sync.RWMutex
	books map[uint32]models.BookSnapshot
}

func NewSnapshotBoard() *SnapshotBoard {
	return &SnapshotBoard{books: make(map[uint32]models.BookSnapshot)}
}

func (sb *SnapshotBoard) OnSnapshot(s models.BookSnapshot) {
	sb.mu.Lock()
	sb.books[s.InstrumentID] = s
	sb.mu.Unlock()
}

func (sb *SnapshotBoard) Get(instrument uint32) (models.BookSnapshot, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	s, ok := sb.books[instrument]
	return s, ok
}

func (sb *SnapshotBoard) Instruments() []uint32 {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make([]uint32, 0, len(sb.books))
	for id := range sb.books {
		out = append(out, id)
	}
	return out
}
