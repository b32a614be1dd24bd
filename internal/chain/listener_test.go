package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	queries    [][2]uint64
	filterErr  error
	heads      chan<- *types.Header
	subscribed chan struct{}
	subErr     chan error
}

func newFakeSource(head uint64, logs ...types.Log) *fakeSource {
	return &fakeSource{
		head:       head,
		logs:       logs,
		subscribed: make(chan struct{}),
		subErr:     make(chan error, 1),
	}
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.heads = ch
	f.mu.Unlock()
	close(f.subscribed)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-f.subErr:
			return err
		}
	}), nil
}

func (f *fakeSource) Queries() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.queries...)
}

func (f *fakeSource) pushHead(t *testing.T, n uint64) {
	t.Helper()
	select {
	case <-f.subscribed:
	case <-time.After(time.Second):
		t.Fatal("listener never subscribed")
	}
	f.heads <- &types.Header{Number: new(big.Int).SetUint64(n)}
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHandler) HandleMatched(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fmt.Sprintf("matched %d/%d@%d", ev.TakerOrderID, ev.MakerOrderID, ev.Block))
	return nil
}

func (h *recordingHandler) HandleOrders(_ context.Context, refs []models.OrderRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fmt.Sprintf("orders %v", refs))
	return nil
}

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type memCheckpoint struct {
	mu    sync.Mutex
	block uint64
	set   bool
}

func (m *memCheckpoint) LoadCheckpoint(context.Context, string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, m.set, nil
}

func (m *memCheckpoint) SaveCheckpoint(_ context.Context, _ string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block, m.set = block, true
	return nil
}

func (m *memCheckpoint) Block() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block
}

func startListener(t *testing.T, l *Listener) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Listen(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			t.Fatal("listener did not stop")
			return nil
		}
	}
}

func TestNewListener_RequiresAddress(t *testing.T) {
	_, err := NewListener(newFakeSource(0))
	assert.ErrorIs(t, err, ErrAddressRequired)
}

func TestListener_ReplayThenFollowHeads(t *testing.T) {
	src := newFakeSource(10,
		packLog(t, eventOrderPlaced, 3, 0, 1),
		packLog(t, eventOrderPlaced, 5, 0, 2),
		packLog(t, eventOrderFilled, 12, 0, 1),
		packLog(t, eventOrderFilled, 12, 1, 2),
		packLog(t, eventOrdersMatched, 12, 2, 2, 1),
		packLog(t, eventOrderPlaced, 15, 0, 3),
	)
	h := &recordingHandler{}
	l, err := NewListener(src, WithAddress(testAddress), WithHandler(h))
	require.NoError(t, err)
	stop := startListener(t, l)

	src.pushHead(t, 15)
	assert.Eventually(t, func() bool { return len(src.Queries()) == 2 }, time.Second, time.Millisecond)

	// a stale head is ignored, the next one is fetched alone
	src.pushHead(t, 15)
	src.pushHead(t, 16)
	assert.Eventually(t, func() bool { return len(src.Queries()) == 3 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, [][2]uint64{{1, 10}, {11, 15}, {16, 16}}, src.Queries())
	assert.Equal(t, []string{
		"orders [{1 3} {2 5}]",
		"matched 2/1@12",
		"orders [{1 12} {2 12} {3 15}]",
	}, h.Calls())
}

func TestListener_RestartReplaysFromStartBlock(t *testing.T) {
	src := newFakeSource(20,
		packLog(t, eventOrderPlaced, 19, 0, 9),
		packLog(t, eventOrderPlaced, 22, 0, 10),
		packLog(t, eventOrderPlaced, 25, 0, 11),
	)
	cp := &memCheckpoint{block: 20, set: true}
	h := &recordingHandler{}
	l, err := NewListener(src, WithAddress(testAddress), WithHandler(h), WithCheckpointer(cp))
	require.NoError(t, err)
	stop := startListener(t, l)

	src.pushHead(t, 25)
	assert.Eventually(t, func() bool { return cp.Block() == 25 }, time.Second, time.Millisecond)
	require.NoError(t, stop())

	// the books are rebuilt from block 1, the gap after the head is fetched once
	assert.Equal(t, [][2]uint64{{1, 20}, {21, 25}}, src.Queries())
	assert.Equal(t, []string{
		"orders [{9 19}]",
		"orders [{10 22} {11 25}]",
	}, h.Calls())
}

func TestListener_CheckpointNeverMovesBack(t *testing.T) {
	src := newFakeSource(10)
	cp := &memCheckpoint{block: 30, set: true}
	l, err := NewListener(src, WithAddress(testAddress), WithCheckpointer(cp), WithMaxRange(4))
	require.NoError(t, err)
	stop := startListener(t, l)

	<-src.subscribed
	require.NoError(t, stop())
	assert.Equal(t, uint64(30), cp.Block())
}

func TestListener_MaxRangeSplitsQueries(t *testing.T) {
	src := newFakeSource(10)
	l, err := NewListener(src, WithAddress(testAddress), WithMaxRange(4), WithStartBlock(1))
	require.NoError(t, err)
	stop := startListener(t, l)

	<-src.subscribed
	require.NoError(t, stop())
	assert.Equal(t, [][2]uint64{{1, 4}, {5, 8}, {9, 10}}, src.Queries())
}

func TestListener_TransportErrorIsFatal(t *testing.T) {
	src := newFakeSource(5)
	src.filterErr = errors.New("connection reset")
	l, err := NewListener(src, WithAddress(testAddress))
	require.NoError(t, err)

	err = l.Listen(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	assert.ErrorContains(t, err, "fetch logs [1, 5]")
}

func TestListener_SubscriptionErrorIsFatal(t *testing.T) {
	src := newFakeSource(0)
	l, err := NewListener(src, WithAddress(testAddress))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Listen(context.Background()) }()
	<-src.subscribed
	src.subErr <- errors.New("websocket closed")

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "websocket closed")
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListener_DecodeErrorIsFatal(t *testing.T) {
	bad := packLog(t, eventOrderPlaced, 2, 0, 1)
	bad.Data = nil
	src := newFakeSource(3, bad)
	l, err := NewListener(src, WithAddress(testAddress), WithHandler(&recordingHandler{}))
	require.NoError(t, err)

	err = l.Listen(context.Background())
	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestListener_IgnoresUnknownAndRemovedLogs(t *testing.T) {
	removed := packLog(t, eventOrderPlaced, 2, 1, 8)
	removed.Removed = true
	src := newFakeSource(3,
		types.Log{Address: testAddress, Topics: []common.Hash{common.HexToHash("0xdead")}, BlockNumber: 2},
		removed,
		packLog(t, eventOrderPlaced, 3, 0, 7),
	)
	h := &recordingHandler{}
	l, err := NewListener(src, WithAddress(testAddress), WithHandler(h))
	require.NoError(t, err)
	stop := startListener(t, l)

	<-src.subscribed
	require.NoError(t, stop())
	assert.Equal(t, []string{"orders [{7 3}]"}, h.Calls())
}
