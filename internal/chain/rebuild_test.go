package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

type stubResolver map[uint64]models.OrderMetadata

func (r stubResolver) Resolve(_ context.Context, id uint64) (models.OrderMetadata, error) {
	m, ok := r[id]
	if !ok {
		return models.OrderMetadata{}, ErrOrderNotFound
	}
	return m, nil
}

type pendingSettler struct {
	mu    sync.Mutex
	calls []models.MatchedOrders
}

func (s *pendingSettler) Settle(_ context.Context, matched models.MatchedOrders) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, matched)
	return "", errors.New("node unavailable")
}

func (s *pendingSettler) Calls() []models.MatchedOrders {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MatchedOrders(nil), s.calls...)
}

func TestListener_RestartRebuildsRestingOrders(t *testing.T) {
	const instrument = 1
	src := newFakeSource(20,
		packLog(t, eventOrderPlaced, 19, 0, 9),
		packLog(t, eventOrderPlaced, 22, 0, 10),
	)
	resolver := stubResolver{
		9:  {Side: models.Buy, Price: 11, Volume: 5},
		10: {Side: models.Sell, Price: 10, Volume: 5},
	}

	q := engine.NewIngestionQueue(64, time.Second, nil)
	settler := &pendingSettler{}
	coord := engine.NewSettlementCoordinator(settler, time.Second, nil).WithRetryDelay(time.Hour)
	b := engine.NewBroadcaster()
	board := engine.NewSnapshotBoard()
	b.Subscribe(board)
	w := engine.NewMatchingWorker(q, coord, resolver, b, engine.DefaultWorkerConfig(), nil)
	w.Start()
	defer func() {
		require.NoError(t, w.Stop())
		require.NoError(t, coord.Close(context.Background()))
	}()

	// a previous run already delivered everything up to block 20
	cp := &memCheckpoint{block: 20, set: true}
	l, err := NewListener(src,
		WithAddress(testAddress),
		WithHandler(NewQueueHandler(q, instrument)),
		WithCheckpointer(cp),
	)
	require.NoError(t, err)
	stop := startListener(t, l)

	src.pushHead(t, 22)
	assert.Eventually(t, func() bool { return len(settler.Calls()) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, models.NewMatchedOrders(instrument, 9, 10), settler.Calls()[0])
	snap, ok := board.Get(instrument)
	require.True(t, ok)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, uint64(11), snap.Bids[0].Price)
}
