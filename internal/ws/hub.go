package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/cache"
	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// SnapshotSource serves the latest published snapshot of an instrument.
// *engine.SnapshotBoard implements it.
type SnapshotSource interface {
	Get(instrument uint32) (models.BookSnapshot, bool)
}

// HubConfig holds configuration for the hub.
type HubConfig struct {
	HeartbeatInterval time.Duration
	RecentExecutions  int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatInterval: 30 * time.Second,
		RecentExecutions:  50,
	}
}

// Hub fans book snapshots and executions out to WebSocket clients
// subscribed to the instrument. It is registered with the engine's
// Broadcaster as both listener kinds.
//
// Delivery never blocks: a client whose send buffer is full misses the
// frame. Clients recover by reconnecting, which sends a fresh snapshot.
type Hub struct {
	cfg        HubConfig
	snapshots  SnapshotSource
	executions cache.ExecutionFeed
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	clients map[*Client]struct{}
	subs    *subscriptions
	seq     int64

	stop chan struct{}
	once sync.Once
}

// NewHub creates a hub. snapshots and executions may be nil.
func NewHub(cfg HubConfig, snapshots SnapshotSource, executions cache.ExecutionFeed, m *metrics.Metrics) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		cfg:        cfg,
		snapshots:  snapshots,
		executions: executions,
		metrics:    m,
		clients:    make(map[*Client]struct{}),
		subs:       newSubscriptions(),
		stop:       make(chan struct{}),
	}
}

// Run sends heartbeats until Stop, then disconnects every client.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.closeAll()
			log.Info().Msg("websocket hub stopped")
			return
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.subs.removeAll(c)
		delete(h.clients, c)
		close(c.send)
		h.metrics.RecordWSConnections(-1)
	}
}

// Register adds c, subscribes it to instrument and sends the initial snapshot.
func (h *Hub) Register(c *Client, instrument uint32) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RecordWSConnections(1)

	log.Debug().Str("client_id", c.ID()).Uint32("instrument", instrument).Msg("ws client registered")
	h.Subscribe(c, instrument)
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.subs.removeAll(c)
	delete(h.clients, c)
	close(c.send)
	h.metrics.RecordWSConnections(-1)
	log.Debug().Str("client_id", c.ID()).Msg("ws client unregistered")
}

func (h *Hub) Subscribe(c *Client, instrument uint32) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	h.subs.add(c, instrument)
	h.mu.Unlock()

	h.sendSnapshot(c, instrument)
}

func (h *Hub) Unsubscribe(c *Client, instrument uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs.remove(c, instrument)
}

func (h *Hub) sendSnapshot(c *Client, instrument uint32) {
	data := SnapshotData{Executions: []models.Execution{}}
	if h.snapshots != nil {
		if snap, ok := h.snapshots.Get(instrument); ok {
			data.Book = &snap
		}
	}
	if h.executions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		recent, err := h.executions.Recent(ctx, instrument, h.cfg.RecentExecutions)
		cancel()
		if err != nil {
			log.Warn().Err(err).Uint32("instrument", instrument).Msg("failed to load recent executions")
		} else {
			data.Executions = recent
		}
	}
	h.send(c, newEvent(EventTypeSnapshot, instrument, data))
}

// send delivers ev to one client if it is still registered.
func (h *Hub) send(c *Client, ev Event) {
	msg := toJSON(ev)
	if msg == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("client_id", c.ID()).Msg("ws send buffer full, dropping frame")
	}
}

// BroadcastToInstrument sends msg to every subscriber of instrument.
func (h *Hub) BroadcastToInstrument(instrument uint32, msgType EventType, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.subs.clients(instrument) {
		select {
		case c.send <- msg:
			h.metrics.RecordWSSent(instrument, string(msgType))
		default:
			log.Warn().Str("client_id", c.ID()).Uint32("instrument", instrument).Msg("ws send buffer full, dropping frame")
		}
	}
}

func (h *Hub) OnSnapshot(s models.BookSnapshot) {
	h.broadcast(EventTypeBook, s.InstrumentID, s)
}

func (h *Hub) OnExecution(e models.Execution) {
	h.broadcast(EventTypeExecution, e.InstrumentID, e)
}

func (h *Hub) broadcast(t EventType, instrument uint32, data interface{}) {
	h.mu.RLock()
	n := len(h.subs.clients(instrument))
	h.mu.RUnlock()
	if n == 0 {
		return
	}

	h.mu.Lock()
	h.seq++
	ev := newEvent(t, instrument, data)
	ev.Sequence = h.seq
	h.mu.Unlock()

	if msg := toJSON(ev); msg != nil {
		h.BroadcastToInstrument(instrument, t, msg)
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.Lock()
	h.seq++
	ev := newEvent(EventTypeHeartbeat, 0, nil)
	ev.Sequence = h.seq
	h.mu.Unlock()

	msg := toJSON(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of clients subscribed to instrument.
func (h *Hub) ClientCount(instrument uint32) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs.clients(instrument))
}

func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Instruments returns the instruments that have at least one subscriber.
func (h *Hub) Instruments() []uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint32, 0, len(h.subs.byInstrument))
	for instrument := range h.subs.byInstrument {
		out = append(out, instrument)
	}
	return out
}
