package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
	"github.com/turbofakesmile/haos-prediction-markets/internal/store"
)

func TestParseOrderMessage(t *testing.T) {
	cmd, err := ParseOrderMessage([]byte(`{"id":7,"instrument_id":2,"side":"buy","price":50,"volume":3,"owner":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, engine.CommandUpsert, cmd.Kind)
	assert.Equal(t, uint32(2), cmd.InstrumentID)
	assert.Equal(t, uint64(7), cmd.Order.ID)
	assert.Equal(t, models.Buy, cmd.Order.Side)
	assert.Equal(t, "alice", cmd.Order.Owner)

	cmd, err = ParseOrderMessage([]byte(`{"action":"cancel","id":7,"instrument_id":2}`))
	require.NoError(t, err)
	assert.Equal(t, engine.CommandCancel, cmd.Kind)
	assert.Equal(t, uint64(7), cmd.OrderID)
}

func TestParseOrderMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"malformed", `{`, ErrInvalidMessage},
		{"zero id", `{"id":0,"side":"buy","price":1,"volume":1}`, ErrInvalidMessage},
		{"zero volume", `{"id":1,"side":"buy","price":1,"volume":0}`, engine.ErrInvalidVolume},
		{"bad side", `{"id":1,"side":"hold","price":1,"volume":1}`, ErrInvalidMessage},
		{"unknown action", `{"action":"amend","id":1}`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOrderMessage([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "execution.3", RoutingKey(EventExecution, 3))
	assert.Equal(t, "book.12", RoutingKey(EventBook, 12))
}

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
	err     error
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return a.err
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return a.err
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type stubSubmitter struct {
	err  error
	cmds []engine.Command
}

func (s *stubSubmitter) Submit(_ context.Context, cmd engine.Command) error {
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func delivery(ack amqp.Acknowledger, id, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, MessageId: id, Body: []byte(body)}
}

const validOrder = `{"id":1,"instrument_id":1,"side":"sell","price":10,"volume":2}`

func TestOrderConsumer_Handle(t *testing.T) {
	sub := &stubSubmitter{}
	c := &OrderConsumer{topology: NewTopology("orders"), submitter: sub, dedup: store.NewMemoryDedup(time.Minute)}
	ack := &ackRecorder{}
	ctx := context.Background()

	c.handle(ctx, delivery(ack, "m1", validOrder))
	c.handle(ctx, delivery(ack, "m1", validOrder))
	c.handle(ctx, delivery(ack, "m2", `{"id":1,"volume":0}`))

	require.Len(t, sub.cmds, 1)
	assert.Equal(t, 2, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.Equal(t, []bool{false}, ack.requeue)
}

func TestOrderConsumer_QueueFullRequeuesAndForgets(t *testing.T) {
	sub := &stubSubmitter{err: engine.ErrQueueFull}
	dedup := store.NewMemoryDedup(time.Minute)
	c := &OrderConsumer{topology: NewTopology("orders"), submitter: sub, dedup: dedup}
	ack := &ackRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.handle(ctx, delivery(ack, "m1", validOrder))

	assert.Equal(t, []bool{true}, ack.requeue)

	first, err := dedup.TryProcess(context.Background(), "m1", "upsert")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestOrderConsumer_LedgerInstrumentIsDeadLettered(t *testing.T) {
	q := engine.NewIngestionQueue(8, time.Second, nil).ReserveForLedger(1)
	dedup := store.NewMemoryDedup(time.Minute)
	c := &OrderConsumer{topology: NewTopology("orders"), submitter: q, dedup: dedup}
	ack := &ackRecorder{}
	ctx := context.Background()

	c.handle(ctx, delivery(ack, "m1", validOrder))
	c.handle(ctx, delivery(ack, "m2", `{"action":"cancel","id":1,"instrument_id":1}`))
	c.handle(ctx, delivery(ack, "m3", `{"action":"cancel","id":1,"instrument_id":2}`))

	assert.Equal(t, []bool{false, false}, ack.requeue)
	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 1, q.Len())
}

func TestOrderConsumer_LogsAckFailures(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	c := &OrderConsumer{topology: NewTopology("orders"), submitter: &stubSubmitter{}}
	ack := &ackRecorder{err: amqp.ErrClosed}
	ctx := context.Background()

	c.handle(ctx, delivery(ack, "m1", validOrder))
	c.handle(ctx, delivery(ack, "m2", `not json`))

	assert.Contains(t, buf.String(), "failed to ack order message")
	assert.Contains(t, buf.String(), "failed to nack order message")
	assert.Contains(t, buf.String(), `"message_id":"m2"`)
}

func TestTopology_DeathCount(t *testing.T) {
	tp := NewTopology("matching.orders")
	assert.Equal(t, "matching.orders.dlx", tp.DeadLetterExchange)
	assert.Equal(t, "matching.orders.dlq", tp.DeadLetterQueue)

	headers := amqp.Table{"x-death": []interface{}{
		amqp.Table{"count": int64(2)},
		amqp.Table{"count": int64(1)},
	}}
	assert.Equal(t, int64(3), deathCount(headers))
	assert.Equal(t, int64(0), deathCount(nil))
}

type recordingChannel struct {
	mu   sync.Mutex
	msgs []amqp.Publishing
	keys []string
}

func (r *recordingChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.keys = append(r.keys, key)
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestPublisher_PublishesEnvelopes(t *testing.T) {
	ch := &recordingChannel{}
	p := newPublisher(ch, nil, "matching.events", nil)
	defer p.Close()

	p.OnExecution(models.Execution{ID: "x1", InstrumentID: 4, Price: 10, Quantity: 2})
	p.OnSnapshot(models.BookSnapshot{InstrumentID: 4})

	require.Eventually(t, func() bool { return ch.count() == 2 }, time.Second, 5*time.Millisecond)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []string{"execution.4", "book.4"}, ch.keys)

	var env Envelope
	require.NoError(t, json.Unmarshal(ch.msgs[0].Body, &env))
	assert.Equal(t, EventExecution, env.Type)
	var e models.Execution
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	assert.Equal(t, "x1", e.ID)
	assert.NotEmpty(t, ch.msgs[0].MessageId)
}
