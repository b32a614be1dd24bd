package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/config"
	"github.com/turbofakesmile/haos-prediction-markets/internal/metrics"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

const (
	recentExecutionsLimit = 100
	writeBuffer           = 1024
)

// RedisCache mirrors book snapshots and recent executions into Redis for
// readers outside this process.
//
// CACHING STRATEGY:
//   - Book snapshot: JSON under book:<instrument>, expires after bookTTL
//   - Best bid/ask: hash under book:best:<instrument>, same TTL
//   - Recent executions: capped list under executions:<instrument>
//
// Listener callbacks only enqueue; a single writer goroutine talks to Redis
// so the matching worker never waits on the network.
type RedisCache struct {
	client  *redis.Client
	bookTTL time.Duration
	metrics *metrics.Metrics

	writes chan func(ctx context.Context) error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewRedisCache initializes a Redis connection and starts the writer.
func NewRedisCache(cfg *config.Config, m *metrics.Metrics) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	c := &RedisCache{
		client:  client,
		bookTTL: 30 * time.Second,
		metrics: m,
		writes:  make(chan func(ctx context.Context) error, writeBuffer),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writer()
	return c, nil
}

func (c *RedisCache) writer() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.writes:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := fn(ctx); err != nil {
				log.Warn().Err(err).Msg("redis write failed")
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *RedisCache) enqueue(op string, fn func(ctx context.Context) error) {
	select {
	case c.writes <- fn:
	default:
		log.Warn().Str("operation", op).Msg("redis write buffer full, dropping update")
	}
}

// Close stops the writer and closes the Redis connection.
func (c *RedisCache) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return c.client.Close()
}

func bookKey(instrument uint32) string {
	return "book:" + strconv.FormatUint(uint64(instrument), 10)
}

func bestKey(instrument uint32) string {
	return "book:best:" + strconv.FormatUint(uint64(instrument), 10)
}

func executionsKey(instrument uint32) string {
	return "executions:" + strconv.FormatUint(uint64(instrument), 10)
}

func (c *RedisCache) OnSnapshot(s models.BookSnapshot) {
	c.enqueue("set_book", func(ctx context.Context) error { return c.SetBook(ctx, s) })
}

func (c *RedisCache) OnExecution(e models.Execution) {
	c.enqueue("add_execution", func(ctx context.Context) error { return c.AddRecentExecution(ctx, e) })
}

// SetBook stores the snapshot and its top of book in one pipeline.
func (c *RedisCache) SetBook(ctx context.Context, s models.BookSnapshot) error {
	start := time.Now()
	defer func() { c.metrics.RecordCacheOp("set_book", time.Since(start)) }()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	best := map[string]interface{}{"timestamp": s.Timestamp.UnixMilli()}
	if bid, ok := s.BestBid(); ok {
		best["bid_price"], best["bid_volume"] = bid.Price, bid.Volume
	}
	if ask, ok := s.BestAsk(); ok {
		best["ask_price"], best["ask_volume"] = ask.Price, ask.Volume
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, bookKey(s.InstrumentID), data, c.bookTTL)
	pipe.Del(ctx, bestKey(s.InstrumentID))
	pipe.HSet(ctx, bestKey(s.InstrumentID), best)
	pipe.Expire(ctx, bestKey(s.InstrumentID), c.bookTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetBook returns the cached snapshot, or ok == false when none is cached.
func (c *RedisCache) GetBook(ctx context.Context, instrument uint32) (models.BookSnapshot, bool, error) {
	data, err := c.client.Get(ctx, bookKey(instrument)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.BookSnapshot{}, false, nil
	}
	if err != nil {
		return models.BookSnapshot{}, false, err
	}

	var s models.BookSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return models.BookSnapshot{}, false, err
	}
	return s, true, nil
}

// AddRecentExecution pushes e onto the instrument's capped execution list.
func (c *RedisCache) AddRecentExecution(ctx context.Context, e models.Execution) error {
	start := time.Now()
	defer func() { c.metrics.RecordCacheOp("add_execution", time.Since(start)) }()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := executionsKey(e.InstrumentID)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentExecutionsLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns up to limit executions, newest first.
func (c *RedisCache) Recent(ctx context.Context, instrument uint32, limit int) ([]models.Execution, error) {
	if limit <= 0 || limit > recentExecutionsLimit {
		limit = recentExecutionsLimit
	}
	items, err := c.client.LRange(ctx, executionsKey(instrument), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Execution, 0, len(items))
	for _, item := range items {
		var e models.Execution
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Client exposes the connection for other Redis-backed components.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
