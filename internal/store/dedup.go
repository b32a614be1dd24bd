package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DedupStore remembers broker message ids so a redelivered order submission
// is not queued twice.
type DedupStore struct {
	db          *sql.DB
	ttl         time.Duration
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

type DedupConfig struct {
	MessageTTL      time.Duration // How long to keep message records
	CleanupInterval time.Duration // How often to run cleanup
}

func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		MessageTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

func NewDedupStore(db *sql.DB, config *DedupConfig) *DedupStore {
	if config == nil {
		config = DefaultDedupConfig()
	}

	store := &DedupStore{
		db:          db,
		ttl:         config.MessageTTL,
		cleanupDone: make(chan struct{}),
	}
	go store.startCleanup(config.CleanupInterval)
	return store
}

func (s *DedupStore) Stop() {
	s.stopOnce.Do(func() { close(s.cleanupDone) })
}

func (s *DedupStore) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupDone:
			return
		case <-ticker.C:
			count, err := s.CleanupExpired(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("failed to clean up processed messages")
			} else if count > 0 {
				log.Debug().Int("count", count).Msg("cleaned up processed messages")
			}
		}
	}
}

// TryProcess records messageID and reports whether this is its first sighting.
func (s *DedupStore) TryProcess(ctx context.Context, messageID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_messages (message_id, event_type, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (message_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, messageID, eventType, int64(s.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("mark message %s processed: %w", messageID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release forgets messageID so a redelivery is processed again.
func (s *DedupStore) Release(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("release message %s: %w", messageID, err)
	}
	return nil
}

func (s *DedupStore) CleanupExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired messages: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// MemoryDedup is the in-process fallback when no database is configured.
// Entries expire after ttl.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	return &MemoryDedup{ttl: ttl, seen: make(map[string]time.Time)}
}

func (m *MemoryDedup) TryProcess(_ context.Context, messageID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if exp, ok := m.seen[messageID]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.seen) > 10_000 {
		for id, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, id)
			}
		}
	}
	m.seen[messageID] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDedup) Release(_ context.Context, messageID string) error {
	m.mu.Lock()
	delete(m.seen, messageID)
	m.mu.Unlock()
	return nil
}
