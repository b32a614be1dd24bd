package engine

import (
	"testing"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// BenchmarkOrderBook_Add benchmarks order insertion performance.
func BenchmarkOrderBook_Add(b *testing.B) {
	ob := NewOrderBook(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ob.Add(createTestOrder(uint64(i+1), models.Buy, 50000+uint64(i%100), 1))
	}
}

// BenchmarkOrderBook_UpdateAndMatch benchmarks the per-event path of the worker.
func BenchmarkOrderBook_UpdateAndMatch(b *testing.B) {
	ob := NewOrderBook(1)
	for i := 0; i < 1000; i++ {
		ob.Add(createTestOrder(uint64(i+1), models.Sell, 50000+uint64(i%100), 1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := uint64(1001 + i%500)
		ob.Update(createTestOrder(id, models.Buy, 49990+uint64(i%20), 1))
		ob.FindMatchingOrders()
	}
}

// BenchmarkOrderBook_Remove benchmarks order cancellation.
func BenchmarkOrderBook_Remove(b *testing.B) {
	ob := NewOrderBook(1)
	for i := 0; i < b.N; i++ {
		ob.Add(createTestOrder(uint64(i+1), models.Buy, 50000+uint64(i%100), 1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ob.Remove(uint64(i + 1))
	}
}

// BenchmarkIngestionQueue_SubmitDrain benchmarks producer/consumer handoff.
func BenchmarkIngestionQueue_SubmitDrain(b *testing.B) {
	q := NewIngestionQueue(1024, 0, nil)
	order := createTestOrder(1, models.Buy, 100, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.TrySubmit(UpsertCommand(order))
		if i%512 == 0 {
			q.Drain(0)
		}
	}
}
