package engine

import "sort"

// BookSet maps instruments to their books. Like OrderBook it belongs to the
// matching worker and has no locking.
type BookSet struct {
	books map[uint32]*OrderBook
}

func NewBookSet() *BookSet {
	return &BookSet{books: make(map[uint32]*OrderBook)}
}

func (s *BookSet) Get(instrument uint32) (*OrderBook, bool) {
	ob, ok := s.books[instrument]
	return ob, ok
}

// GetOrCreate returns the book for instrument, creating an empty one if needed.
func (s *BookSet) GetOrCreate(instrument uint32) *OrderBook {
	if ob, ok := s.books[instrument]; ok {
		return ob
	}
	ob := NewOrderBook(instrument)
	s.books[instrument] = ob
	return ob
}

// Instruments lists instruments with a book, in ascending order.
func (s *BookSet) Instruments() []uint32 {
	out := make([]uint32, 0, len(s.books))
	for id := range s.books {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *BookSet) Len() int {
	return len(s.books)
}
