package engine

import (
	"time"

	"github.com/tidwall/btree"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

type bookSide = btree.BTreeG[*models.Order]

// OrderBook is a single instrument's price-time priority book.
// It is not safe for concurrent use; the matching worker owns it.
type OrderBook struct {
	instrument uint32
	bids       *bookSide
	asks       *bookSide
	ordersByID map[uint64]*models.Order
}

func NewOrderBook(instrument uint32) *OrderBook {
	opts := btree.Options{NoLocks: true}
	return &OrderBook{
		instrument: instrument,
		// best bid first: price desc, then id asc
		bids: btree.NewBTreeGOptions(func(a, b *models.Order) bool {
			if a.Price != b.Price {
				return a.Price > b.Price
			}
			return a.ID < b.ID
		}, opts),
		// best ask first: price asc, then id asc
		asks: btree.NewBTreeGOptions(func(a, b *models.Order) bool {
			if a.Price != b.Price {
				return a.Price < b.Price
			}
			return a.ID < b.ID
		}, opts),
		ordersByID: make(map[uint64]*models.Order),
	}
}

func (ob *OrderBook) Instrument() uint32 {
	return ob.instrument
}

func (ob *OrderBook) side(s models.Side) *bookSide {
	if s == models.Buy {
		return ob.bids
	}
	return ob.asks
}

// Add inserts a copy of order. Zero-volume orders and duplicate ids are rejected.
func (ob *OrderBook) Add(order models.Order) bool {
	if order.Volume == 0 || !order.Side.IsValid() {
		return false
	}
	if _, exists := ob.ordersByID[order.ID]; exists {
		return false
	}

	stored := order
	stored.InstrumentID = ob.instrument
	ob.side(stored.Side).Set(&stored)
	ob.ordersByID[stored.ID] = &stored
	return true
}

// Remove deletes the order with id from whichever side holds it.
func (ob *OrderBook) Remove(id uint64) bool {
	order, exists := ob.ordersByID[id]
	if !exists {
		return false
	}
	ob.side(order.Side).Delete(order)
	delete(ob.ordersByID, id)
	return true
}

// Update replaces any resting order with the same id. A zero volume only removes.
// It always succeeds, so unknown ids are created.
func (ob *OrderBook) Update(order models.Order) bool {
	ob.Remove(order.ID)
	if order.Volume > 0 {
		ob.Add(order)
	}
	return true
}

func (ob *OrderBook) BestBuy() (models.Order, bool) {
	o, ok := ob.bids.Min()
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

func (ob *OrderBook) BestSell() (models.Order, bool) {
	o, ok := ob.asks.Min()
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// BestCrossingPair returns the heads of both sides when the best bid is at or
// above the best ask.
func (ob *OrderBook) BestCrossingPair() (buy, sell models.Order, ok bool) {
	buy, okBuy := ob.BestBuy()
	sell, okSell := ob.BestSell()
	if !okBuy || !okSell || buy.Price < sell.Price {
		return models.Order{}, models.Order{}, false
	}
	return buy, sell, true
}

// FindMatchingOrders reports the best crossing pair without touching volumes.
func (ob *OrderBook) FindMatchingOrders() (models.MatchedOrders, bool) {
	buy, sell, ok := ob.BestCrossingPair()
	if !ok {
		return models.MatchedOrders{}, false
	}
	return models.NewMatchedOrders(ob.instrument, buy.ID, sell.ID), true
}

// ModifyOrderVolume subtracts delta from the order's volume, saturating at zero.
// An order that reaches zero is removed.
func (ob *OrderBook) ModifyOrderVolume(id uint64, delta uint64) bool {
	order, exists := ob.ordersByID[id]
	if !exists {
		return false
	}
	if delta >= order.Volume {
		ob.Remove(id)
		return true
	}
	// volume is not part of the tree key, so it can change in place
	order.Volume -= delta
	return true
}

func (ob *OrderBook) Get(id uint64) (models.Order, bool) {
	order, exists := ob.ordersByID[id]
	if !exists {
		return models.Order{}, false
	}
	return *order, true
}

func (ob *OrderBook) Len() int {
	return len(ob.ordersByID)
}

// Depth aggregates up to levels price levels per side, best first.
// levels <= 0 means all levels.
func (ob *OrderBook) Depth(levels int) (bids, asks []models.PriceLevel) {
	return aggregate(ob.bids, levels), aggregate(ob.asks, levels)
}

func aggregate(side *bookSide, levels int) []models.PriceLevel {
	out := make([]models.PriceLevel, 0)
	side.Scan(func(o *models.Order) bool {
		n := len(out)
		if n > 0 && out[n-1].Price == o.Price {
			out[n-1].Volume += o.Volume
			out[n-1].Orders++
			return true
		}
		if levels > 0 && n == levels {
			return false
		}
		out = append(out, models.PriceLevel{Price: o.Price, Volume: o.Volume, Orders: 1})
		return true
	})
	return out
}

func (ob *OrderBook) Snapshot(levels int) models.BookSnapshot {
	bids, asks := ob.Depth(levels)
	return models.BookSnapshot{
		InstrumentID: ob.instrument,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now(),
	}
}
