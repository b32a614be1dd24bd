package models

import (
	"errors"
	"time"
)

// MatchedOrders is a crossing pair. The maker is the lower id.
type MatchedOrders struct {
	InstrumentID uint32 `json:"instrument_id"`
	TakerOrderID uint64 `json:"taker_order_id"`
	MakerOrderID uint64 `json:"maker_order_id"`
}

func NewMatchedOrders(instrument uint32, a, b uint64) MatchedOrders {
	if a < b {
		return MatchedOrders{InstrumentID: instrument, TakerOrderID: b, MakerOrderID: a}
	}
	return MatchedOrders{InstrumentID: instrument, TakerOrderID: a, MakerOrderID: b}
}

// SamePair reports whether both values name the same taker and maker.
func (m MatchedOrders) SamePair(other MatchedOrders) bool {
	return m.TakerOrderID == other.TakerOrderID && m.MakerOrderID == other.MakerOrderID
}

func (m MatchedOrders) Validate() error {
	if m.TakerOrderID == 0 || m.MakerOrderID == 0 {
		return errors.New("order ids must be greater than 0")
	}
	if m.TakerOrderID == m.MakerOrderID {
		return errors.New("taker_order_id and maker_order_id must be different")
	}
	return nil
}

// Execution is published to both owners once a match settles.
type Execution struct {
	ID           string    `json:"id"`
	InstrumentID uint32    `json:"instrument_id"`
	TakerOrderID uint64    `json:"taker_order_id"`
	MakerOrderID uint64    `json:"maker_order_id"`
	TakerOwner   string    `json:"taker_owner,omitempty"`
	MakerOwner   string    `json:"maker_owner,omitempty"`
	TakerSide    Side      `json:"taker_side"`
	Price        uint64    `json:"price"`
	Quantity     uint64    `json:"quantity"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Block        uint64    `json:"block,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}
