package models

import (
	"errors"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Order is a resting or incoming limit order. Price is in integer ticks.
// Only Volume changes once an order is admitted to a book.
type Order struct {
	ID           uint64 `json:"id"`
	InstrumentID uint32 `json:"instrument_id"`
	Side         Side   `json:"side"`
	Price        uint64 `json:"price"`
	Volume       uint64 `json:"volume"`
	Sequence     uint64 `json:"sequence"`
	Owner        string `json:"owner,omitempty"`
}

func (o *Order) Validate() error {
	if o.ID == 0 {
		return errors.New("id must be greater than 0")
	}
	if !o.Side.IsValid() {
		return errors.New("side must be 'buy' or 'sell'")
	}
	if o.Price == 0 {
		return errors.New("price must be greater than 0")
	}
	if o.Volume == 0 {
		return errors.New("volume must be greater than 0")
	}
	return nil
}

func (s Side) IsValid() bool {
	return s == Buy || s == Sell
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderMetadata is what an external resolver knows about an order id.
type OrderMetadata struct {
	Side   Side
	Price  uint64
	Volume uint64
}

// OrderRef names an order seen on the ledger at a given block.
type OrderRef struct {
	ID    uint64 `json:"id"`
	Block uint64 `json:"block"`
}
