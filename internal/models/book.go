package models

import "time"

type PriceLevel struct {
	Price  uint64 `json:"price"`
	Volume uint64 `json:"volume"`
	Orders int    `json:"orders"`
}

// BookSnapshot is the public view of one instrument's book.
type BookSnapshot struct {
	InstrumentID uint32       `json:"instrument_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

func (s BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

func (s BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}
