package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type EventKind string

const (
	KindOrderPlaced   EventKind = "order_placed"
	KindOrderFilled   EventKind = "order_filled"
	KindOrdersMatched EventKind = "orders_matched"
)

// IsOrderUpdate reports whether the event names an order whose state changed.
func (k EventKind) IsOrderUpdate() bool {
	return k == KindOrderPlaced || k == KindOrderFilled
}

// Event is a decoded contract log.
type Event struct {
	Kind         EventKind
	OrderID      uint64
	TakerOrderID uint64
	MakerOrderID uint64
	Block        uint64
	TxHash       common.Hash
	Index        uint
}

// DecodeError is a log whose topic is known but whose payload does not match
// the expected layout.
type DecodeError struct {
	Event  string
	Block  uint64
	TxHash common.Hash
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at block %d tx %s: %v", e.Event, e.Block, e.TxHash.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode maps a raw log to an Event. Logs with an unrecognized topic return
// ok == false and no error.
func Decode(lg types.Log) (ev Event, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}

	ev = Event{Block: lg.BlockNumber, TxHash: lg.TxHash, Index: lg.Index}
	var name string
	switch lg.Topics[0] {
	case topicOrderPlaced:
		ev.Kind, name = KindOrderPlaced, eventOrderPlaced
	case topicOrderFilled:
		ev.Kind, name = KindOrderFilled, eventOrderFilled
	case topicOrdersMatched:
		ev.Kind, name = KindOrdersMatched, eventOrdersMatched
	default:
		return Event{}, false, nil
	}

	fail := func(err error) (Event, bool, error) {
		return Event{}, false, &DecodeError{Event: name, Block: lg.BlockNumber, TxHash: lg.TxHash, Err: err}
	}

	values, err := OrderBookABI.Events[name].Inputs.Unpack(lg.Data)
	if err != nil {
		return fail(err)
	}

	if ev.Kind == KindOrdersMatched {
		if len(values) != 2 {
			return fail(fmt.Errorf("expected 2 values, got %d", len(values)))
		}
		if ev.TakerOrderID, err = orderID(values[0]); err != nil {
			return fail(err)
		}
		if ev.MakerOrderID, err = orderID(values[1]); err != nil {
			return fail(err)
		}
		return ev, true, nil
	}

	if len(values) != 1 {
		return fail(fmt.Errorf("expected 1 value, got %d", len(values)))
	}
	if ev.OrderID, err = orderID(values[0]); err != nil {
		return fail(err)
	}
	return ev, true, nil
}

func orderID(v interface{}) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("order id has type %T", v)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("order id %s out of range", n)
	}
	return n.Uint64(), nil
}
