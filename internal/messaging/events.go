package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/turbofakesmile/haos-prediction-markets/internal/engine"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// EventType is the type field of every published envelope.
type EventType string

const (
	EventExecution EventType = "execution"
	EventBook      EventType = "book"
)

// Envelope wraps every outbound event.
type Envelope struct {
	Type         EventType       `json:"type"`
	InstrumentID uint32          `json:"instrument_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// RoutingKey returns "<type>.<instrument>", so consumers can bind to
// execution.* or book.7.
func RoutingKey(t EventType, instrument uint32) string {
	return string(t) + "." + strconv.FormatUint(uint64(instrument), 10)
}

func newEnvelope(t EventType, instrument uint32, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, InstrumentID: instrument, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

const (
	ActionUpsert = "upsert"
	ActionCancel = "cancel"
)

var ErrInvalidMessage = errors.New("invalid order message")

// OrderMessage is an order entry received from the order queue.
// An empty Action means upsert.
type OrderMessage struct {
	Action       string      `json:"action,omitempty"`
	ID           uint64      `json:"id"`
	InstrumentID uint32      `json:"instrument_id"`
	Side         models.Side `json:"side,omitempty"`
	Price        uint64      `json:"price,omitempty"`
	Volume       uint64      `json:"volume,omitempty"`
	Owner        string      `json:"owner,omitempty"`
}

// ParseOrderMessage decodes body and converts it to an ingestion command.
func ParseOrderMessage(body []byte) (engine.Command, error) {
	var msg OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return engine.Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg.Command()
}

func (m OrderMessage) Command() (engine.Command, error) {
	if m.ID == 0 {
		return engine.Command{}, fmt.Errorf("%w: id must be greater than 0", ErrInvalidMessage)
	}

	switch m.Action {
	case ActionCancel:
		return engine.CancelCommand(m.InstrumentID, m.ID), nil
	case "", ActionUpsert:
		if m.Volume == 0 {
			return engine.Command{}, engine.ErrInvalidVolume
		}
		order := models.Order{
			ID:           m.ID,
			InstrumentID: m.InstrumentID,
			Side:         m.Side,
			Price:        m.Price,
			Volume:       m.Volume,
			Owner:        m.Owner,
		}
		if err := order.Validate(); err != nil {
			return engine.Command{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return engine.UpsertCommand(order), nil
	default:
		return engine.Command{}, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, m.Action)
	}
}
