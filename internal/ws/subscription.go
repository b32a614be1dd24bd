package ws

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

// subscriptions tracks which clients follow which instruments. It is not
// locked; the Hub guards it with its own mutex.
type subscriptions struct {
	byClient     map[*Client]map[uint32]struct{}
	byInstrument map[uint32]map[*Client]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byClient:     make(map[*Client]map[uint32]struct{}),
		byInstrument: make(map[uint32]map[*Client]struct{}),
	}
}

func (s *subscriptions) add(c *Client, instrument uint32) {
	if s.byClient[c] == nil {
		s.byClient[c] = make(map[uint32]struct{})
	}
	s.byClient[c][instrument] = struct{}{}

	if s.byInstrument[instrument] == nil {
		s.byInstrument[instrument] = make(map[*Client]struct{})
	}
	s.byInstrument[instrument][c] = struct{}{}
}

func (s *subscriptions) remove(c *Client, instrument uint32) {
	if set, ok := s.byClient[c]; ok {
		delete(set, instrument)
		if len(set) == 0 {
			delete(s.byClient, c)
		}
	}
	if set, ok := s.byInstrument[instrument]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.byInstrument, instrument)
		}
	}
}

func (s *subscriptions) removeAll(c *Client) {
	for instrument := range s.byClient[c] {
		if set, ok := s.byInstrument[instrument]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.byInstrument, instrument)
			}
		}
	}
	delete(s.byClient, c)
}

func (s *subscriptions) clients(instrument uint32) map[*Client]struct{} {
	return s.byInstrument[instrument]
}

// SubscriptionMessage is sent by clients to follow more instruments, e.g.
// {"action":"subscribe","instruments":[2,3]}.
type SubscriptionMessage struct {
	Action      string   `json:"action"`
	Instruments []uint32 `json:"instruments"`
}

type EventType string

const (
	EventTypeSnapshot   EventType = "snapshot"
	EventTypeBook       EventType = "book"
	EventTypeExecution  EventType = "execution"
	EventTypeHeartbeat  EventType = "heartbeat"
	EventTypeSubscribed EventType = "subscription_ack"
	EventTypeError      EventType = "error"
)

// Event is the single outbound frame shape.
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Instrument uint32      `json:"instrument,omitempty"`
	Sequence   int64       `json:"sequence,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

func newEvent(t EventType, instrument uint32, data interface{}) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Instrument: instrument, Data: data}
}

// SnapshotData is sent once per subscription: the current book plus the most
// recent executions.
type SnapshotData struct {
	Book       *models.BookSnapshot `json:"book,omitempty"`
	Executions []models.Execution   `json:"executions"`
}

type SubscriptionAck struct {
	Action      string   `json:"action"`
	Success     bool     `json:"success"`
	Instruments []uint32 `json:"instruments"`
	Message     string   `json:"message,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal ws event")
		return nil
	}
	return data
}
