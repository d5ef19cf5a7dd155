// Package server defines the tagged event envelopes exchanged over the
// WebSocket wire. Every event has a fixed schema validated at the boundary
// before it is dispatched; unknown or malformed events are dropped.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client-to-server event names.
const (
	ClientEventTyping     = "typing"
	ClientEventStopTyping = "stopTyping"
)

// ErrUnknownEvent reports a client frame whose event name is not part of the
// wire contract.
var ErrUnknownEvent = errors.New("unknown client event")

// ClientEvent is the envelope of a client-to-server frame.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TypingData is the payload of typing and stopTyping client events.
type TypingData struct {
	ChatID string `json:"chatId"`
}

// ParseClientEvent decodes and validates a raw client frame. It returns an
// error for frames that are not valid JSON, carry an unknown event name, or
// fail their event's schema.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var evt ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return ClientEvent{}, fmt.Errorf("decoding client frame: %w", err)
	}

	switch evt.Event {
	case ClientEventTyping, ClientEventStopTyping:
		data, err := evt.TypingData()
		if err != nil {
			return ClientEvent{}, err
		}
		if strings.TrimSpace(data.ChatID) == "" {
			return ClientEvent{}, fmt.Errorf("%s event carries no chatId", evt.Event)
		}
	default:
		return ClientEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Event)
	}

	return evt, nil
}

// TypingData decodes the event payload as typing data.
func (e ClientEvent) TypingData() (TypingData, error) {
	var data TypingData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return TypingData{}, fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return data, nil
}

// serverEvent is the envelope of a server-to-client frame. The payload is one
// of the fixed event structs from the presence package, never a free-form map.
type serverEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func marshalServerEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(serverEvent{Event: event, Data: payload})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
