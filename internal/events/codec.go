package events

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire form of an Event on the websocket.
type Frame struct {
	Topic   Topic           `json:"topic"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame converts an event into its wire frame.
func EncodeFrame(event Event) (Frame, error) {
	var payload any
	switch event.Kind {
	case KindMessage:
		payload = event.Message
	case KindSeen:
		payload = event.Seen
	case KindClosed:
		payload = event.Closed
	case KindError:
		payload = event.Error
	default:
		return Frame{}, fmt.Errorf("encode frame: unknown kind %q", event.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event.Kind, err)
	}
	return Frame{Topic: event.Topic, Kind: event.Kind, Payload: raw}, nil
}

// DecodeFrame converts a wire frame back into a typed event.
func DecodeFrame(frame Frame) (Event, error) {
	event := Event{Kind: frame.Kind, Topic: frame.Topic}
	var target any
	switch frame.Kind {
	case KindMessage:
		event.Message = &MessagePayload{}
		target = event.Message
	case KindSeen:
		event.Seen = &SeenPayload{}
		target = event.Seen
	case KindClosed:
		event.Closed = &ClosedPayload{}
		target = event.Closed
	case KindError:
		target = &event.Error
	default:
		return Event{}, fmt.Errorf("decode frame: unknown kind %q", frame.Kind)
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", frame.Kind, err)
	}
	return event, nil
}
