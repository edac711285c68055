package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names the kind of progress update stored in an execution log.
type EventType string

const (
	EventTypeStart      EventType = "start"
	EventTypeToken      EventType = "token"
	EventTypeToolCall   EventType = "tool_call"
	EventTypeToolResult EventType = "tool_result"
	EventTypeComplete   EventType = "complete"
	EventTypeError      EventType = "error"
)

// EventData is the payload of an ExecutionEvent. Every known event type has
// its own struct; anything else is carried as OpaqueData.
type EventData interface {
	EventType() EventType
}

type StartData struct {
	BlockID string          `json:"blockId,omitempty"`
	NodeID  string          `json:"nodeId,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

func (StartData) EventType() EventType { return EventTypeStart }

type TokenData struct {
	Content string `json:"content"`
}

func (TokenData) EventType() EventType { return EventTypeToken }

type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (ToolCallData) EventType() EventType { return EventTypeToolCall }

type ToolResultData struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

func (ToolResultData) EventType() EventType { return EventTypeToolResult }

type CompleteData struct {
	Output       json.RawMessage `json:"output,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
	TokensInput  int64           `json:"tokensInput,omitempty"`
	TokensOutput int64           `json:"tokensOutput,omitempty"`
}

func (CompleteData) EventType() EventType { return EventTypeComplete }

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (ErrorData) EventType() EventType { return EventTypeError }

// OpaqueData holds the payload of an event type this package does not know.
type OpaqueData struct {
	Type EventType
	Raw  json.RawMessage
}

func (d OpaqueData) EventType() EventType { return d.Type }

// EncodeEventData serialises an event payload for storage or transport.
func EncodeEventData(data EventData) (json.RawMessage, error) {
	if data == nil {
		return json.RawMessage("null"), nil
	}

	if opaque, ok := data.(OpaqueData); ok {
		if len(opaque.Raw) == 0 {
			return json.RawMessage("null"), nil
		}

		return opaque.Raw, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event data: %w", data.EventType(), err)
	}

	return raw, nil
}

// DecodeEventData turns a stored payload back into its typed variant.
func DecodeEventData(eventType EventType, raw json.RawMessage) (EventData, error) {
	switch eventType {
	case EventTypeStart:
		return decodeAs[StartData](eventType, raw)
	case EventTypeToken:
		return decodeAs[TokenData](eventType, raw)
	case EventTypeToolCall:
		return decodeAs[ToolCallData](eventType, raw)
	case EventTypeToolResult:
		return decodeAs[ToolResultData](eventType, raw)
	case EventTypeComplete:
		return decodeAs[CompleteData](eventType, raw)
	case EventTypeError:
		return decodeAs[ErrorData](eventType, raw)
	default:
		return OpaqueData{Type: eventType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeAs[T EventData](eventType EventType, raw json.RawMessage) (EventData, error) {
	var data T

	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s event data: %w", eventType, err)
	}

	return data, nil
}

// ExecutionEvent is one append-only entry in a block execution's log.
type ExecutionEvent struct {
	ExecutionID string
	Index       int
	Data        EventData
	CreatedAt   time.Time
}

func (e *ExecutionEvent) Type() EventType {
	if e.Data == nil {
		return ""
	}

	return e.Data.EventType()
}

type executionEventJSON struct {
	ExecutionID string          `json:"executionId"`
	Index       int             `json:"index"`
	Type        EventType       `json:"type"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (e ExecutionEvent) MarshalJSON() ([]byte, error) {
	data, err := EncodeEventData(e.Data)
	if err != nil {
		return nil, err
	}

	return json.Marshal(executionEventJSON{
		ExecutionID: e.ExecutionID,
		Index:       e.Index,
		Type:        e.Type(),
		Data:        data,
		CreatedAt:   e.CreatedAt,
	})
}

func (e *ExecutionEvent) UnmarshalJSON(b []byte) error {
	var wire executionEventJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	data, err := DecodeEventData(wire.Type, wire.Data)
	if err != nil {
		return err
	}

	*e = ExecutionEvent{
		ExecutionID: wire.ExecutionID,
		Index:       wire.Index,
		Data:        data,
		CreatedAt:   wire.CreatedAt,
	}

	return nil
}
