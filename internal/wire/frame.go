// Package wire defines the frames carried on live streams and their text/event-stream encoding.
//
// A frame is kind-agnostic: the entity payload stays raw JSON until a typed consumer decodes it.
// The JSON property holding the payload ("snippets", "folders", ...) is a serialization concern
// handled by Codec, so callers never look fields up by name.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type FrameType string

const (
	TypeInitial   FrameType = "initial"
	TypeUpdate    FrameType = "update"
	TypeHeartbeat FrameType = "heartbeat"
)

type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the three change actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Frame is one message on a live stream.
type Frame struct {
	Type FrameType
	// Action is set on update frames only.
	Action Action
	// Rows is the full snapshot of an initial frame.
	Rows []json.RawMessage
	// Payload is the new entity of an update frame.
	Payload json.RawMessage
	// Previous is the prior entity of an update frame, at least its identity on DELETE.
	Previous json.RawMessage
	// Partial marks an update whose payload had large fields dropped in transit. Consumers
	// must re-read the entity to get them.
	Partial bool
}

func Initial(rows []json.RawMessage) Frame {
	return Frame{Type: TypeInitial, Rows: rows}
}

func Update(action Action, payload, previous json.RawMessage) Frame {
	return Frame{Type: TypeUpdate, Action: action, Payload: payload, Previous: previous}
}

func Heartbeat() Frame {
	return Frame{Type: TypeHeartbeat}
}

const (
	previousKey = "old_data"
	partialKey  = "partial"
)

// Codec maps frames to and from their JSON shape for one top-level key.
type Codec struct {
	Key string
}

func (c Codec) Marshal(f Frame) ([]byte, error) {
	out := map[string]any{"type": f.Type}
	switch f.Type {
	case TypeInitial:
		rows := f.Rows
		if rows == nil {
			rows = []json.RawMessage{}
		}
		out[c.Key] = rows
	case TypeUpdate:
		out["action"] = f.Action
		out[c.Key] = rawOrNull(f.Payload)
		if !isNull(f.Previous) {
			out[previousKey] = f.Previous
		}
		if f.Partial {
			out[partialKey] = true
		}
	case TypeHeartbeat:
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return json.Marshal(out)
}

func (c Codec) Unmarshal(data []byte) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(fields["type"], &f.Type); err != nil {
		return Frame{}, fmt.Errorf("decode frame type: %w", err)
	}
	switch f.Type {
	case TypeInitial:
		if raw := fields[c.Key]; !isNull(raw) {
			if err := json.Unmarshal(raw, &f.Rows); err != nil {
				return Frame{}, fmt.Errorf("decode %s rows: %w", c.Key, err)
			}
		}
		if f.Rows == nil {
			f.Rows = []json.RawMessage{}
		}
	case TypeUpdate:
		if err := json.Unmarshal(fields["action"], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("decode frame action: %w", err)
		}
		if !f.Action.Valid() {
			return Frame{}, fmt.Errorf("unknown frame action %q", f.Action)
		}
		if raw := fields[c.Key]; !isNull(raw) {
			f.Payload = raw
		}
		if raw := fields[previousKey]; !isNull(raw) {
			f.Previous = raw
		}
		if raw := fields[partialKey]; !isNull(raw) {
			if err := json.Unmarshal(raw, &f.Partial); err != nil {
				return Frame{}, fmt.Errorf("decode frame partial flag: %w", err)
			}
		}
	case TypeHeartbeat:
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// Encode renders f as one text/event-stream event.
func (c Codec) Encode(f Frame) ([]byte, error) {
	body, err := c.Marshal(f)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 8)
	if err := WriteEvent(&buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return json.RawMessage("null")
	}
	return raw
}
