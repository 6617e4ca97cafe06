package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrNotJSON is returned for frames that are not a JSON object.
	ErrNotJSON = errors.New("frame is not a JSON object")
	// ErrMissingType is returned for objects without a string "type" field.
	ErrMissingType = errors.New("frame has no type")
)

// IsBinary reports whether a frame carries raw media rather than a JSON control frame.
func IsBinary(data []byte) bool {
	return len(data) == 0 || data[0] != '{'
}

// Decode parses a control frame into its concrete message type.
func Decode(data []byte) (Message, error) {
	if IsBinary(data) || !gjson.ValidBytes(data) {
		return nil, ErrNotJSON
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, ErrMissingType
	}

	var msg Message
	switch Kind(typ.Str) {
	case KindConnected:
		msg = &Connected{}
	case KindSessionInit:
		msg = &SessionInit{}
	case KindSelectWorkflow:
		msg = &SelectWorkflow{}
	case KindTextInput, KindUserInput:
		msg = &TextInput{}
	case KindUpdateMemory, KindMemoryUpdate:
		msg = &UpdateMemory{}
	case KindToolUse:
		msg = &ToolUse{}
	case KindToolResult:
		msg = &ToolResult{}
	case KindTranscript:
		msg = &Transcript{}
	case KindHandoffRequest:
		msg = &HandoffRequest{}
	case KindHandoffEvent:
		msg = &HandoffEvent{}
	case KindError:
		msg = &Error{}
	case KindPing:
		msg = &Ping{}
	case KindPong:
		msg = &Pong{}
	case KindSystemTurn:
		msg = &SystemTurn{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: typ.Str, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s frame: %w", typ.Str, err)
	}
	return deref(msg), nil
}

// deref returns the value form so callers switch on value types only.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Connected:
		return *m
	case *SessionInit:
		return *m
	case *SelectWorkflow:
		return *m
	case *TextInput:
		return *m
	case *UpdateMemory:
		return *m
	case *ToolUse:
		return *m
	case *ToolResult:
		return *m
	case *Transcript:
		return *m
	case *HandoffRequest:
		return *m
	case *HandoffEvent:
		return *m
	case *Error:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *SystemTurn:
		return *m
	}
	return msg
}

// Encode serializes msg and stamps its type field.
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		return u.Raw, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", msg.Kind(), err)
	}

	out, err := sjson.SetBytes(body, "type", string(msg.Kind()))
	if err != nil {
		return nil, fmt.Errorf("failed to stamp %s frame: %w", msg.Kind(), err)
	}
	return out, nil
}

// MustEncode is Encode for frames that are known to serialize.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}
