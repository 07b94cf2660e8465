package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for envelopes whose type is not part of the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingType is returned for envelopes without a type field.
	ErrMissingType = errors.New("message type missing")
)

type envelope struct {
	Type Type `json:"type"`
}

// Encode renders an outbound message as a flat JSON envelope.
func Encode(msg Outbound) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

// EncodeInbound renders a client message; used by Go clients.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

func encode(kind Type, body any) ([]byte, error) {
	fields, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	head, err := json.Marshal(envelope{Type: kind})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	// Splice {"type":...} and the body's fields into a single object.
	if bytes.Equal(fields, []byte("{}")) {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(fields))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, fields[1:]...)
	return out, nil
}

func peekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// DecodeInbound parses a client message into its concrete type.
func DecodeInbound(data []byte) (Inbound, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeJoin:
		return decodeAs[Join](kind, data)
	case TypeLeave:
		return decodeAs[Leave](kind, data)
	case TypeStartEdit:
		return decodeAs[StartEdit](kind, data)
	case TypeStopEdit:
		return decodeAs[StopEdit](kind, data)
	case TypeCodeUpdate:
		return decodeAs[CodeUpdate](kind, data)
	case TypeCursorPosition:
		return decodeAs[CursorPosition](kind, data)
	case TypeChatMessage:
		return decodeAs[ChatMessage](kind, data)
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}

// DecodeOutbound parses a coordinator message; used by Go clients.
func DecodeOutbound(data []byte) (Outbound, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeCollaborators:
		return decodeAs[Collaborators](kind, data)
	case TypeEditGranted:
		return EditGranted{}, nil
	case TypeEditDenied:
		return decodeAs[EditDenied](kind, data)
	case TypeEditStarted:
		return decodeAs[EditStarted](kind, data)
	case TypeEditStopped:
		return decodeAs[EditStopped](kind, data)
	case TypeUserJoined:
		return decodeAs[UserJoined](kind, data)
	case TypeUserLeft:
		return decodeAs[UserLeft](kind, data)
	case TypeCodeUpdate:
		return decodeAs[CodeBroadcast](kind, data)
	case TypeCodeAccepted:
		return decodeAs[CodeAccepted](kind, data)
	case TypeCodePersisted:
		return decodeAs[CodePersisted](kind, data)
	case TypeCursorPosition:
		return decodeAs[CursorBroadcast](kind, data)
	case TypeChatMessage:
		return decodeAs[ChatBroadcast](kind, data)
	case TypePong:
		return Pong{}, nil
	case TypeWarning:
		return decodeAs[Warning](kind, data)
	case TypeError:
		return decodeAs[Error](kind, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}

func decodeAs[T any](kind Type, data []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed %s message: %w", kind, err)
	}
	return msg, nil
}
