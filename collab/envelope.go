package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

// internal protocol envelope types
const (
	MessageTypeDiagramOperation MessageType = "diagram_operation"
	MessageTypeDiagramSave      MessageType = "diagram_save"
	MessageTypeCursorMove       MessageType = "cursor_move"
	MessageTypePresence         MessageType = "presence"
	MessageTypeUserJoined       MessageType = "user_joined"
	MessageTypeUserLeft         MessageType = "user_left"
	MessageTypeSessionEnded     MessageType = "session_ended"
	MessageTypeHeartbeat        MessageType = "heartbeat"
	MessageTypeAck              MessageType = "ack"
	MessageTypeError            MessageType = "error"
)

func (self MessageType) IsKnown() bool {
	switch self {
	case MessageTypeDiagramOperation,
		MessageTypeDiagramSave,
		MessageTypeCursorMove,
		MessageTypePresence,
		MessageTypeUserJoined,
		MessageTypeUserLeft,
		MessageTypeSessionEnded,
		MessageTypeHeartbeat,
		MessageTypeAck,
		MessageTypeError:
		return true
	default:
		return false
	}
}

// the typed event shape of the external protocol is keyed by this field
const typedEventField = "message_type"

// Envelope is the unit of the internal protocol.
// `Id` and `Timestamp` are assigned by the connection manager at send time.
// An ack is an envelope of type `ack` that carries the id of the acknowledged envelope.
type Envelope struct {
	Id          string          `json:"id"`
	Type        MessageType     `json:"type"`
	Timestamp   int64           `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
}

func NewEnvelope(messageType MessageType, data any) (*Envelope, error) {
	var dataBytes json.RawMessage
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", messageType, err)
		}
	}
	return &Envelope{
		Type: messageType,
		Data: dataBytes,
	}, nil
}

func RequireEnvelope(messageType MessageType, data any) *Envelope {
	envelope, err := NewEnvelope(messageType, data)
	if err != nil {
		panic(err)
	}
	return envelope
}

func (self *Envelope) DecodeData(v any) error {
	if len(self.Data) == 0 {
		return fmt.Errorf("%s envelope %s has no data", self.Type, self.Id)
	}
	return json.Unmarshal(self.Data, v)
}

func (self *Envelope) Time() time.Time {
	return time.UnixMilli(self.Timestamp)
}

// ack data. A non-empty `Error` means the peer refused the message.
type AckData struct {
	Error string `json:"error,omitempty"`
}

// NewAck builds the ack for `envelope`. `data` may be nil.
func NewAck(envelope *Envelope, data any) (*Envelope, error) {
	ack, err := NewEnvelope(MessageTypeAck, data)
	if err != nil {
		return nil, err
	}
	ack.Id = envelope.Id
	ack.Timestamp = time.Now().UnixMilli()
	return ack, nil
}

// TypedEvent is a frame of the external protocol, e.g. `{"message_type": "participants_update", ...}`.
// `Raw` is the whole frame.
type TypedEvent struct {
	MessageType string
	Raw         json.RawMessage
}

func (self *TypedEvent) Decode(v any) error {
	return json.Unmarshal(self.Raw, v)
}

func EncodeFrame(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

// DecodeFrame validates an inbound frame and returns exactly one of the envelope or the typed event.
// A malformed frame returns a `*ConnectionError` of kind `ErrorKindParseError`
// carrying at most `maxPayloadLength` bytes of the frame.
func DecodeFrame(frame []byte, maxPayloadLength int) (*Envelope, *TypedEvent, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, nil, newParseError(fmt.Sprintf("invalid json: %s", err), frame, maxPayloadLength)
	}

	if messageTypeBytes, ok := fields[typedEventField]; ok {
		var messageType string
		if err := json.Unmarshal(messageTypeBytes, &messageType); err != nil || messageType == "" {
			return nil, nil, newParseError("missing message_type", frame, maxPayloadLength)
		}
		typedEvent := &TypedEvent{
			MessageType: messageType,
			Raw:         json.RawMessage(frame),
		}
		return nil, typedEvent, nil
	}

	envelope := &Envelope{}
	if err := json.Unmarshal(frame, envelope); err != nil {
		return nil, nil, newParseError(fmt.Sprintf("invalid envelope: %s", err), frame, maxPayloadLength)
	}
	if envelope.Id == "" {
		return nil, nil, newParseError("missing id", frame, maxPayloadLength)
	}
	if envelope.Type == "" {
		return nil, nil, newParseError("missing type", frame, maxPayloadLength)
	}
	if !envelope.Type.IsKnown() {
		return nil, nil, newParseError(fmt.Sprintf("unknown type %q", envelope.Type), frame, maxPayloadLength)
	}
	return envelope, nil, nil
}
