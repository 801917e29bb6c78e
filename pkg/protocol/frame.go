// Package protocol defines the JSON wire schema exchanged between a
// relaybus client and server over one bidirectional streaming connection.
package protocol

import (
	"encoding/json"
	"regexp"
	"time"
)

// MaxPayloadBytes is the serialised size limit for a publish frame's data
// field.
const MaxPayloadBytes = 64 * 1024

// MaxLastN is the largest last_n a subscribe frame may request.
const MaxLastN = 1000

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// FrameType identifies the shape of a decoded frame by its "type" field.
type FrameType string

const (
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypePublish     FrameType = "publish"
	TypePing        FrameType = "ping"

	TypeInfo  FrameType = "info"
	TypeAck   FrameType = "ack"
	TypeEvent FrameType = "event"
	TypeError FrameType = "error"
	TypePong  FrameType = "pong"
)

// ClientFrame is the envelope every client→server frame decodes into.
// Validate checks only the fields relevant to Type.
type ClientFrame struct {
	Type   FrameType       `json:"type"`
	Topic  string          `json:"topic,omitempty"`
	LastN  int             `json:"last_n,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Validate checks the fields required for f.Type and reports the first
// violation found, per §6/§8's boundary conditions. An empty Type means the
// frame parsed as JSON but never carried a "type" field at all — that is a
// schema violation (INVALID_MESSAGE), distinct from a present-but-unrecognised
// type (UNKNOWN_MESSAGE_TYPE).
func (f *ClientFrame) Validate() error {
	switch f.Type {
	case TypeSubscribe:
		if err := ValidateTopicName(f.Topic); err != nil {
			return err
		}
		if err := ValidateLastN(f.LastN); err != nil {
			return err
		}
	case TypeUnsubscribe:
		return ValidateTopicName(f.Topic)
	case TypePublish:
		if err := ValidateTopicName(f.Topic); err != nil {
			return err
		}
		return ValidatePayloadSize(f.Data)
	case TypePing:
		return nil
	case "":
		return &FrameError{Code: "INVALID_MESSAGE", Message: "frame is missing a \"type\" field"}
	default:
		return &FrameError{Code: "UNKNOWN_MESSAGE_TYPE", Message: "unrecognised frame type: " + string(f.Type)}
	}
	return nil
}

// ValidateTopicName enforces the wire-level naming rule.
func ValidateTopicName(name string) error {
	if !topicNamePattern.MatchString(name) {
		return &FrameError{Code: "VALIDATION_ERROR", Message: "topic name must match [A-Za-z0-9_-]{1,256}"}
	}
	return nil
}

// ValidateLastN enforces the wire-level last_n range.
func ValidateLastN(n int) error {
	if n < 0 || n > MaxLastN {
		return &FrameError{Code: "VALIDATION_ERROR", Message: "last_n must be between 0 and 1000"}
	}
	return nil
}

// ValidatePayloadSize enforces the wire-level payload size limit.
func ValidatePayloadSize(data json.RawMessage) error {
	if len(data) > MaxPayloadBytes {
		return &FrameError{Code: "VALIDATION_ERROR", Message: "payload exceeds 64 KiB"}
	}
	return nil
}

// FrameError reports a decode or validation failure for one client frame.
// Every FrameError is per-message: the connection stays open and an error
// frame is sent back, never torn down.
type FrameError struct {
	Code    string
	Message string
}

func (e *FrameError) Error() string { return e.Code + ": " + e.Message }

// DecodeClientFrame unmarshals raw into a ClientFrame, translating a JSON
// syntax error into the wire-level INVALID_JSON code.
func DecodeClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &FrameError{Code: "INVALID_JSON", Message: err.Error()}
	}
	return &f, nil
}

// InfoFrame is sent once on connect, carrying the server-assigned client id.
type InfoFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// NewInfoFrame builds the connect-time info frame for clientID.
func NewInfoFrame(clientID string) InfoFrame {
	return InfoFrame{Type: TypeInfo, Message: "connected as " + clientID}
}

// AckFrame confirms a client request. Topic is omitted for request types
// that carry none (ping has no topic).
type AckFrame struct {
	Type        FrameType `json:"type"`
	RequestType FrameType `json:"request_type"`
	Topic       string    `json:"topic,omitempty"`
	Message     string    `json:"message"`
}

func NewAckFrame(requestType FrameType, topic, message string) AckFrame {
	return AckFrame{Type: TypeAck, RequestType: requestType, Topic: topic, Message: message}
}

// EventFrame carries one delivered message to a subscriber.
type EventFrame struct {
	Type      FrameType       `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"ts"`
}

func NewEventFrame(topic, messageID string, data json.RawMessage, ts time.Time) EventFrame {
	return EventFrame{Type: TypeEvent, Topic: topic, Data: data, MessageID: messageID, Timestamp: ts}
}

// ErrorFrame reports a stable error code back to the connection.
type ErrorFrame struct {
	Type    FrameType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewErrorFrame(code, message string, details map[string]any) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message, Details: details}
}

// PongFrame answers a ping.
type PongFrame struct {
	Type FrameType `json:"type"`
}

func NewPongFrame() PongFrame { return PongFrame{Type: TypePong} }
