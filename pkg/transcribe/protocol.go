package transcribe

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType discriminates wire messages. Every message is one JSON object
// in one text frame with a "type" field.
type MessageType string

// Client → server.
const (
	TypeAudio MessageType = "audio"
	TypePing  MessageType = "ping"
)

// Server → client.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeTranscription         MessageType = "transcription"
	TypeError                 MessageType = "error"
	TypePong                  MessageType = "pong"
)

// ClientMessage is a message sent to the transcription service.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// AudioData is the base64 (standard alphabet, padded) segment payload.
	AudioData string `json:"audio_data,omitempty"`
}

// AudioMessage wraps an encoded segment for transmission.
func AudioMessage(payload []byte) ClientMessage {
	return ClientMessage{Type: TypeAudio, AudioData: base64.StdEncoding.EncodeToString(payload)}
}

// PingMessage returns a keepalive message.
func PingMessage() ClientMessage {
	return ClientMessage{Type: TypePing}
}

// Audio decodes the payload of an audio message.
func (m ClientMessage) Audio() ([]byte, error) {
	if m.Type != TypeAudio {
		return nil, &ProtocolError{Reason: fmt.Sprintf("not an audio message: %q", m.Type)}
	}
	b, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		return nil, &ProtocolError{Reason: "invalid audio_data", Err: err}
	}
	return b, nil
}

// ServerMessage is a message received from the transcription service. Only
// the fields relevant to Type are set.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"client_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// DecodeServerMessage parses one server frame. Malformed JSON, a missing type
// and unknown types are reported as *[ProtocolError].
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	switch m.Type {
	case TypeConnectionEstablished:
		if m.ClientID == "" {
			return ServerMessage{}, &ProtocolError{Reason: "connection_established without client_id"}
		}
	case TypeTranscription, TypeError, TypePong:
	case "":
		return ServerMessage{}, &ProtocolError{Reason: "missing type"}
	default:
		return ServerMessage{}, &ProtocolError{Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	return m, nil
}

// Result is one recognised utterance. Results are immutable.
type Result struct {
	Text string

	// Timestamp is the server's recognition time, or the receive time when the
	// server's value could not be parsed.
	Timestamp time.Time

	ClientID string
}

// timestampLayouts are tried in order. Servers commonly emit ISO 8601 without
// a zone (Python's datetime.isoformat), which is read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Result converts a transcription message. received is used when the
// message carries no parseable timestamp.
func (m ServerMessage) Result(received time.Time) Result {
	r := Result{Text: m.Text, ClientID: m.ClientID, Timestamp: received}
	ts := strings.TrimSpace(m.Timestamp)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			r.Timestamp = t
			break
		}
	}
	return r
}
