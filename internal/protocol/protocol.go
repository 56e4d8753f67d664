package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeAuth              MessageType = "auth"
	MessageTypeAuthRequired      MessageType = "auth_required"
	MessageTypeAuthSuccess       MessageType = "auth_success"
	MessageTypeAudioStreamStart  MessageType = "audio_stream_start"
	MessageTypeAudioChunk        MessageType = "audio_chunk"
	MessageTypeAudioStreamEnd    MessageType = "audio_stream_end"
	MessageTypeCommand           MessageType = "command"
	MessageTypeHybridMode        MessageType = "hybrid_mode"
	MessageTypeHybridModeUpdated MessageType = "hybrid_mode_updated"
	MessageTypeRecognitionResult MessageType = "recognition_result"
	MessageTypeAudioResponse     MessageType = "audio_response"
	MessageTypePing              MessageType = "ping"
	MessageTypePong              MessageType = "pong"
	MessageTypeError             MessageType = "error"
)

const (
	CodeAuthFailed              = "AUTH_FAILED"
	CodeAuthRequired            = "AUTH_REQUIRED"
	CodeStreamNotStarted        = "STREAM_NOT_STARTED"
	CodeStreamStartFailed       = "STREAM_START_FAILED"
	CodeAudioProcessingFailed   = "AUDIO_PROCESSING_FAILED"
	CodeStreamEndFailed         = "STREAM_END_FAILED"
	CodeCommandProcessingFailed = "COMMAND_PROCESSING_FAILED"
	CodeUnknownMessageType      = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidMessage          = "INVALID_MESSAGE"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
)

// Message is the wire envelope. Exactly one payload field is populated,
// discriminated by Type.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	Config *StreamConfig `json:"config,omitempty"`

	Data     string  `json:"data,omitempty"`
	Sequence int64   `json:"sequence,omitempty"`
	Duration float64 `json:"duration,omitempty"`

	Command string `json:"command,omitempty"`
	Context string `json:"context,omitempty"`

	Enabled *bool `json:"enabled,omitempty"`

	Transcript string  `json:"transcript,omitempty"`
	IsFinal    bool    `json:"isFinal,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	Format   string `json:"format,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	Code string `json:"code,omitempty"`
}

type StreamConfig struct {
	SampleRate int    `json:"sampleRate"`
	Format     string `json:"format"`
	Language   string `json:"language,omitempty"`
}

var knownTypes = map[MessageType]struct{}{
	MessageTypeAuth:              {},
	MessageTypeAuthRequired:      {},
	MessageTypeAuthSuccess:       {},
	MessageTypeAudioStreamStart:  {},
	MessageTypeAudioChunk:        {},
	MessageTypeAudioStreamEnd:    {},
	MessageTypeCommand:           {},
	MessageTypeHybridMode:        {},
	MessageTypeHybridModeUpdated: {},
	MessageTypeRecognitionResult: {},
	MessageTypeAudioResponse:     {},
	MessageTypePing:              {},
	MessageTypePong:              {},
	MessageTypeError:             {},
}

func KnownType(t MessageType) bool {
	_, ok := knownTypes[t]
	return ok
}

func Encode(msg *Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return &msg, nil
}

func NewError(code, message string) *Message {
	return &Message{
		Type:      MessageTypeError,
		Timestamp: time.Now(),
		Code:      code,
		Message:   message,
	}
}

func NewAuthRequired(message string) *Message {
	return &Message{
		Type:      MessageTypeAuthRequired,
		Timestamp: time.Now(),
		Message:   message,
	}
}

func NewAuthSuccess(sessionID, userID string) *Message {
	return &Message{
		Type:      MessageTypeAuthSuccess,
		Timestamp: time.Now(),
		SessionID: sessionID,
		UserID:    userID,
	}
}

func NewPing() *Message {
	return &Message{Type: MessageTypePing, Timestamp: time.Now()}
}

func NewPong() *Message {
	return &Message{Type: MessageTypePong, Timestamp: time.Now()}
}
