package types

import (
	"context"
	"encoding/json"
)

// EventType identifies the kind of inbound chat event.
type EventType string

const (
	EventTypeText     EventType = "text"
	EventTypePostback EventType = "postback"
)

// Event is a single inbound delivery from the chat platform.
type Event struct {
	Type       EventType
	UserID     string
	ReplyToken string
	RequestID  string

	// Text message payload.
	Text string

	// Postback payload. Data carries the prefixed action string, Params the
	// picker results (date picker, time picker).
	PostbackData   string
	PostbackParams PostbackParams
}

type PostbackParams struct {
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

// MessageType is the outbound payload kind.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFlex MessageType = "flex"
)

// Message is a single outbound reply or push payload.
type Message struct {
	Type    MessageType
	Text    string
	AltText string
	// Contents holds the rendered flex bubble/carousel for flex messages.
	Contents json.RawMessage
}

// NewText builds a plain text message.
func NewText(text string) Message {
	return Message{Type: MessageTypeText, Text: text}
}

// NewFlex builds a flex message with its notification alt text.
func NewFlex(altText string, contents json.RawMessage) Message {
	return Message{Type: MessageTypeFlex, AltText: altText, Contents: contents}
}

// Channel is a chat transport: it receives inbound events and sends replies
// or unsolicited pushes.
type Channel interface {
	Start(ctx context.Context, handler func(Event)) error
	Reply(ctx context.Context, replyToken string, msgs []Message) error
	Push(ctx context.Context, userID string, msgs []Message) error
	ID() string
}
