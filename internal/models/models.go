package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAuthExpired means the access token was rejected; a renewal
	// attempt is still possible.
	ErrAuthExpired = errors.New("access token expired")
	// ErrSessionInvalidated is terminal for the session: renewal failed
	// or a renewed token was rejected again. The caller must log out.
	ErrSessionInvalidated = errors.New("session invalidated")
	ErrNotConnected       = errors.New("transport not connected")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrNoActiveChat       = errors.New("no active conversation")
)

type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "private"
	ConversationKindGroup  ConversationKind = "group"
)

// ConversationSummary is the lightweight per-conversation record shown
// in a conversation list, as opposed to the full message history.
type ConversationSummary struct {
	ID                 string           `json:"id"`
	Participants       []string         `json:"participants"`
	Kind               ConversationKind `json:"type"`
	Name               string           `json:"name,omitempty"` // groups only
	CreatedAt          string           `json:"created_at"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	LastMessageAt      string           `json:"last_message_at,omitempty"`
	UnreadCount        int              `json:"unread_count"`
}

// Message is one entry of the active conversation's window.
// IsMine is derived client-side by comparing Sender to the local user.
type Message struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"` // RFC3339 with millisecond precision
	IsMine    bool   `json:"-"`
}

// SearchResult is one ranked hit from the semantic search endpoint.
type SearchResult struct {
	Content   string  `json:"content"`
	Sender    string  `json:"sender"`
	Timestamp string  `json:"timestamp"`
	Score     float64 `json:"score"`
}

type EventType string

const (
	// EventChatMessage is the broadcast of one chat message, inbound and
	// outbound alike.
	EventChatMessage EventType = "chat_message"
	// EventDeckUpdate is a side-channel sync event for the flashcard
	// tool; the session layer routes it without interpreting it.
	EventDeckUpdate EventType = "deck_update"
	// EventWildcard subscribes a handler to every envelope regardless of tag.
	EventWildcard EventType = "*"
)

// Envelope is one unit on the transport: a mandatory type tag plus the
// raw type-specific payload. Inbound frames without a tag are dropped
// before they reach the router.
type Envelope struct {
	Type EventType
	Raw  json.RawMessage
}

// ParseEnvelope probes the type tag of an inbound frame, keeping the
// full frame for the eventual typed decode.
func ParseEnvelope(data []byte) (Envelope, error) {
	var probe struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if probe.Type == "" {
		return Envelope{}, errors.New("envelope has no type tag")
	}
	return Envelope{Type: probe.Type, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// ChatMessageEvent is the inbound payload for EventChatMessage.
type ChatMessageEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	Content        string    `json:"content"`
	Timestamp      string    `json:"timestamp"`
}

// ChatMessageSend is the outbound frame for sending one chat message.
// DeckName carries the currently selected flashcard deck, if any, so
// the server can attach tool context to the message.
type ChatMessageSend struct {
	Type           EventType `json:"type"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	DeckName       string    `json:"deck_name,omitempty"`
}
