// Package server defines the wire protocol events exchanged with chat
// clients. Every frame is a single JSON object tagged with a "type" field.
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chatterup/chatterup/internal/store"
)

// Inbound event types.
const (
	EventJoin   = "join"
	EventSend   = "send-message"
	EventTyping = "typing"
	EventAvatar = "avatar"
)

// Outbound event types.
const (
	EventHistory  = "load-messages"
	EventUserList = "user-list"
	EventMessage  = "message"
	EventError    = "error"
)

// SystemAuthor is the display name attached to join/leave notices.
const SystemAuthor = "ChatterUp"

// inboundEvent is the superset of all client-to-server payloads. Only the
// fields relevant to the given Type are populated.
type inboundEvent struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Text    string `json:"text,omitempty"`
	Profile string `json:"profile,omitempty"`
	URL     string `json:"url,omitempty"`
}

type historyEvent struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

type userListEvent struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type messageEvent struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

type typingEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func encodeHistory(messages []store.Message) []byte {
	if messages == nil {
		messages = []store.Message{}
	}
	return encodeEvent(historyEvent{Type: EventHistory, Messages: messages})
}

func encodeUserList(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	return encodeEvent(userListEvent{Type: EventUserList, Users: users})
}

func encodeMessage(msg store.Message) []byte {
	return encodeEvent(messageEvent{Type: EventMessage, Message: msg})
}

func encodeTyping(username string) []byte {
	return encodeEvent(typingEvent{Type: EventTyping, Username: username})
}

func encodeError(message string) []byte {
	return encodeEvent(errorEvent{Type: EventError, Error: message})
}

func encodeEvent(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All event types marshal cleanly; hitting this means a programming error.
		slog.Error("failed to encode outbound event", "error", err)
		return nil
	}
	return data
}

// systemMessage builds a broadcast notice not authored by any user, such as
// "<name> joined the chat". It is never persisted.
func systemMessage(text, avatar string) store.Message {
	now := time.Now().UTC()
	return store.Message{
		Username:  SystemAuthor,
		Text:      text,
		Time:      now.Format("15:04:05"),
		Profile:   avatar,
		CreatedAt: now,
	}
}
