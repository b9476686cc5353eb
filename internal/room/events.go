package room

import (
	"encoding/json"
	"fmt"
)

// Client-to-server events.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendChanges = "send-changes"
	EventCursorMove  = "cursor-move"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

// Server-to-client events.
const (
	EventReceiveChanges = "receive-changes"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventCursorUpdate   = "cursor-update"
	EventUserTyping     = "user-typing"
	EventChangeRejected = "change-rejected"
)

// Envelope is the wire frame for every room event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	UserID   string `json:"userId,omitempty"`
}

type LeavePayload struct {
	RoomID string `json:"roomId"`
}

type SendChangesPayload struct {
	RoomID string `json:"roomId"`
	// Delta is the full content string, not a patch: last writer wins.
	Delta string `json:"delta"`
}

type CursorMovePayload struct {
	RoomID   string          `json:"roomId"`
	Position json.RawMessage `json:"position"`
	Username string          `json:"username"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type PresencePayload struct {
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

type CursorUpdatePayload struct {
	SocketID string          `json:"socketId"`
	Position json.RawMessage `json:"position"`
	Username string          `json:"username"`
}

type UserTypingPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ChangeRejectedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

func marshalEvent(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
