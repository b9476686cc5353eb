package room

import (
	"encoding/json"
	"log"
)

// Presence events are stateless relays: nothing is persisted and the sender
// never hears its own event back. The server enforces no typing timeout; a
// session that never sends typing-stop clears implicitly on disconnect.

func (r *Registry) CursorMove(sess *Session, position json.RawMessage) {
	contractID := sess.room()
	if contractID == "" {
		return
	}
	room := r.room(contractID)
	if room == nil {
		return
	}
	frame, err := marshalEvent(EventCursorUpdate, CursorUpdatePayload{
		SocketID: sess.ID,
		Position: position,
		Username: sess.Username,
	})
	if err != nil {
		log.Printf("room %s: %v", contractID, err)
		return
	}
	room.broadcastExcept(sess.ID, frame)
}

func (r *Registry) SetTyping(sess *Session, typing bool) {
	contractID := sess.room()
	if contractID == "" {
		return
	}
	room := r.room(contractID)
	if room == nil {
		return
	}
	sess.setTyping(typing)
	frame, err := marshalEvent(EventUserTyping, UserTypingPayload{
		SocketID: sess.ID,
		Username: sess.Username,
		IsTyping: typing,
	})
	if err != nil {
		log.Printf("room %s: %v", contractID, err)
		return
	}
	room.broadcastExcept(sess.ID, frame)
}
