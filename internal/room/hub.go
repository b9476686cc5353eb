package room

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"negotiator/api/internal/identity"
)

// IdentityResolver is the best-effort lookup used when a join carries a
// username but the connection was not authenticated.
type IdentityResolver interface {
	LookupByUsername(ctx context.Context, username string) (identity.UserIdentity, error)
}

// Hub ties websocket connections to the registry and broadcaster. One
// ServeSocket call owns one connection for its whole lifetime.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	identities  IdentityResolver
	upgrader    websocket.Upgrader
}

func NewHub(registry *Registry, broadcaster *Broadcaster, identities IdentityResolver) *Hub {
	return &Hub{
		registry:    registry,
		broadcaster: broadcaster,
		identities:  identities,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeSocket upgrades the request and pumps events until the client goes
// away. The caller passes the authenticated identity when it has one; a
// zero identity admits the connection for presence only.
func (h *Hub) ServeSocket(w http.ResponseWriter, r *http.Request, user identity.UserIdentity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}

	sess := NewSession(user.ID, user.Username)
	go writePump(conn, sess)

	defer func() {
		h.registry.Disconnect(sess)
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(r.Context(), sess, raw)
	}
}

func (h *Hub) dispatch(ctx context.Context, sess *Session, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Printf("ws %s: bad frame: %v", sess.ID, err)
		return
	}

	switch envelope.Event {
	case EventJoinRoom:
		var payload JoinPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.RoomID == "" {
			return
		}
		h.resolveIdentity(ctx, sess, payload)
		h.registry.Join(sess, payload.RoomID)

	case EventLeaveRoom:
		h.registry.Leave(sess)

	case EventSendChanges:
		var payload SendChangesPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return
		}
		// Changes only apply to the room the session actually joined.
		if payload.RoomID == "" || payload.RoomID != sess.room() {
			return
		}
		h.broadcaster.ApplyChange(ctx, sess, payload.RoomID, payload.Delta)

	case EventCursorMove:
		var payload CursorMovePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return
		}
		h.registry.CursorMove(sess, payload.Position)

	case EventTypingStart:
		h.registry.SetTyping(sess, true)

	case EventTypingStop:
		h.registry.SetTyping(sess, false)
	}
}

// resolveIdentity fills in the session identity on join when the connection
// itself was not authenticated. A failed lookup still admits the session as
// present-only; the broadcaster treats it as role-none.
func (h *Hub) resolveIdentity(ctx context.Context, sess *Session, payload JoinPayload) {
	if sess.Username == "" && payload.Username != "" {
		sess.Username = payload.Username
	}
	if sess.UserID != "" || payload.Username == "" || h.identities == nil {
		return
	}
	resolved, err := h.identities.LookupByUsername(ctx, payload.Username)
	if err != nil {
		return
	}
	sess.UserID = resolved.ID
	sess.Username = resolved.Username
}

func writePump(conn *websocket.Conn, sess *Session) {
	for frame := range sess.Out() {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
