// Package room holds the ephemeral collaboration state: which sessions are
// live in which document room, presence relay, and the change broadcaster.
// Nothing here is durable; after a restart clients simply rejoin.
package room

import (
	"log"
	"sync"
)

// Room is the set of live sessions viewing one contract. Its own lock
// guards the session set so rooms operate independently of each other.
type Room struct {
	id       string
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry maps contract ids to rooms. The registry lock only guards the
// map itself; membership changes take the per-room lock, so traffic in one
// room never serializes another.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	// Per-contract mutation locks, shared with the broadcaster and the
	// REST mutation path. Entries are never evicted; the set is bounded
	// by the number of contracts touched since boot.
	docMu    sync.Mutex
	docLocks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		docLocks: make(map[string]*sync.Mutex),
	}
}

// DocLock returns the serialization lock for one contract. All mutating
// operations on the same contract (applyChange, createVersion, share,
// delete) hold it across their single persistence round-trip.
func (r *Registry) DocLock(contractID string) *sync.Mutex {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	lock, ok := r.docLocks[contractID]
	if !ok {
		lock = &sync.Mutex{}
		r.docLocks[contractID] = lock
	}
	return lock
}

func (r *Registry) room(contractID string) *Room {
	r.mu.RLock()
	room := r.rooms[contractID]
	r.mu.RUnlock()
	return room
}

func (r *Registry) roomOrCreate(contractID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[contractID]
	if !ok {
		room = &Room{id: contractID, sessions: make(map[string]*Session)}
		r.rooms[contractID] = room
	}
	return room
}

// Join adds a session to a room and notifies the other members. A session
// already in another room leaves it first; re-joining the same room is a
// no-op.
func (r *Registry) Join(sess *Session, contractID string) {
	if current := sess.room(); current == contractID {
		return
	} else if current != "" {
		r.Leave(sess)
	}

	room := r.roomOrCreate(contractID)
	room.mu.Lock()
	room.sessions[sess.ID] = sess
	room.mu.Unlock()
	sess.setRoom(contractID)

	frame, err := marshalEvent(EventUserJoined, PresencePayload{Username: sess.Username, SocketID: sess.ID})
	if err != nil {
		log.Printf("room %s: %v", contractID, err)
		return
	}
	room.broadcastExcept(sess.ID, frame)
}

// Leave removes a session from its room and notifies the remaining members.
// Calling it for a session that already left is a no-op: no error, no
// duplicate user-left broadcast.
func (r *Registry) Leave(sess *Session) {
	contractID := sess.room()
	if contractID == "" {
		return
	}
	room := r.room(contractID)
	sess.setRoom("")
	sess.setTyping(false)
	if room == nil {
		return
	}

	room.mu.Lock()
	_, present := room.sessions[sess.ID]
	delete(room.sessions, sess.ID)
	empty := len(room.sessions) == 0
	room.mu.Unlock()

	if empty {
		r.mu.Lock()
		if got, ok := r.rooms[contractID]; ok && got == room {
			room.mu.Lock()
			if len(room.sessions) == 0 {
				delete(r.rooms, contractID)
			}
			room.mu.Unlock()
		}
		r.mu.Unlock()
	}

	if !present {
		return
	}
	frame, err := marshalEvent(EventUserLeft, PresencePayload{Username: sess.Username, SocketID: sess.ID})
	if err != nil {
		log.Printf("room %s: %v", contractID, err)
		return
	}
	room.broadcastExcept(sess.ID, frame)
}

// Disconnect tears a session down: implicit leave plus queue close. It is
// the only cancellation signal and must clear the session deterministically.
func (r *Registry) Disconnect(sess *Session) {
	r.Leave(sess)
	sess.close()
}

// Relay fans a frame out to every member of a room, no exclusions. Used by
// the cross-instance bridge, where the originator lives elsewhere.
func (r *Registry) Relay(contractID string, frame []byte) {
	room := r.room(contractID)
	if room == nil {
		return
	}
	room.broadcastExcept("", frame)
}

// RoomSize reports current occupancy; zero for unknown rooms.
func (r *Registry) RoomSize(contractID string) int {
	room := r.room(contractID)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.sessions)
}

// broadcastExcept delivers a frame to every session except the named one.
// Dispatch is non-blocking per peer; ordering is per-sender only.
func (room *Room) broadcastExcept(exceptID string, frame []byte) {
	room.mu.Lock()
	peers := make([]*Session, 0, len(room.sessions))
	for id, sess := range room.sessions {
		if id == exceptID {
			continue
		}
		peers = append(peers, sess)
	}
	room.mu.Unlock()

	for _, peer := range peers {
		peer.enqueue(frame)
	}
}
