package room

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"negotiator/api/internal/rbac"
	"negotiator/api/internal/store"
)

// autoSnapshotEvery is the accepted-edit interval between automatic version
// checkpoints.
const autoSnapshotEvery = 10

const autoSnapshotDescription = "auto-saved version"

// unknownUserID marks snapshots whose author identity could not be
// resolved. Unresolved sessions cannot pass the edit permission check, so
// this is a sentinel for defensive completeness, not an expected path.
const unknownUserID = "unknown"

// ContractStore is the slice of the document/version stores the
// broadcaster needs.
type ContractStore interface {
	GetContract(ctx context.Context, contractID string) (store.Contract, error)
	ReplaceContent(ctx context.Context, contractID, content string, editedAt time.Time) (editCount, currentVersion int, err error)
	SaveVersion(ctx context.Context, v store.Version) error
}

// Publisher forwards accepted changes to peers on other instances.
type Publisher interface {
	PublishChange(ctx context.Context, contractID string, frame []byte)
}

// Broadcaster applies content changes: permission gate, persist,
// conditional snapshot, fan-out. Later writes unconditionally overwrite
// earlier ones; there is no merge.
type Broadcaster struct {
	registry *Registry
	store    ContractStore
	bridge   Publisher
}

func NewBroadcaster(registry *Registry, contractStore ContractStore, bridge Publisher) *Broadcaster {
	return &Broadcaster{registry: registry, store: contractStore, bridge: bridge}
}

// ApplyChange handles one send-changes event from a session.
//
// An impermissible change is never persisted and never reaches peers; the
// sender gets an explicit change-rejected event so the no-op is observable.
// A storage failure skips the fan-out entirely: peers must not render
// content the store refused.
func (b *Broadcaster) ApplyChange(ctx context.Context, sess *Session, contractID, delta string) {
	contract, err := b.store.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			b.reject(sess, contractID, "contract not found")
			return
		}
		log.Printf("applyChange %s: load contract: %v", contractID, err)
		return
	}

	role := rbac.RoleOf(contract.Participants, sess.UserID)
	if !rbac.CanEdit(role) {
		b.reject(sess, contractID, "insufficient role")
		return
	}

	lock := b.registry.DocLock(contractID)
	lock.Lock()
	editCount, currentVersion, err := b.store.ReplaceContent(ctx, contractID, delta, time.Now())
	if err != nil {
		lock.Unlock()
		if errors.Is(err, sql.ErrNoRows) {
			b.reject(sess, contractID, "contract not found")
			return
		}
		log.Printf("applyChange %s: persist: %v", contractID, err)
		return
	}

	if editCount%autoSnapshotEvery == 0 {
		createdBy := sess.UserID
		if createdBy == "" {
			createdBy = unknownUserID
		}
		err := b.store.SaveVersion(ctx, store.Version{
			ContractID:        contractID,
			Version:           currentVersion + 1,
			Content:           delta,
			Title:             contract.Title,
			CreatedBy:         createdBy,
			ChangeDescription: autoSnapshotDescription,
		})
		if err != nil && !errors.Is(err, store.ErrVersionExists) {
			// The content write is already committed; a failed
			// checkpoint is logged, not retried, and never rolls
			// the content back.
			log.Printf("applyChange %s: auto snapshot v%d: %v", contractID, currentVersion+1, err)
		}
	}
	lock.Unlock()

	frame, err := marshalEvent(EventReceiveChanges, delta)
	if err != nil {
		log.Printf("applyChange %s: %v", contractID, err)
		return
	}
	if room := b.registry.room(contractID); room != nil {
		room.broadcastExcept(sess.ID, frame)
	}
	if b.bridge != nil {
		b.bridge.PublishChange(ctx, contractID, frame)
	}
}

func (b *Broadcaster) reject(sess *Session, contractID, reason string) {
	frame, err := marshalEvent(EventChangeRejected, ChangeRejectedPayload{RoomID: contractID, Reason: reason})
	if err != nil {
		log.Printf("applyChange %s: %v", contractID, err)
		return
	}
	sess.enqueue(frame)
}
