package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"negotiator/api/internal/rbac"
	"negotiator/api/internal/store"
)

type fakeContractStore struct {
	getContract    func(ctx context.Context, contractID string) (store.Contract, error)
	replaceContent func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error)
	saveVersion    func(ctx context.Context, v store.Version) error
}

func (f *fakeContractStore) GetContract(ctx context.Context, contractID string) (store.Contract, error) {
	return f.getContract(ctx, contractID)
}

func (f *fakeContractStore) ReplaceContent(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
	if f.replaceContent == nil {
		return 0, 0, errors.New("unexpected ReplaceContent call")
	}
	return f.replaceContent(ctx, contractID, content, editedAt)
}

func (f *fakeContractStore) SaveVersion(ctx context.Context, v store.Version) error {
	if f.saveVersion == nil {
		return errors.New("unexpected SaveVersion call")
	}
	return f.saveVersion(ctx, v)
}

func sharedContract() store.Contract {
	return store.Contract{
		ID:    "contract-1",
		Title: "NDA draft",
		Participants: []rbac.Participant{
			{UserID: "user-1", Role: rbac.RoleOwner},
			{UserID: "user-2", Role: rbac.RoleEditor},
			{UserID: "user-3", Role: rbac.RoleViewer},
		},
		CurrentVersion: 1,
	}
}

func TestApplyChangePersistsAndBroadcastsToPeersOnly(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	peer := NewSession("user-1", "alice")
	registry.Join(editor, "contract-1")
	registry.Join(peer, "contract-1")
	drainFrames(t, editor)
	drainFrames(t, peer)

	var persisted string
	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			persisted = content
			return 3, 1, nil
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "hello world")

	if persisted != "hello world" {
		t.Fatalf("expected content persisted, got %q", persisted)
	}
	peerFrames := drainFrames(t, peer)
	if len(peerFrames) != 1 || peerFrames[0].Event != EventReceiveChanges {
		t.Fatalf("expected receive-changes for peer, got %v", eventNames(peerFrames))
	}
	var delta string
	if err := json.Unmarshal(peerFrames[0].Payload, &delta); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if delta != "hello world" {
		t.Fatalf("unexpected delta %q", delta)
	}
	if frames := drainFrames(t, editor); len(frames) != 0 {
		t.Fatalf("sender must not receive its own change, got %v", eventNames(frames))
	}
}

func TestApplyChangeRejectsViewer(t *testing.T) {
	registry := NewRegistry()
	viewer := NewSession("user-3", "carol")
	peer := NewSession("user-1", "alice")
	registry.Join(viewer, "contract-1")
	registry.Join(peer, "contract-1")
	drainFrames(t, viewer)
	drainFrames(t, peer)

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), viewer, "contract-1", "sneaky edit")

	viewerFrames := drainFrames(t, viewer)
	if len(viewerFrames) != 1 || viewerFrames[0].Event != EventChangeRejected {
		t.Fatalf("expected change-rejected for the sender, got %v", eventNames(viewerFrames))
	}
	var payload ChangeRejectedPayload
	if err := json.Unmarshal(viewerFrames[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RoomID != "contract-1" || payload.Reason == "" {
		t.Fatalf("unexpected rejection payload: %+v", payload)
	}
	if frames := drainFrames(t, peer); len(frames) != 0 {
		t.Fatalf("rejected change must not reach peers, got %v", eventNames(frames))
	}
}

func TestApplyChangeRejectsUnresolvedSession(t *testing.T) {
	registry := NewRegistry()
	ghost := NewSession("", "ghost")
	registry.Join(ghost, "contract-1")

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), ghost, "contract-1", "edit")

	frames := drainFrames(t, ghost)
	if len(frames) != 1 || frames[0].Event != EventChangeRejected {
		t.Fatalf("expected change-rejected, got %v", eventNames(frames))
	}
}

func TestApplyChangeRejectsMissingContract(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	registry.Join(editor, "contract-9")

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return store.Contract{}, sql.ErrNoRows
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-9", "edit")

	frames := drainFrames(t, editor)
	if len(frames) != 1 || frames[0].Event != EventChangeRejected {
		t.Fatalf("expected change-rejected, got %v", eventNames(frames))
	}
}

func TestApplyChangeSnapshotsEveryTenthEdit(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	registry.Join(editor, "contract-1")

	var snapshots []store.Version
	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			return 10, 1, nil
		},
		saveVersion: func(ctx context.Context, v store.Version) error {
			snapshots = append(snapshots, v)
			return nil
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "tenth edit")

	if len(snapshots) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snapshots))
	}
	snap := snapshots[0]
	if snap.ContractID != "contract-1" || snap.Version != 2 {
		t.Fatalf("unexpected snapshot target: %+v", snap)
	}
	if snap.Content != "tenth edit" || snap.CreatedBy != "user-2" {
		t.Fatalf("unexpected snapshot payload: %+v", snap)
	}
	if snap.ChangeDescription != autoSnapshotDescription {
		t.Fatalf("unexpected description %q", snap.ChangeDescription)
	}
}

func TestApplyChangeSkipsSnapshotBetweenCheckpoints(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	registry.Join(editor, "contract-1")

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			return 7, 1, nil
		},
		saveVersion: func(ctx context.Context, v store.Version) error {
			t.Fatal("snapshot must not fire off-checkpoint")
			return nil
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "seventh edit")
}

func TestApplyChangeDuplicateSnapshotIsBenign(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	peer := NewSession("user-1", "alice")
	registry.Join(editor, "contract-1")
	registry.Join(peer, "contract-1")
	drainFrames(t, editor)
	drainFrames(t, peer)

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			return 10, 1, nil
		},
		saveVersion: func(ctx context.Context, v store.Version) error {
			return store.ErrVersionExists
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "tenth edit")

	peerFrames := drainFrames(t, peer)
	if len(peerFrames) != 1 || peerFrames[0].Event != EventReceiveChanges {
		t.Fatalf("duplicate snapshot must not block the broadcast, got %v", eventNames(peerFrames))
	}
}

func TestApplyChangeStorageFailureSkipsBroadcast(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	peer := NewSession("user-1", "alice")
	registry.Join(editor, "contract-1")
	registry.Join(peer, "contract-1")
	drainFrames(t, editor)
	drainFrames(t, peer)

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			return 0, 0, errors.New("connection reset")
		},
	}
	broadcaster := NewBroadcaster(registry, contractStore, nil)

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "lost edit")

	if frames := drainFrames(t, peer); len(frames) != 0 {
		t.Fatalf("unpersisted change must not reach peers, got %v", eventNames(frames))
	}
}

func TestApplyChangeForwardsToBridge(t *testing.T) {
	registry := NewRegistry()
	editor := NewSession("user-2", "bob")
	registry.Join(editor, "contract-1")

	contractStore := &fakeContractStore{
		getContract: func(ctx context.Context, contractID string) (store.Contract, error) {
			return sharedContract(), nil
		},
		replaceContent: func(ctx context.Context, contractID, content string, editedAt time.Time) (int, int, error) {
			return 1, 1, nil
		},
	}
	published := make(map[string][]byte)
	broadcaster := NewBroadcaster(registry, contractStore, publisherFunc(func(ctx context.Context, contractID string, frame []byte) {
		published[contractID] = frame
	}))

	broadcaster.ApplyChange(context.Background(), editor, "contract-1", "shared edit")

	frame, ok := published["contract-1"]
	if !ok {
		t.Fatal("expected the accepted change to reach the bridge")
	}
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if envelope.Event != EventReceiveChanges {
		t.Fatalf("unexpected bridged event %q", envelope.Event)
	}
}

type publisherFunc func(ctx context.Context, contractID string, frame []byte)

func (f publisherFunc) PublishChange(ctx context.Context, contractID string, frame []byte) {
	f(ctx, contractID, frame)
}
