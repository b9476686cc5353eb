package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"negotiator/api/internal/config"
	"negotiator/api/internal/identity"
	"negotiator/api/internal/rbac"
	"negotiator/api/internal/room"
	"negotiator/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	lookupRefreshFn        func(context.Context, string) (store.User, error)
	saveRefreshFn          func(context.Context, string, string, time.Time) error
	revokeRefreshFn        func(context.Context, string) error
	insertContractFn       func(context.Context, store.Contract) error
	getContractFn          func(context.Context, string) (store.Contract, error)
	listContractsFn        func(context.Context, string) ([]store.Contract, error)
	updateContractFn       func(context.Context, string, string, string, time.Time) error
	updateParticipantsFn   func(context.Context, string, []rbac.Participant) error
	deleteContractFn       func(context.Context, string) error
	saveVersionFn          func(context.Context, store.Version) error
	listVersionsFn         func(context.Context, string) ([]store.Version, error)
	getVersionFn           func(context.Context, string, int) (store.Version, error)
	pingFn                 func(context.Context) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Username: "someone"}, nil
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshFn != nil {
		return f.saveRefreshFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, tokenHash)
	}
	return store.User{}, errors.New("token not found")
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshFn != nil {
		return f.revokeRefreshFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) InsertContract(ctx context.Context, item store.Contract) error {
	if f.insertContractFn != nil {
		return f.insertContractFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetContract(ctx context.Context, contractID string) (store.Contract, error) {
	if f.getContractFn != nil {
		return f.getContractFn(ctx, contractID)
	}
	return store.Contract{}, sql.ErrNoRows
}

func (f *fakeStore) ListContractsForUser(ctx context.Context, userID string) ([]store.Contract, error) {
	if f.listContractsFn != nil {
		return f.listContractsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateContract(ctx context.Context, contractID, title, content string, editedAt time.Time) error {
	if f.updateContractFn != nil {
		return f.updateContractFn(ctx, contractID, title, content, editedAt)
	}
	return nil
}

func (f *fakeStore) UpdateParticipants(ctx context.Context, contractID string, participants []rbac.Participant) error {
	if f.updateParticipantsFn != nil {
		return f.updateParticipantsFn(ctx, contractID, participants)
	}
	return nil
}

func (f *fakeStore) DeleteContract(ctx context.Context, contractID string) error {
	if f.deleteContractFn != nil {
		return f.deleteContractFn(ctx, contractID)
	}
	return nil
}

func (f *fakeStore) SaveVersion(ctx context.Context, v store.Version) error {
	if f.saveVersionFn != nil {
		return f.saveVersionFn(ctx, v)
	}
	return nil
}

func (f *fakeStore) ListVersions(ctx context.Context, contractID string) ([]store.Version, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, contractID)
	}
	return nil, nil
}

func (f *fakeStore) GetVersion(ctx context.Context, contractID string, version int) (store.Version, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, contractID, version)
	}
	return store.Version{}, sql.ErrNoRows
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeIdentities struct {
	registerFn         func(context.Context, string, string) (identity.UserIdentity, error)
	verifyFn           func(context.Context, string, string) (identity.UserIdentity, error)
	lookupFn           func(context.Context, string) (identity.UserIdentity, error)
	lookupByUsernameFn func(context.Context, string) (identity.UserIdentity, error)
}

func (f *fakeIdentities) Register(ctx context.Context, username, password string) (identity.UserIdentity, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, username, password)
	}
	return identity.UserIdentity{}, errors.New("register not configured")
}

func (f *fakeIdentities) Verify(ctx context.Context, username, password string) (identity.UserIdentity, error) {
	if f.verifyFn != nil {
		return f.verifyFn(ctx, username, password)
	}
	return identity.UserIdentity{}, identity.ErrInvalidCredentials
}

func (f *fakeIdentities) Lookup(ctx context.Context, userID string) (identity.UserIdentity, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, userID)
	}
	return identity.UserIdentity{}, identity.ErrUserNotFound
}

func (f *fakeIdentities) LookupByUsername(ctx context.Context, username string) (identity.UserIdentity, error) {
	if f.lookupByUsernameFn != nil {
		return f.lookupByUsernameFn(ctx, username)
	}
	return identity.UserIdentity{}, identity.ErrUserNotFound
}

func newTestService(fs *fakeStore, ids *fakeIdentities) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:      fs,
		sessions:   fs,
		identities: ids,
		registry:   room.NewRegistry(),
	}
}

func TestRefreshRotatesTokenAndRereadsUser(t *testing.T) {
	var revokedHash string
	fs := &fakeStore{
		lookupRefreshFn: func(_ context.Context, tokenHash string) (store.User, error) {
			return store.User{ID: "user-1"}, nil
		},
		revokeRefreshFn: func(_ context.Context, tokenHash string) error {
			revokedHash = tokenHash
			return nil
		},
		getUserByIDFn: func(_ context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Username: "alice-renamed"}, nil
		},
	}
	svc := newTestService(fs, &fakeIdentities{})

	session, err := svc.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if revokedHash == "" {
		t.Fatal("expected the old refresh token to be revoked")
	}
	if session.Username != "alice-renamed" {
		t.Fatalf("expected the fresh user record, got %q", session.Username)
	}
	if session.RefreshToken == "" || session.RefreshToken == "old-refresh-token" {
		t.Fatalf("expected a rotated refresh token, got %q", session.RefreshToken)
	}
}

func TestShareContractOwnerGrantTransfersOwnership(t *testing.T) {
	contract := store.Contract{
		ID: "ctr-1",
		Participants: []rbac.Participant{
			{UserID: "user-1", Role: rbac.RoleOwner},
			{UserID: "user-2", Role: rbac.RoleEditor},
		},
	}
	var saved []rbac.Participant
	fs := &fakeStore{
		getContractFn: func(_ context.Context, contractID string) (store.Contract, error) {
			return contract, nil
		},
		updateParticipantsFn: func(_ context.Context, contractID string, participants []rbac.Participant) error {
			saved = participants
			return nil
		},
	}
	ids := &fakeIdentities{
		lookupByUsernameFn: func(_ context.Context, username string) (identity.UserIdentity, error) {
			return identity.UserIdentity{ID: "user-2", Username: username}, nil
		},
	}
	svc := newTestService(fs, ids)

	_, err := svc.ShareContract(context.Background(), Session{UserID: "user-1"}, "ctr-1", ShareContractInput{Username: "bob", Role: "owner"})
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	roles := map[string]rbac.Role{}
	for _, participant := range saved {
		roles[participant.UserID] = participant.Role
	}
	if roles["user-2"] != rbac.RoleOwner {
		t.Fatalf("expected user-2 promoted to owner, got %q", roles["user-2"])
	}
	if roles["user-1"] != rbac.RoleEditor {
		t.Fatalf("expected previous owner demoted to editor, got %q", roles["user-1"])
	}
}

func TestShareContractRejectsOwnerSelfDemotion(t *testing.T) {
	contract := store.Contract{
		ID: "ctr-1",
		Participants: []rbac.Participant{
			{UserID: "user-1", Role: rbac.RoleOwner},
		},
	}
	fs := &fakeStore{
		getContractFn: func(_ context.Context, contractID string) (store.Contract, error) {
			return contract, nil
		},
		updateParticipantsFn: func(_ context.Context, _ string, _ []rbac.Participant) error {
			t.Fatal("participants must not change on a rejected share")
			return nil
		},
	}
	ids := &fakeIdentities{
		lookupByUsernameFn: func(_ context.Context, username string) (identity.UserIdentity, error) {
			return identity.UserIdentity{ID: "user-1", Username: username}, nil
		},
	}
	svc := newTestService(fs, ids)

	_, err := svc.ShareContract(context.Background(), Session{UserID: "user-1", Username: "alice"}, "ctr-1", ShareContractInput{Username: "alice", Role: "viewer"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestShareContractDefaultsToViewer(t *testing.T) {
	contract := store.Contract{
		ID: "ctr-1",
		Participants: []rbac.Participant{
			{UserID: "user-1", Role: rbac.RoleOwner},
		},
	}
	var saved []rbac.Participant
	fs := &fakeStore{
		getContractFn: func(_ context.Context, contractID string) (store.Contract, error) {
			return contract, nil
		},
		updateParticipantsFn: func(_ context.Context, contractID string, participants []rbac.Participant) error {
			saved = participants
			return nil
		},
	}
	ids := &fakeIdentities{
		lookupByUsernameFn: func(_ context.Context, username string) (identity.UserIdentity, error) {
			return identity.UserIdentity{ID: "user-9", Username: username}, nil
		},
	}
	svc := newTestService(fs, ids)

	_, err := svc.ShareContract(context.Background(), Session{UserID: "user-1"}, "ctr-1", ShareContractInput{Username: "dave", Role: "superuser"})
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(saved) != 2 || saved[1].UserID != "user-9" || saved[1].Role != rbac.RoleViewer {
		t.Fatalf("expected dave added as viewer, got %+v", saved)
	}
}

func TestCreateVersionUsesNextNumber(t *testing.T) {
	contract := store.Contract{
		ID:      "ctr-1",
		Title:   "NDA draft",
		Content: "current body",
		Participants: []rbac.Participant{
			{UserID: "user-2", Role: rbac.RoleEditor},
		},
		CurrentVersion: 4,
	}
	var saved store.Version
	fs := &fakeStore{
		getContractFn: func(_ context.Context, contractID string) (store.Contract, error) {
			return contract, nil
		},
		saveVersionFn: func(_ context.Context, v store.Version) error {
			saved = v
			return nil
		},
	}
	svc := newTestService(fs, &fakeIdentities{})

	payload, err := svc.CreateVersion(context.Background(), Session{UserID: "user-2"}, "ctr-1", CreateVersionInput{ChangeDescription: "before redline"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if saved.Version != 5 || saved.Content != "current body" || saved.CreatedBy != "user-2" {
		t.Fatalf("unexpected version record: %+v", saved)
	}
	if saved.ChangeDescription != "before redline" {
		t.Fatalf("unexpected description %q", saved.ChangeDescription)
	}
	if payload["version"] != 5 {
		t.Fatalf("unexpected payload version %v", payload["version"])
	}
}

func TestCreateVersionConflictMapsTo409(t *testing.T) {
	contract := store.Contract{
		ID:             "ctr-1",
		Participants:   []rbac.Participant{{UserID: "user-2", Role: rbac.RoleEditor}},
		CurrentVersion: 4,
	}
	fs := &fakeStore{
		getContractFn: func(_ context.Context, contractID string) (store.Contract, error) {
			return contract, nil
		},
		saveVersionFn: func(_ context.Context, v store.Version) error {
			return store.ErrVersionExists
		},
	}
	svc := newTestService(fs, &fakeIdentities{})

	_, err := svc.CreateVersion(context.Background(), Session{UserID: "user-2"}, "ctr-1", CreateVersionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 VERSION_CONFLICT, got %v", err)
	}
}
