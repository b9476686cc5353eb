package identity

import (
	"context"
	"database/sql"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"negotiator/api/internal/store"
)

type fakeUserStore struct {
	byUsername map[string]store.User
	byID       map[string]store.User
	created    []store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byUsername: map[string]store.User{},
		byID:       map[string]store.User{},
	}
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.created = append(f.created, user)
	f.byUsername[user.Username] = user
	f.byID[user.ID] = user
	return nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	user, ok := f.byUsername[username]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f.byID[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func TestRegisterHashesPassword(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	identity, err := svc.Register(context.Background(), "  avery  ", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if identity.Username != "avery" {
		t.Fatalf("expected trimmed username avery, got %q", identity.Username)
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected one created user, got %d", len(fs.created))
	}
	stored := fs.created[0]
	if stored.PasswordHash == "correct-horse" {
		t.Fatal("password stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct-horse")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	if _, err := svc.Register(context.Background(), "avery", "correct-horse"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(context.Background(), "avery", "other-password"); err != ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.Register(context.Background(), "avery", "short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestVerify(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	registered, err := svc.Register(context.Background(), "avery", "correct-horse")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	identity, err := svc.Verify(context.Background(), "avery", "correct-horse")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != registered.ID {
		t.Fatalf("expected id %q, got %q", registered.ID, identity.ID)
	}

	if _, err := svc.Verify(context.Background(), "avery", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Verify(context.Background(), "nobody", "correct-horse"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestLookupByUsernameNotFound(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.LookupByUsername(context.Background(), "ghost"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
