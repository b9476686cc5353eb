package store

import (
	"time"

	"negotiator/api/internal/rbac"
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contract is the durable record of a shared document. Content is an opaque
// text blob (may contain markup); writes are full-content replaces.
type Contract struct {
	ID             string
	Title          string
	Content        string
	Participants   []rbac.Participant
	LastEditedAt   time.Time
	CurrentVersion int
	// EditCount drives the every-10th-edit auto snapshot. It is persisted
	// with the contract so checkpointing survives restarts.
	EditCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is an immutable snapshot. Never updated or deleted on its own;
// deleting the contract cascades to its versions.
type Version struct {
	ContractID        string
	Version           int
	Content           string
	Title             string
	CreatedBy         string
	ChangeDescription string
	CreatedAt         time.Time
}
