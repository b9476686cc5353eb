package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"negotiator/api/internal/rbac"
)

// ErrVersionExists is returned when a snapshot with the same number was
// already appended by a racing writer. Callers treat it as benign: the
// checkpoint exists, numbers never collide.
var ErrVersionExists = errors.New("version already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Username, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// =============================================================================
// Refresh sessions and token revocation
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// =============================================================================
// Contracts
// =============================================================================

func (s *PostgresStore) InsertContract(ctx context.Context, item Contract) error {
	participants, err := json.Marshal(item.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, title, content, participants, last_edited_at, current_version, edit_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.Title, item.Content, participants, item.LastEditedAt, item.CurrentVersion, item.EditCount)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (Contract, error) {
	var item Contract
	var participants []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, participants, last_edited_at, current_version, edit_count, created_at, updated_at
		FROM contracts
		WHERE id=$1
	`, contractID).Scan(&item.ID, &item.Title, &item.Content, &participants, &item.LastEditedAt, &item.CurrentVersion, &item.EditCount, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Contract{}, err
	}
	if err := json.Unmarshal(participants, &item.Participants); err != nil {
		return Contract{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListContractsForUser(ctx context.Context, userID string) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, participants, last_edited_at, current_version, edit_count, created_at, updated_at
		FROM contracts
		WHERE participants @> jsonb_build_array(jsonb_build_object('userId', $1::text))
		ORDER BY last_edited_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	items := make([]Contract, 0)
	for rows.Next() {
		var item Contract
		var participants []byte
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &participants, &item.LastEditedAt, &item.CurrentVersion, &item.EditCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		if err := json.Unmarshal(participants, &item.Participants); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return items, nil
}

// ReplaceContent performs the full-content replace for an accepted edit and
// bumps the persisted edit counter in the same statement. Returns the
// contract's new edit count and current version for the snapshot policy.
func (s *PostgresStore) ReplaceContent(ctx context.Context, contractID, content string, editedAt time.Time) (editCount, currentVersion int, err error) {
	err = s.db.QueryRowContext(ctx, `
		UPDATE contracts
		SET content=$2, last_edited_at=$3, edit_count=edit_count+1, updated_at=NOW()
		WHERE id=$1
		RETURNING edit_count, current_version
	`, contractID, content, editedAt).Scan(&editCount, &currentVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("replace content: %w", err)
	}
	return editCount, currentVersion, nil
}

func (s *PostgresStore) UpdateContract(ctx context.Context, contractID, title, content string, editedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE contracts
		SET title=$2, content=$3, last_edited_at=$4, updated_at=NOW()
		WHERE id=$1
	`, contractID, title, content, editedAt)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateParticipants(ctx context.Context, contractID string, participants []rbac.Participant) error {
	encoded, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE contracts SET participants=$2, updated_at=NOW() WHERE id=$1
	`, contractID, encoded)
	if err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteContract(ctx context.Context, contractID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM contracts WHERE id=$1`, contractID)
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete contract: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =============================================================================
// Versions
// =============================================================================

// SaveVersion appends an immutable snapshot and advances the contract's
// current_version in one transaction. The unique (contract_id, version)
// index turns a cross-instance race into ErrVersionExists.
func (s *PostgresStore) SaveVersion(ctx context.Context, v Version) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version tx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contract_versions (contract_id, version, content, title, created_by, change_description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ContractID, v.Version, v.Content, v.Title, v.CreatedBy, v.ChangeDescription)
	if err != nil {
		_ = tx.Rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionExists
		}
		return fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contracts SET current_version=GREATEST(current_version, $2), updated_at=NOW() WHERE id=$1
	`, v.ContractID, v.Version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("advance current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, contractID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contract_id, version, content, title, created_by, change_description, created_at
		FROM contract_versions
		WHERE contract_id=$1
		ORDER BY version DESC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ContractID, &item.Version, &item.Content, &item.Title, &item.CreatedBy, &item.ChangeDescription, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, contractID string, version int) (Version, error) {
	var item Version
	err := s.db.QueryRowContext(ctx, `
		SELECT contract_id, version, content, title, created_by, change_description, created_at
		FROM contract_versions
		WHERE contract_id=$1 AND version=$2
	`, contractID, version).Scan(&item.ContractID, &item.Version, &item.Content, &item.Title, &item.CreatedBy, &item.ChangeDescription, &item.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}
