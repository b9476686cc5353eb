package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"negotiator/api/internal/auth"
	"negotiator/api/internal/config"
	"negotiator/api/internal/identity"
	"negotiator/api/internal/rbac"
	"negotiator/api/internal/room"
	"negotiator/api/internal/search"
	"negotiator/api/internal/store"
	"negotiator/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

type UpdateContractInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type ShareContractInput struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type CreateVersionInput struct {
	ChangeDescription string `json:"changeDescription"`
}

const defaultChangeDescription = "Auto-saved version"

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertContract(context.Context, store.Contract) error
	GetContract(context.Context, string) (store.Contract, error)
	ListContractsForUser(context.Context, string) ([]store.Contract, error)
	UpdateContract(context.Context, string, string, string, time.Time) error
	UpdateParticipants(context.Context, string, []rbac.Participant) error
	DeleteContract(context.Context, string) error
	SaveVersion(context.Context, store.Version) error
	ListVersions(context.Context, string) ([]store.Version, error)
	GetVersion(context.Context, string, int) (store.Version, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Postgres implements it as the default;
// Redis replaces it when configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type identityService interface {
	Register(ctx context.Context, username, password string) (identity.UserIdentity, error)
	Verify(ctx context.Context, username, password string) (identity.UserIdentity, error)
	Lookup(ctx context.Context, userID string) (identity.UserIdentity, error)
	LookupByUsername(ctx context.Context, username string) (identity.UserIdentity, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexContract(record search.ContractRecord)
	DeleteContract(id string)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	identities identityService
	registry   *room.Registry
	search     searchService
}

// New wires the service with refresh tokens stored in Postgres. searchSvc may
// be nil when search is not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, identities *identity.Service, registry *room.Registry, searchSvc *search.Service) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, identities, registry, searchSvc)
}

// NewWithSessionStore wires the service with a dedicated refresh token store,
// typically Redis.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, identities *identity.Service, registry *room.Registry, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		identities: identities,
		registry:   registry,
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func (s *Service) Register(ctx context.Context, username, password string) (Session, error) {
	user, err := s.identities.Register(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.identities.Verify(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	record, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the user so a renamed or deleted account is observed on
	// rotation, not carried forward from the stored session.
	user, err := s.store.GetUserByID(ctx, record.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, identity.UserIdentity{ID: user.ID, Username: user.Username})
}

func (s *Service) issueSession(ctx context.Context, user identity.UserIdentity) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateContract makes the caller the sole owner of a new, empty contract.
func (s *Service) CreateContract(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled Contract"
	}

	now := time.Now()
	contract := store.Contract{
		ID:    util.NewID("ctr"),
		Title: title,
		Participants: []rbac.Participant{
			{UserID: session.UserID, Role: rbac.RoleOwner},
		},
		LastEditedAt:   now,
		CurrentVersion: 1,
	}
	if err := s.store.InsertContract(ctx, contract); err != nil {
		return nil, err
	}
	stored, err := s.store.GetContract(ctx, contract.ID)
	if err != nil {
		return nil, err
	}
	s.indexContract(stored)
	return contractPayload(stored), nil
}

func (s *Service) ListContracts(ctx context.Context, session Session) ([]map[string]any, error) {
	contracts, err := s.store.ListContractsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(contracts))
	for _, contract := range contracts {
		payload = append(payload, contractPayload(contract))
	}
	return payload, nil
}

func (s *Service) GetContract(ctx context.Context, session Session, contractID string) (map[string]any, error) {
	contract, _, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	return contractPayload(contract), nil
}

func (s *Service) UpdateContract(ctx context.Context, session Session, contractID string, input UpdateContractInput) (map[string]any, error) {
	contract, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, domainError(403, "FORBIDDEN", "Editing requires the editor or owner role", nil)
	}

	title := contract.Title
	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(422, "VALIDATION_ERROR", "title cannot be blank", nil)
		}
	}
	content := contract.Content
	if input.Content != nil {
		content = *input.Content
	}

	lock := s.registry.DocLock(contractID)
	lock.Lock()
	err = s.store.UpdateContract(ctx, contractID, title, content, time.Now())
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	s.indexContract(updated)
	return contractPayload(updated), nil
}

func (s *Service) DeleteContract(ctx context.Context, session Session, contractID string) error {
	_, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return err
	}
	if !rbac.CanDelete(role) {
		return domainError(403, "FORBIDDEN", "Only the owner can delete a contract", nil)
	}

	lock := s.registry.DocLock(contractID)
	lock.Lock()
	err = s.store.DeleteContract(ctx, contractID)
	lock.Unlock()
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteContract(contractID)
	}
	return nil
}

// ShareContract grants or updates the target user's role. Granting owner is a
// transfer: the current owner steps down to editor so the contract keeps
// exactly one owner.
func (s *Service) ShareContract(ctx context.Context, session Session, contractID string, input ShareContractInput) (map[string]any, error) {
	contract, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanShare(role) {
		return nil, domainError(403, "FORBIDDEN", "Only the owner can share a contract", nil)
	}

	username := strings.TrimSpace(input.Username)
	if username == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "username is required", nil)
	}
	target, err := s.identities.LookupByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, domainError(404, "USER_NOT_FOUND", "User not found", nil)
		}
		return nil, err
	}

	newRole := rbac.Normalize(input.Role)
	if target.ID == session.UserID && newRole != rbac.RoleOwner {
		return nil, domainError(422, "VALIDATION_ERROR", "Owner cannot demote themselves; transfer ownership first", nil)
	}

	participants := make([]rbac.Participant, 0, len(contract.Participants)+1)
	found := false
	for _, participant := range contract.Participants {
		switch {
		case participant.UserID == target.ID:
			participant.Role = newRole
			found = true
		case newRole == rbac.RoleOwner && participant.Role == rbac.RoleOwner:
			participant.Role = rbac.RoleEditor
		}
		participants = append(participants, participant)
	}
	if !found {
		participants = append(participants, rbac.Participant{UserID: target.ID, Role: newRole})
	}

	lock := s.registry.DocLock(contractID)
	lock.Lock()
	err = s.store.UpdateParticipants(ctx, contractID, participants)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	s.indexContract(updated)
	return contractPayload(updated), nil
}

// CreateVersion snapshots the current content as the next version number.
func (s *Service) CreateVersion(ctx context.Context, session Session, contractID string, input CreateVersionInput) (map[string]any, error) {
	_, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanEdit(role) {
		return nil, domainError(403, "FORBIDDEN", "Saving a version requires the editor or owner role", nil)
	}

	description := strings.TrimSpace(input.ChangeDescription)
	if description == "" {
		description = defaultChangeDescription
	}

	lock := s.registry.DocLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	version := store.Version{
		ContractID:        contractID,
		Version:           contract.CurrentVersion + 1,
		Content:           contract.Content,
		Title:             contract.Title,
		CreatedBy:         session.UserID,
		ChangeDescription: description,
	}
	if err := s.store.SaveVersion(ctx, version); err != nil {
		if errors.Is(err, store.ErrVersionExists) {
			return nil, domainError(409, "VERSION_CONFLICT", "A version with that number already exists", nil)
		}
		return nil, err
	}
	return versionPayload(version), nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, contractID string) ([]map[string]any, error) {
	_, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanViewVersions(role) {
		return nil, domainError(403, "FORBIDDEN", "Forbidden", nil)
	}
	versions, err := s.store.ListVersions(ctx, contractID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, versionPayload(version))
	}
	return payload, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, contractID string, number int) (map[string]any, error) {
	_, role, err := s.loadForParticipant(ctx, session, contractID)
	if err != nil {
		return nil, err
	}
	if !rbac.CanViewVersions(role) {
		return nil, domainError(403, "FORBIDDEN", "Forbidden", nil)
	}
	version, err := s.store.GetVersion(ctx, contractID, number)
	if err != nil {
		return nil, err
	}
	return versionPayload(version), nil
}

func (s *Service) SearchContracts(ctx context.Context, session Session, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	})
}

// loadForParticipant loads a contract and resolves the caller's role. A
// missing contract surfaces as sql.ErrNoRows (mapped to 404); an authenticated
// non-participant gets an explicit 403 since the contract's existence is not
// secret among authenticated users.
func (s *Service) loadForParticipant(ctx context.Context, session Session, contractID string) (store.Contract, rbac.Role, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return store.Contract{}, rbac.RoleNone, err
	}
	role := rbac.RoleOf(contract.Participants, session.UserID)
	if role == rbac.RoleNone {
		return store.Contract{}, rbac.RoleNone, domainError(403, "FORBIDDEN", "You are not a participant of this contract", nil)
	}
	return contract, role, nil
}

func (s *Service) indexContract(contract store.Contract) {
	if s.search == nil {
		return
	}
	participantIDs := make([]string, 0, len(contract.Participants))
	for _, participant := range contract.Participants {
		participantIDs = append(participantIDs, participant.UserID)
	}
	s.search.IndexContract(search.ContractRecord{
		ID:             contract.ID,
		Title:          contract.Title,
		Content:        contract.Content,
		ParticipantIDs: participantIDs,
		CurrentVersion: contract.CurrentVersion,
	})
}

func contractPayload(contract store.Contract) map[string]any {
	participants := make([]map[string]any, 0, len(contract.Participants))
	for _, participant := range contract.Participants {
		participants = append(participants, map[string]any{
			"userId": participant.UserID,
			"role":   string(participant.Role),
		})
	}
	return map[string]any{
		"id":             contract.ID,
		"title":          contract.Title,
		"content":        contract.Content,
		"participants":   participants,
		"lastEdited":     contract.LastEditedAt.UTC().Format(time.RFC3339),
		"currentVersion": contract.CurrentVersion,
		"createdAt":      contract.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      contract.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func versionPayload(version store.Version) map[string]any {
	payload := map[string]any{
		"contractId":        version.ContractID,
		"version":           version.Version,
		"content":           version.Content,
		"title":             version.Title,
		"createdBy":         version.CreatedBy,
		"changeDescription": version.ChangeDescription,
	}
	if !version.CreatedAt.IsZero() {
		payload["createdAt"] = version.CreatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}
