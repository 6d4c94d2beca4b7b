package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/coralbase/coralgate/cgerrors"
)

// Config controls the built-in identity store.
type Config struct {
	TokenSecret      []byte        // HMAC key for session tokens. Required.
	SessionTTL       time.Duration // Session lifetime; 0 means no expiry.
	SuperadminSecret string        // Bootstrap secret for loginWithSecret; empty disables it.
	BcryptCost       int           // Password hash cost; 0 uses bcrypt.DefaultCost.
}

// Store is the built-in in-memory identity manager.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	users    map[string]*userRecord // Keyed by user id.
	byName   map[string]string      // Username -> user id.
	roles    map[string]Role
	grants   []ACLEntry
	owners   map[string]string      // resourceType+"\x00"+resourceName -> user id.
	sessions map[string]*Session    // Active sessions by session id.
}

type userRecord struct {
	user User
	hash []byte
}

// NewStore validates config and returns an empty identity store with the
// built-in roles predefined.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.TokenSecret) == 0 {
		return nil, errors.New("missing token secret")
	}
	if cfg.SessionTTL < 0 {
		cfg.SessionTTL = 0
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	s := &Store{
		cfg:      cfg,
		users:    make(map[string]*userRecord),
		byName:   make(map[string]string),
		roles:    make(map[string]Role),
		owners:   make(map[string]string),
		sessions: make(map[string]*Session),
	}
	for _, name := range []string{RoleAdmin, RoleWriter, RoleReader} {
		s.roles[name] = Role{Name: name}
	}
	return s, nil
}

var _ Manager = (*Store)(nil)

type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (s *Store) issueToken(sess *Session) (string, error) {
	claims := tokenClaims{
		Roles: sess.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sess.UserID,
			ID:       sess.SessionID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if sess.ExpiresAt > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.UnixMilli(sess.ExpiresAt))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.TokenSecret)
}

func (s *Store) newSession(userID string, roles []string) *Session {
	sess := &Session{
		UserID:    userID,
		SessionID: uuid.NewString(),
		Roles:     append([]string(nil), roles...),
	}
	if s.cfg.SessionTTL > 0 {
		sess.ExpiresAt = time.Now().Add(s.cfg.SessionTTL).UnixMilli()
	}
	return sess
}

// Login authenticates a username/password pair and issues a session token.
func (s *Store) Login(username, password string) (*Session, string, error) {
	s.mu.RLock()
	id, ok := s.byName[username]
	var rec *userRecord
	if ok {
		rec = s.users[id]
	}
	s.mu.RUnlock()
	if rec == nil || rec.user.Disabled {
		return nil, "", cgerrors.New(cgerrors.CodeUnauthorized, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password)); err != nil {
		return nil, "", cgerrors.New(cgerrors.CodeUnauthorized, "invalid credentials")
	}
	sess := s.newSession(rec.user.ID, rec.user.Roles)
	token, err := s.issueToken(sess)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()
	return sess, token, nil
}

// LoginWithSecret authenticates the superadmin bootstrap secret.
func (s *Store) LoginWithSecret(secret string) (*Session, string, error) {
	if s.cfg.SuperadminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.SuperadminSecret)) != 1 {
		return nil, "", cgerrors.New(cgerrors.CodeUnauthorized, "invalid secret")
	}
	sess := s.newSession("superadmin", []string{RoleSuperadmin})
	token, err := s.issueToken(sess)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()
	return sess, token, nil
}

// Logout revokes the session carried by the token. Unknown tokens are a
// no-op so logout is idempotent.
func (s *Store) Logout(token string) error {
	sess, err := s.ValidateSession(token)
	if err != nil || sess == nil {
		return nil
	}
	s.mu.Lock()
	delete(s.sessions, sess.SessionID)
	s.mu.Unlock()
	return nil
}

// ValidateSession verifies the token signature and expiry and returns the
// live session, or nil when the session is unknown or revoked.
func (s *Store) ValidateSession(token string) (*Session, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.TokenSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, nil
	}
	s.mu.RLock()
	sess := s.sessions[claims.ID]
	s.mu.RUnlock()
	if sess == nil || sess.Expired(time.Now()) {
		return nil, nil
	}
	return sess, nil
}

// RefreshSession replaces a live session with a fresh one and token.
func (s *Store) RefreshSession(token string) (*Session, string, error) {
	old, err := s.ValidateSession(token)
	if err != nil {
		return nil, "", err
	}
	if old == nil {
		return nil, "", cgerrors.New(cgerrors.CodeUnauthorized, "session not found")
	}
	fresh := s.newSession(old.UserID, old.Roles)
	fresh.Metadata = old.Metadata
	newToken, err := s.issueToken(fresh)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	delete(s.sessions, old.SessionID)
	s.sessions[fresh.SessionID] = fresh
	s.mu.Unlock()
	return fresh, newToken, nil
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (s *Store) CreateUser(username, password string, roles []string, metadata map[string]any) (*User, error) {
	if username == "" {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[username]; exists {
		return nil, cgerrors.Newf(cgerrors.CodeAlreadyExists, "user %q already exists", username)
	}
	for _, r := range roles {
		if _, ok := s.roles[r]; !ok && r != RoleSuperadmin {
			return nil, cgerrors.Newf(cgerrors.CodeValidationError, "unknown role %q", r)
		}
	}
	u := User{ID: uuid.NewString(), Username: username, Roles: append([]string(nil), roles...), Metadata: metadata}
	s.users[u.ID] = &userRecord{user: u, hash: hash}
	s.byName[username] = u.ID
	cp := u
	return &cp, nil
}

// UpdateUser applies a patch. Live sessions keep the roles they were issued
// with; role changes take effect at next login.
func (s *Store) UpdateUser(id string, patch UserPatch) (*User, error) {
	var newHash []byte
	if patch.Password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), s.cfg.BcryptCost)
		if err != nil {
			return nil, err
		}
		newHash = h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.users[id]
	if rec == nil {
		return nil, cgerrors.Newf(cgerrors.CodeNotFound, "user %q not found", id)
	}
	if patch.Roles != nil {
		for _, r := range *patch.Roles {
			if _, ok := s.roles[r]; !ok && r != RoleSuperadmin {
				return nil, cgerrors.Newf(cgerrors.CodeValidationError, "unknown role %q", r)
			}
		}
		rec.user.Roles = append([]string(nil), (*patch.Roles)...)
	}
	if newHash != nil {
		rec.hash = newHash
	}
	if patch.Metadata != nil {
		rec.user.Metadata = *patch.Metadata
	}
	if patch.Disabled != nil {
		rec.user.Disabled = *patch.Disabled
	}
	cp := rec.user
	return &cp, nil
}

// DeleteUser removes a user and revokes their live sessions.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.users[id]
	if rec == nil {
		return cgerrors.Newf(cgerrors.CodeNotFound, "user %q not found", id)
	}
	delete(s.users, id)
	delete(s.byName, rec.user.Username)
	for sid, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, sid)
		}
	}
	return nil
}

// ListUsers returns all users; order is not guaranteed.
func (s *Store) ListUsers() []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, rec := range s.users {
		cp := rec.user
		out = append(out, &cp)
	}
	return out
}

// CreateRole defines a custom role.
func (s *Store) CreateRole(role Role) error {
	if role.Name == "" {
		return cgerrors.New(cgerrors.CodeValidationError, "role name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[role.Name]; exists {
		return cgerrors.Newf(cgerrors.CodeAlreadyExists, "role %q already exists", role.Name)
	}
	s.roles[role.Name] = role
	return nil
}

// DeleteRole removes a custom role. Built-in tiers cannot be deleted.
func (s *Store) DeleteRole(name string) error {
	switch name {
	case RoleAdmin, RoleWriter, RoleReader, RoleSuperadmin:
		return cgerrors.Newf(cgerrors.CodeConflict, "role %q is built in", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[name]; !exists {
		return cgerrors.Newf(cgerrors.CodeNotFound, "role %q not found", name)
	}
	delete(s.roles, name)
	return nil
}

// ListRoles returns all defined roles.
func (s *Store) ListRoles() []Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out
}

// GetRole returns a role definition by name.
func (s *Store) GetRole(name string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	return r, ok
}

// Grant appends an ACL entry. Duplicate entries are collapsed.
func (s *Store) Grant(entry ACLEntry) error {
	if entry.SubjectType != "user" && entry.SubjectType != "role" {
		return cgerrors.New(cgerrors.CodeValidationError, "subjectType must be user or role")
	}
	for _, op := range entry.Operations {
		if op != "read" && op != "write" && op != "admin" {
			return cgerrors.Newf(cgerrors.CodeValidationError, "unknown operation class %q", op)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.grants {
		if g.SubjectType == entry.SubjectType && g.SubjectID == entry.SubjectID &&
			g.ResourceType == entry.ResourceType && g.ResourceName == entry.ResourceName {
			s.grants[i].Operations = mergeOps(g.Operations, entry.Operations)
			return nil
		}
	}
	s.grants = append(s.grants, entry)
	return nil
}

// Revoke removes a matching ACL entry.
func (s *Store) Revoke(entry ACLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.grants {
		if g.SubjectType == entry.SubjectType && g.SubjectID == entry.SubjectID &&
			g.ResourceType == entry.ResourceType && g.ResourceName == entry.ResourceName {
			s.grants = append(s.grants[:i], s.grants[i+1:]...)
			return nil
		}
	}
	return cgerrors.New(cgerrors.CodeNotFound, "grant not found")
}

// ListGrants returns a copy of all ACL entries.
func (s *Store) ListGrants() []ACLEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ACLEntry(nil), s.grants...)
}

// HasGrant reports whether a subject holds an operation class on a
// resource, honoring "*" resource grants.
func (s *Store) HasGrant(subjectType, subjectID, resourceType, resourceName, opClass string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.SubjectType != subjectType || g.SubjectID != subjectID || g.ResourceType != resourceType {
			continue
		}
		if g.ResourceName != "*" && g.ResourceName != resourceName {
			continue
		}
		for _, op := range g.Operations {
			if op == opClass {
				return true
			}
		}
	}
	return false
}

// SetOwner records resource ownership.
func (s *Store) SetOwner(resourceType, resourceName, userID string) error {
	s.mu.Lock()
	s.owners[resourceType+"\x00"+resourceName] = userID
	s.mu.Unlock()
	return nil
}

// GetOwner returns the owner of a resource, if any.
func (s *Store) GetOwner(resourceType, resourceName string) (string, bool) {
	s.mu.RLock()
	id, ok := s.owners[resourceType+"\x00"+resourceName]
	s.mu.RUnlock()
	return id, ok
}

func mergeOps(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
