package identity

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.TokenSecret == nil {
		cfg.TokenSecret = []byte("test-secret")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 4 // Keep the hashing cheap in tests.
	}
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestLoginRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{})
	if _, err := s.CreateUser("alice", "hunter2", []string{RoleWriter}, nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sess, token, err := s.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.HasRole(RoleWriter) {
		t.Fatalf("roles = %v", sess.Roles)
	}
	got, err := s.ValidateSession(token)
	if err != nil || got == nil {
		t.Fatalf("ValidateSession: %v %v", got, err)
	}
	if got.UserID != sess.UserID {
		t.Fatalf("user mismatch: %s != %s", got.UserID, sess.UserID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	s := newTestStore(t, Config{})
	s.CreateUser("alice", "hunter2", nil, nil)
	if _, _, err := s.Login("alice", "nope"); err == nil {
		t.Fatalf("expected rejection")
	}
	if _, _, err := s.Login("bob", "hunter2"); err == nil {
		t.Fatalf("unknown user must be rejected")
	}
}

func TestLogoutRevokes(t *testing.T) {
	s := newTestStore(t, Config{})
	s.CreateUser("alice", "pw", nil, nil)
	_, token, _ := s.Login("alice", "pw")
	if err := s.Logout(token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	sess, err := s.ValidateSession(token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if sess != nil {
		t.Fatalf("revoked token must not validate")
	}
	// Logout is idempotent.
	if err := s.Logout(token); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestSuperadminSecret(t *testing.T) {
	s := newTestStore(t, Config{SuperadminSecret: "bootstrap"})
	sess, _, err := s.LoginWithSecret("bootstrap")
	if err != nil {
		t.Fatalf("LoginWithSecret: %v", err)
	}
	if !sess.HasRole(RoleSuperadmin) {
		t.Fatalf("expected superadmin role, got %v", sess.Roles)
	}
	if _, _, err := s.LoginWithSecret("wrong"); err == nil {
		t.Fatalf("wrong secret must fail")
	}
	noBoot := newTestStore(t, Config{})
	if _, _, err := noBoot.LoginWithSecret("bootstrap"); err == nil {
		t.Fatalf("disabled secret must fail")
	}
}

func TestRefreshSessionReplaces(t *testing.T) {
	s := newTestStore(t, Config{SessionTTL: time.Hour})
	s.CreateUser("alice", "pw", []string{RoleReader}, nil)
	_, token, _ := s.Login("alice", "pw")
	fresh, newToken, err := s.RefreshSession(token)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if newToken == token {
		t.Fatalf("token should rotate")
	}
	if old, _ := s.ValidateSession(token); old != nil {
		t.Fatalf("old token must be revoked")
	}
	if got, _ := s.ValidateSession(newToken); got == nil || got.SessionID != fresh.SessionID {
		t.Fatalf("new token must validate")
	}
}

func TestSessionExpiry(t *testing.T) {
	sess := &Session{UserID: "u", ExpiresAt: time.Now().Add(-time.Second).UnixMilli()}
	if !sess.Expired(time.Now()) {
		t.Fatalf("past expiresAt must read as expired")
	}
	sess.ExpiresAt = 0
	if sess.Expired(time.Now()) {
		t.Fatalf("zero expiresAt means no expiry")
	}
}

func TestGrantsAndOwnership(t *testing.T) {
	s := newTestStore(t, Config{})
	entry := ACLEntry{SubjectType: "user", SubjectID: "u1", ResourceType: "store", ResourceName: "tasks", Operations: []string{"read"}}
	if err := s.Grant(entry); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Granting again merges operations instead of duplicating.
	entry.Operations = []string{"write"}
	s.Grant(entry)
	if n := len(s.ListGrants()); n != 1 {
		t.Fatalf("grants = %d, want 1", n)
	}
	if !s.HasGrant("user", "u1", "store", "tasks", "write") {
		t.Fatalf("merged grant missing write")
	}
	if s.HasGrant("user", "u1", "store", "other", "read") {
		t.Fatalf("grant must be resource-scoped")
	}
	s.Grant(ACLEntry{SubjectType: "role", SubjectID: "ops", ResourceType: "store", ResourceName: "*", Operations: []string{"admin"}})
	if !s.HasGrant("role", "ops", "store", "anything", "admin") {
		t.Fatalf("wildcard resource grant must match")
	}

	if err := s.Revoke(entry); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.HasGrant("user", "u1", "store", "tasks", "read") {
		t.Fatalf("revoked grant still matches")
	}

	s.SetOwner("store", "tasks", "u9")
	if owner, ok := s.GetOwner("store", "tasks"); !ok || owner != "u9" {
		t.Fatalf("owner = %q %v", owner, ok)
	}
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t, Config{})
	u, _ := s.CreateUser("alice", "pw", nil, nil)
	if _, err := s.CreateUser("alice", "pw", nil, nil); err == nil {
		t.Fatalf("duplicate username must fail")
	}
	roles := []string{RoleAdmin}
	if _, err := s.UpdateUser(u.ID, UserPatch{Roles: &roles}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	_, token, _ := s.Login("alice", "pw")
	if err := s.DeleteUser(u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if sess, _ := s.ValidateSession(token); sess != nil {
		t.Fatalf("deleting a user must revoke their sessions")
	}
	if _, _, err := s.Login("alice", "pw"); err == nil {
		t.Fatalf("deleted user must not log in")
	}
}
