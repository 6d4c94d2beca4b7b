// Package identity provides the built-in user, role and ACL store plus the
// session contract every other gateway layer consumes.
package identity

import "time"

// Session is an authenticated identity bound to one connection.
type Session struct {
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Roles     []string       `json:"roles"`
	ExpiresAt int64          `json:"expiresAt,omitempty"` // Epoch ms; 0 means no expiry.
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the session's expiry is in the past. Sessions
// without an expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return s.ExpiresAt > 0 && s.ExpiresAt <= now.UnixMilli()
}

// HasRole reports whether the session carries the named role.
func (s *Session) HasRole(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Built-in role names. Superadmin bypasses all permission checks; the other
// three gate operation tiers.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleWriter     = "writer"
	RoleReader     = "reader"
)
