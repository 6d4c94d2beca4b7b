package identity

// User is a stored identity. Password hashes never leave the manager.
type User struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Roles    []string       `json:"roles"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Role is a named permission grouping with optional declarative rules.
type Role struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Allow       []string `json:"allow,omitempty"`   // Operation patterns, "*" and "prefix.*" wildcards.
	Buckets     []string `json:"buckets,omitempty"` // Store resource constraint; empty means any.
	Topics      []string `json:"topics,omitempty"`  // Rules resource constraint; empty means any.
}

// ACLEntry grants a subject a set of operation classes on one resource.
type ACLEntry struct {
	SubjectType  string   `json:"subjectType"` // "user" or "role".
	SubjectID    string   `json:"subjectId"`
	ResourceType string   `json:"resourceType"` // "store" or "rules".
	ResourceName string   `json:"resourceName"` // Bucket, query or topic name; "*" matches all.
	Operations   []string `json:"operations"`   // Subset of {"read","write","admin"}.
}

// Manager is the identity surface the gateway consumes. The built-in
// implementation is Store; deployments may substitute their own.
type Manager interface {
	Login(username, password string) (*Session, string, error)
	LoginWithSecret(secret string) (*Session, string, error)
	Logout(token string) error
	ValidateSession(token string) (*Session, error)
	RefreshSession(token string) (*Session, string, error)

	CreateUser(username, password string, roles []string, metadata map[string]any) (*User, error)
	UpdateUser(id string, patch UserPatch) (*User, error)
	DeleteUser(id string) error
	ListUsers() []*User

	CreateRole(role Role) error
	DeleteRole(name string) error
	ListRoles() []Role

	Grant(entry ACLEntry) error
	Revoke(entry ACLEntry) error
	ListGrants() []ACLEntry

	SetOwner(resourceType, resourceName, userID string) error
	GetOwner(resourceType, resourceName string) (string, bool)
}

// UserPatch carries the mutable fields of a user. Nil pointers mean "leave
// unchanged".
type UserPatch struct {
	Password *string
	Roles    *[]string
	Metadata *map[string]any
	Disabled *bool
}
