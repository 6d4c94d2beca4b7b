// Package permission resolves (session, operation, resource) triples to
// allow/deny decisions using role tiers, ACL grants, resource ownership and
// declarative role rules.
package permission

import (
	"strings"

	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/identity"
)

// Tier is the coarse operation class used by built-in role gating and ACL
// entries.
type Tier string

const (
	TierRead  Tier = "read"
	TierWrite Tier = "write"
	TierAdmin Tier = "admin"
)

// Decision is the outcome of a custom check callback.
type Decision int8

const (
	Undecided Decision = iota
	Allow
	Deny
)

// CheckFunc is an optional custom authorization hook. Returning Undecided
// falls through to the configured default.
type CheckFunc func(sess *identity.Session, operation, resource string) Decision

// ACLSource supplies grant and ownership lookups. The built-in identity
// store implements it.
type ACLSource interface {
	HasGrant(subjectType, subjectID, resourceType, resourceName, opClass string) bool
	GetOwner(resourceType, resourceName string) (string, bool)
}

// RoleSource resolves role definitions for declarative rule evaluation.
type RoleSource interface {
	GetRole(name string) (identity.Role, bool)
}

// Config controls the permission engine.
type Config struct {
	DefaultAllow bool       // Decision when nothing matches.
	ACL          ACLSource  // Optional grant/ownership lookups.
	Roles        RoleSource // Optional role definitions for declarative rules.
	Check        CheckFunc  // Optional custom hook; overrides declarative rules.
}

// Engine evaluates permission decisions. The zero value denies everything;
// use New.
type Engine struct {
	cfg Config
}

// New returns a permission engine for the config.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// adminOps and writeOps classify operations into tiers; anything not listed
// is a read.
var adminOps = map[string]struct{}{
	"store.defineBucket":  {},
	"store.dropBucket":    {},
	"store.updateBucket":  {},
	"store.defineQuery":   {},
	"store.undefineQuery": {},
	"rules.register":      {},
	"rules.unregister":    {},
	"rules.update":        {},
	"rules.enable":        {},
	"rules.disable":       {},
	"server.stats":        {},
	"server.connections":  {},
	"audit.query":         {},
	"identity.createUser": {},
	"identity.updateUser": {},
	"identity.deleteUser": {},
	"identity.listUsers":  {},
	"identity.createRole": {},
	"identity.deleteRole": {},
	"identity.listRoles":  {},
	"identity.grant":      {},
	"identity.revoke":     {},
	"identity.listGrants": {},
	"identity.setOwner":   {},
	"identity.getOwner":   {},
}

var writeOps = map[string]struct{}{
	"store.insert":      {},
	"store.update":      {},
	"store.delete":      {},
	"store.clear":       {},
	"store.transaction": {},
	"rules.emit":        {},
	"rules.setFact":     {},
	"rules.deleteFact":  {},
}

// TierOf classifies an operation.
func TierOf(operation string) Tier {
	if _, ok := adminOps[operation]; ok {
		return TierAdmin
	}
	if _, ok := writeOps[operation]; ok {
		return TierWrite
	}
	return TierRead
}

// ResourceOf extracts the resource name an operation targets. field returns
// a request's string field by name.
func ResourceOf(operation string, field func(string) string) string {
	switch {
	case strings.HasPrefix(operation, "store."):
		switch operation {
		case "store.subscribe":
			if q := field("query"); q != "" {
				return q
			}
		case "store.unsubscribe":
			if id := field("subscriptionId"); id != "" {
				return id
			}
		default:
			if b := field("bucket"); b != "" {
				return b
			}
		}
	case strings.HasPrefix(operation, "rules."):
		for _, key := range []string{"topic", "key", "pattern"} {
			if v := field(key); v != "" {
				return v
			}
		}
	}
	return "*"
}

// resourceTypeOf maps an operation namespace onto the ACL resource type.
func resourceTypeOf(operation string) string {
	switch {
	case strings.HasPrefix(operation, "store."):
		return "store"
	case strings.HasPrefix(operation, "rules."):
		return "rules"
	default:
		return "*"
	}
}

// Check resolves the decision for a session performing an operation on a
// resource. A nil return means allow; denial is a typed FORBIDDEN error.
func (e *Engine) Check(sess *identity.Session, operation, resource string) error {
	if e.allowed(sess, operation, resource) {
		return nil
	}
	return cgerrors.Newf(cgerrors.CodeForbidden, "operation %q not permitted", operation)
}

func (e *Engine) allowed(sess *identity.Session, operation, resource string) bool {
	if sess != nil && sess.HasRole(identity.RoleSuperadmin) {
		return true
	}

	tier := TierOf(operation)

	// Built-in role tiers set a hard ceiling. Sessions carrying only custom
	// roles bypass the filter.
	if ceiling, hasBuiltin := builtinCeiling(sess); hasBuiltin && !ceiling.admits(tier) {
		return false
	}

	resType := resourceTypeOf(operation)

	if sess != nil && e.cfg.ACL != nil {
		if e.cfg.ACL.HasGrant("user", sess.UserID, resType, resource, string(tier)) {
			return true
		}
		for _, role := range sess.Roles {
			if e.cfg.ACL.HasGrant("role", role, resType, resource, string(tier)) {
				return true
			}
		}
		if owner, ok := e.cfg.ACL.GetOwner(resType, resource); ok && owner == sess.UserID {
			return true
		}
	}

	if e.cfg.Check != nil {
		switch e.cfg.Check(sess, operation, resource) {
		case Allow:
			return true
		case Deny:
			return false
		}
		return e.cfg.DefaultAllow
	}

	if sess != nil {
		for _, role := range sess.Roles {
			// Built-in roles implicitly allow their admitted tiers.
			if bt, ok := builtinTier(role); ok {
				if bt.admits(tier) {
					return true
				}
				continue
			}
			if e.cfg.Roles == nil {
				continue
			}
			def, ok := e.cfg.Roles.GetRole(role)
			if !ok {
				continue
			}
			if roleRuleMatches(def, operation, resource) {
				return true
			}
		}
	}

	return e.cfg.DefaultAllow
}

// builtinTier maps a built-in role name to its highest admitted tier.
func builtinTier(role string) (Tier, bool) {
	switch role {
	case identity.RoleAdmin:
		return TierAdmin, true
	case identity.RoleWriter:
		return TierWrite, true
	case identity.RoleReader:
		return TierRead, true
	}
	return "", false
}

// builtinCeiling returns the highest tier admitted by the session's
// built-in roles and whether any built-in role is present.
func builtinCeiling(sess *identity.Session) (Tier, bool) {
	if sess == nil {
		return "", false
	}
	var ceiling Tier
	has := false
	for _, role := range sess.Roles {
		t, ok := builtinTier(role)
		if !ok {
			continue
		}
		has = true
		if rank(t) > rank(ceiling) {
			ceiling = t
		}
	}
	return ceiling, has
}

func rank(t Tier) int {
	switch t {
	case TierRead:
		return 1
	case TierWrite:
		return 2
	case TierAdmin:
		return 3
	}
	return 0
}

// admits reports whether a ceiling tier covers the required tier.
func (t Tier) admits(required Tier) bool {
	return rank(t) >= rank(required)
}

// roleRuleMatches evaluates a declarative role rule: the operation must
// match an allow pattern and any bucket/topic constraint must cover the
// resource.
func roleRuleMatches(def identity.Role, operation, resource string) bool {
	matched := false
	for _, pattern := range def.Allow {
		if opMatches(pattern, operation) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if strings.HasPrefix(operation, "store.") && len(def.Buckets) > 0 {
		return containsOrStar(def.Buckets, resource)
	}
	if strings.HasPrefix(operation, "rules.") && len(def.Topics) > 0 {
		return containsOrStar(def.Topics, resource)
	}
	return true
}

// opMatches supports exact names, "*", and "prefix.*" patterns.
func opMatches(pattern, operation string) bool {
	if pattern == "*" || pattern == operation {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(operation, pattern[:len(pattern)-1])
	}
	return false
}

func containsOrStar(list []string, v string) bool {
	for _, s := range list {
		if s == "*" || s == v {
			return true
		}
	}
	return false
}
