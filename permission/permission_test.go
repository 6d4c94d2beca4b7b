package permission

import (
	"testing"

	"github.com/coralbase/coralgate/identity"
)

type fakeACL struct {
	grants map[string]bool // subjectType|subjectID|resType|resource|class
	owners map[string]string
}

func (f *fakeACL) HasGrant(st, sid, rt, rn, op string) bool {
	return f.grants[st+"|"+sid+"|"+rt+"|"+rn+"|"+op]
}

func (f *fakeACL) GetOwner(rt, rn string) (string, bool) {
	id, ok := f.owners[rt+"|"+rn]
	return id, ok
}

type fakeRoles map[string]identity.Role

func (f fakeRoles) GetRole(name string) (identity.Role, bool) {
	r, ok := f[name]
	return r, ok
}

func sess(userID string, roles ...string) *identity.Session {
	return &identity.Session{UserID: userID, Roles: roles}
}

func TestTierOf(t *testing.T) {
	cases := map[string]Tier{
		"store.get":          TierRead,
		"store.subscribe":    TierRead,
		"store.insert":       TierWrite,
		"store.clear":        TierWrite,
		"store.transaction":  TierWrite,
		"store.defineBucket": TierAdmin,
		"rules.emit":         TierWrite,
		"rules.getFact":      TierRead,
		"rules.register":     TierAdmin,
		"server.stats":       TierAdmin,
		"audit.query":        TierAdmin,
		"identity.grant":     TierAdmin,
		"identity.whoami":    TierRead,
	}
	for op, want := range cases {
		if got := TierOf(op); got != want {
			t.Errorf("TierOf(%s) = %s, want %s", op, got, want)
		}
	}
}

func TestResourceOf(t *testing.T) {
	fields := map[string]string{"bucket": "tasks", "query": "all-tasks", "subscriptionId": "sub-1", "topic": "orders.created"}
	get := func(k string) string { return fields[k] }
	if r := ResourceOf("store.insert", get); r != "tasks" {
		t.Fatalf("store.insert resource = %q", r)
	}
	if r := ResourceOf("store.subscribe", get); r != "all-tasks" {
		t.Fatalf("store.subscribe resource = %q", r)
	}
	if r := ResourceOf("store.unsubscribe", get); r != "sub-1" {
		t.Fatalf("store.unsubscribe resource = %q", r)
	}
	if r := ResourceOf("rules.emit", get); r != "orders.created" {
		t.Fatalf("rules.emit resource = %q", r)
	}
	if r := ResourceOf("server.stats", get); r != "*" {
		t.Fatalf("server.stats resource = %q", r)
	}
	if r := ResourceOf("store.get", func(string) string { return "" }); r != "*" {
		t.Fatalf("missing bucket resource = %q", r)
	}
}

func TestSuperadminBypass(t *testing.T) {
	e := New(Config{DefaultAllow: false})
	if err := e.Check(sess("root", identity.RoleSuperadmin), "store.dropBucket", "tasks"); err != nil {
		t.Fatalf("superadmin must bypass: %v", err)
	}
}

func TestBuiltinTierFloor(t *testing.T) {
	e := New(Config{DefaultAllow: true})
	reader := sess("r1", identity.RoleReader)
	writer := sess("w1", identity.RoleWriter)
	admin := sess("a1", identity.RoleAdmin)

	if err := e.Check(reader, "store.get", "tasks"); err != nil {
		t.Fatalf("reader read: %v", err)
	}
	if err := e.Check(reader, "store.insert", "tasks"); err == nil {
		t.Fatalf("reader must not write")
	}
	if err := e.Check(writer, "store.insert", "tasks"); err != nil {
		t.Fatalf("writer write: %v", err)
	}
	if err := e.Check(writer, "store.defineBucket", "tasks"); err == nil {
		t.Fatalf("writer must not admin")
	}
	if err := e.Check(admin, "store.defineBucket", "tasks"); err != nil {
		t.Fatalf("admin admin: %v", err)
	}
}

func TestTierFloorBeatsACL(t *testing.T) {
	acl := &fakeACL{grants: map[string]bool{"user|r1|store|tasks|write": true}}
	e := New(Config{ACL: acl})
	if err := e.Check(sess("r1", identity.RoleReader), "store.insert", "tasks"); err == nil {
		t.Fatalf("built-in reader ceiling must constrain even with a grant")
	}
}

func TestCustomRolesBypassTierFilter(t *testing.T) {
	roles := fakeRoles{"pipeline": {Name: "pipeline", Allow: []string{"store.*"}}}
	e := New(Config{Roles: roles})
	if err := e.Check(sess("p1", "pipeline"), "store.defineBucket", "tasks"); err != nil {
		t.Fatalf("custom-role session must bypass the tier filter: %v", err)
	}
}

func TestACLDecisionOrder(t *testing.T) {
	acl := &fakeACL{
		grants: map[string]bool{
			"user|u1|store|tasks|write": true,
			"role|ops|rules|alerts|read": true,
		},
		owners: map[string]string{"store|mine": "owner1"},
	}
	e := New(Config{ACL: acl})

	if err := e.Check(sess("u1"), "store.insert", "tasks"); err != nil {
		t.Fatalf("user grant: %v", err)
	}
	if err := e.Check(sess("u2", "ops"), "rules.getFact", "alerts"); err != nil {
		t.Fatalf("role grant: %v", err)
	}
	if err := e.Check(sess("owner1"), "store.insert", "mine"); err != nil {
		t.Fatalf("ownership: %v", err)
	}
	if err := e.Check(sess("u3"), "store.insert", "tasks"); err == nil {
		t.Fatalf("no grant must deny under default deny")
	}
}

func TestDeclarativeRoleRules(t *testing.T) {
	roles := fakeRoles{
		"taskbot": {Name: "taskbot", Allow: []string{"store.insert", "store.get"}, Buckets: []string{"tasks"}},
		"emitter": {Name: "emitter", Allow: []string{"rules.*"}, Topics: []string{"orders.*px", "orders.created"}},
	}
	e := New(Config{Roles: roles})

	if err := e.Check(sess("u", "taskbot"), "store.insert", "tasks"); err != nil {
		t.Fatalf("allowed op+bucket: %v", err)
	}
	if err := e.Check(sess("u", "taskbot"), "store.insert", "other"); err == nil {
		t.Fatalf("bucket constraint must apply")
	}
	if err := e.Check(sess("u", "taskbot"), "store.delete", "tasks"); err == nil {
		t.Fatalf("unlisted op must deny")
	}
	if err := e.Check(sess("u", "emitter"), "rules.emit", "orders.created"); err != nil {
		t.Fatalf("wildcard op with topic constraint: %v", err)
	}
	if err := e.Check(sess("u", "emitter"), "rules.emit", "payments.created"); err == nil {
		t.Fatalf("topic constraint must apply")
	}
}

func TestCustomCheckOverridesRules(t *testing.T) {
	roles := fakeRoles{"open": {Name: "open", Allow: []string{"*"}}}
	check := func(s *identity.Session, op, res string) Decision {
		switch {
		case op == "store.get":
			return Allow
		case op == "store.insert":
			return Deny
		}
		return Undecided
	}
	e := New(Config{Roles: roles, Check: check, DefaultAllow: false})
	if err := e.Check(sess("u", "open"), "store.get", "t"); err != nil {
		t.Fatalf("custom allow: %v", err)
	}
	// The "open" role would allow, but the custom check replaces rule
	// evaluation entirely.
	if err := e.Check(sess("u", "open"), "store.insert", "t"); err == nil {
		t.Fatalf("custom deny must win over declarative rules")
	}
	if err := e.Check(sess("u", "open"), "store.count", "t"); err == nil {
		t.Fatalf("undecided must fall through to default deny")
	}

	e = New(Config{Check: check, DefaultAllow: true})
	if err := e.Check(sess("u"), "store.count", "t"); err != nil {
		t.Fatalf("undecided must fall through to default allow: %v", err)
	}
}

func TestDefaultDecision(t *testing.T) {
	if err := New(Config{DefaultAllow: true}).Check(nil, "store.get", "t"); err != nil {
		t.Fatalf("default allow: %v", err)
	}
	if err := New(Config{DefaultAllow: false}).Check(nil, "store.get", "t"); err == nil {
		t.Fatalf("default deny")
	}
}
