package gateway

import (
	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/identity"
	"github.com/coralbase/coralgate/protocol"
)

// sessionData is the wire shape shared by the login-family responses.
func sessionData(sess *identity.Session, token string) map[string]any {
	data := map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"sessionId":     sess.SessionID,
		"roles":         sess.Roles,
	}
	if token != "" {
		data["token"] = token
	}
	if sess.ExpiresAt > 0 {
		data["expiresAt"] = sess.ExpiresAt
	}
	return data
}

func handleAuthLogin(c *Conn, req *protocol.Request) (any, error) {
	creds := req.Object("credentials")
	if creds == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "credentials is required")
	}
	sess, err := c.srv.cfg.AuthValidate(creds)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, cgerrors.New(cgerrors.CodeUnauthorized, "invalid credentials")
	}
	c.setSession(sess, "")
	c.srv.log.Debug().Str("conn", c.id).Str("user", sess.UserID).Msg("custom login")
	return sessionData(sess, ""), nil
}

func handleAuthLogout(c *Conn, req *protocol.Request) (any, error) {
	c.setSession(nil, "")
	return map[string]any{"authenticated": false}, nil
}

func handleIdentityLogin(c *Conn, req *protocol.Request) (any, error) {
	username, err := requireString(req, "username")
	if err != nil {
		return nil, err
	}
	password, err := requireString(req, "password")
	if err != nil {
		return nil, err
	}
	sess, token, err := c.srv.cfg.Identity.Login(username, password)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, token)
	c.srv.log.Debug().Str("conn", c.id).Str("user", sess.UserID).Msg("login")
	return sessionData(sess, token), nil
}

func handleIdentityLoginWithSecret(c *Conn, req *protocol.Request) (any, error) {
	secret, err := requireString(req, "secret")
	if err != nil {
		return nil, err
	}
	sess, token, err := c.srv.cfg.Identity.LoginWithSecret(secret)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, token)
	c.srv.log.Debug().Str("conn", c.id).Msg("superadmin login")
	return sessionData(sess, token), nil
}

func handleIdentityLogout(c *Conn, req *protocol.Request) (any, error) {
	if c.sessionToken != "" {
		if err := c.srv.cfg.Identity.Logout(c.sessionToken); err != nil {
			return nil, err
		}
	}
	c.setSession(nil, "")
	return map[string]any{"authenticated": false}, nil
}

func handleIdentityWhoami(c *Conn, req *protocol.Request) (any, error) {
	if c.session == nil {
		return map[string]any{"authenticated": false}, nil
	}
	return sessionData(c.session, ""), nil
}

func handleIdentityRefreshSession(c *Conn, req *protocol.Request) (any, error) {
	if c.sessionToken == "" {
		return nil, cgerrors.New(cgerrors.CodeUnauthorized, "no session to refresh")
	}
	sess, token, err := c.srv.cfg.Identity.RefreshSession(c.sessionToken)
	if err != nil {
		return nil, err
	}
	c.setSession(sess, token)
	return sessionData(sess, token), nil
}

func handleIdentityCreateUser(c *Conn, req *protocol.Request) (any, error) {
	username, err := requireString(req, "username")
	if err != nil {
		return nil, err
	}
	password, err := requireString(req, "password")
	if err != nil {
		return nil, err
	}
	var roles []string
	if err := decodeInto(req.Array("roles"), &roles); err != nil {
		return nil, err
	}
	return c.srv.cfg.Identity.CreateUser(username, password, roles, req.Object("metadata"))
}

func handleIdentityUpdateUser(c *Conn, req *protocol.Request) (any, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, err
	}
	var patch identity.UserPatch
	if req.Has("password") {
		pw := req.String("password")
		patch.Password = &pw
	}
	if req.Has("roles") {
		var roles []string
		if err := decodeInto(req.Array("roles"), &roles); err != nil {
			return nil, err
		}
		patch.Roles = &roles
	}
	if req.Has("metadata") {
		md := req.Object("metadata")
		patch.Metadata = &md
	}
	if req.Has("disabled") {
		disabled := req.Bool("disabled")
		patch.Disabled = &disabled
	}
	return c.srv.cfg.Identity.UpdateUser(id, patch)
}

func handleIdentityDeleteUser(c *Conn, req *protocol.Request) (any, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Identity.DeleteUser(id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func handleIdentityListUsers(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Identity.ListUsers(), nil
}

func handleIdentityCreateRole(c *Conn, req *protocol.Request) (any, error) {
	raw := req.Object("role")
	if raw == nil {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "role is required")
	}
	var role identity.Role
	if err := decodeInto(raw, &role); err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Identity.CreateRole(role); err != nil {
		return nil, err
	}
	return map[string]any{"name": role.Name, "created": true}, nil
}

func handleIdentityDeleteRole(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Identity.DeleteRole(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "deleted": true}, nil
}

func handleIdentityListRoles(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Identity.ListRoles(), nil
}

func decodeACLEntry(req *protocol.Request) (identity.ACLEntry, error) {
	var entry identity.ACLEntry
	if err := decodeInto(req.Fields, &entry); err != nil {
		return identity.ACLEntry{}, err
	}
	if entry.SubjectType == "" || entry.SubjectID == "" || entry.ResourceType == "" || entry.ResourceName == "" {
		return identity.ACLEntry{}, cgerrors.New(cgerrors.CodeValidationError,
			"subjectType, subjectId, resourceType and resourceName are required")
	}
	return entry, nil
}

func handleIdentityGrant(c *Conn, req *protocol.Request) (any, error) {
	entry, err := decodeACLEntry(req)
	if err != nil {
		return nil, err
	}
	if len(entry.Operations) == 0 {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "operations is required")
	}
	if err := c.srv.cfg.Identity.Grant(entry); err != nil {
		return nil, err
	}
	return map[string]any{"granted": true}, nil
}

func handleIdentityRevoke(c *Conn, req *protocol.Request) (any, error) {
	entry, err := decodeACLEntry(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Identity.Revoke(entry); err != nil {
		return nil, err
	}
	return map[string]any{"revoked": true}, nil
}

func handleIdentityListGrants(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Identity.ListGrants(), nil
}

func handleIdentitySetOwner(c *Conn, req *protocol.Request) (any, error) {
	resType, err := requireString(req, "resourceType")
	if err != nil {
		return nil, err
	}
	resName, err := requireString(req, "resourceName")
	if err != nil {
		return nil, err
	}
	userID, err := requireString(req, "userId")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Identity.SetOwner(resType, resName, userID); err != nil {
		return nil, err
	}
	return map[string]any{"owner": userID}, nil
}

func handleIdentityGetOwner(c *Conn, req *protocol.Request) (any, error) {
	resType, err := requireString(req, "resourceType")
	if err != nil {
		return nil, err
	}
	resName, err := requireString(req, "resourceName")
	if err != nil {
		return nil, err
	}
	owner, found := c.srv.cfg.Identity.GetOwner(resType, resName)
	return map[string]any{"owner": owner, "found": found}, nil
}
