package gateway

import (
	"net"
	"strings"
	"time"

	"github.com/coralbase/coralgate/audit"
	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/permission"
	"github.com/coralbase/coralgate/protocol"
)

type handlerFunc func(c *Conn, req *protocol.Request) (any, error)

// buildHandlers assembles the dispatch table. Handler groups for absent
// collaborators are simply not registered, so their operations resolve to
// UNKNOWN_OPERATION; rules.* is the exception and is reported as
// RULES_NOT_AVAILABLE by the dispatcher.
func (s *Server) buildHandlers() map[string]handlerFunc {
	h := map[string]handlerFunc{
		"ping": handlePing,

		"store.get":             handleStoreGet,
		"store.insert":          handleStoreInsert,
		"store.update":          handleStoreUpdate,
		"store.delete":          handleStoreDelete,
		"store.clear":           handleStoreClear,
		"store.all":             handleStoreAll,
		"store.where":           handleStoreWhere,
		"store.findOne":         handleStoreFindOne,
		"store.count":           handleStoreCount,
		"store.first":           handleStoreFirst,
		"store.last":            handleStoreLast,
		"store.paginate":        handleStorePaginate,
		"store.sum":             handleStoreAggregate,
		"store.avg":             handleStoreAggregate,
		"store.min":             handleStoreAggregate,
		"store.max":             handleStoreAggregate,
		"store.buckets":         handleStoreBuckets,
		"store.stats":           handleStoreStats,
		"store.defineBucket":    handleStoreDefineBucket,
		"store.updateBucket":    handleStoreUpdateBucket,
		"store.dropBucket":      handleStoreDropBucket,
		"store.getBucketSchema": handleStoreGetBucketSchema,
		"store.defineQuery":     handleStoreDefineQuery,
		"store.undefineQuery":   handleStoreUndefineQuery,
		"store.listQueries":     handleStoreListQueries,
		"store.transaction":     handleStoreTransaction,
		"store.subscribe":       handleStoreSubscribe,
		"store.unsubscribe":     handleUnsubscribe,

		"rules.emit":        handleRulesEmit,
		"rules.setFact":     handleRulesSetFact,
		"rules.getFact":     handleRulesGetFact,
		"rules.deleteFact":  handleRulesDeleteFact,
		"rules.queryFacts":  handleRulesQueryFacts,
		"rules.getAllFacts": handleRulesGetAllFacts,
		"rules.register":    handleRulesRegister,
		"rules.unregister":  handleRulesUnregister,
		"rules.update":      handleRulesUpdate,
		"rules.enable":      handleRulesEnable,
		"rules.disable":     handleRulesDisable,
		"rules.get":         handleRulesGet,
		"rules.list":        handleRulesList,
		"rules.validate":    handleRulesValidate,
		"rules.subscribe":   handleRulesSubscribe,
		"rules.unsubscribe": handleUnsubscribe,
		"rules.stats":       handleRulesStats,

		"server.stats":       handleServerStats,
		"server.connections": handleServerConnections,

		"audit.query": handleAuditQuery,
	}
	if s.cfg.AuthValidate != nil {
		h["auth.login"] = handleAuthLogin
		h["auth.logout"] = handleAuthLogout
	}
	if s.cfg.Identity != nil {
		h["identity.login"] = handleIdentityLogin
		h["identity.loginWithSecret"] = handleIdentityLoginWithSecret
		h["identity.logout"] = handleIdentityLogout
		h["identity.whoami"] = handleIdentityWhoami
		h["identity.refreshSession"] = handleIdentityRefreshSession
		h["identity.createUser"] = handleIdentityCreateUser
		h["identity.updateUser"] = handleIdentityUpdateUser
		h["identity.deleteUser"] = handleIdentityDeleteUser
		h["identity.listUsers"] = handleIdentityListUsers
		h["identity.createRole"] = handleIdentityCreateRole
		h["identity.deleteRole"] = handleIdentityDeleteRole
		h["identity.listRoles"] = handleIdentityListRoles
		h["identity.grant"] = handleIdentityGrant
		h["identity.revoke"] = handleIdentityRevoke
		h["identity.listGrants"] = handleIdentityListGrants
		h["identity.setOwner"] = handleIdentitySetOwner
		h["identity.getOwner"] = handleIdentityGetOwner
	}
	return h
}

// authExempt operations run without a session: they establish one, probe
// it, or are pure liveness checks.
func authExempt(op string) bool {
	switch op {
	case "ping", "identity.login", "identity.loginWithSecret", "identity.whoami":
		return true
	}
	return strings.HasPrefix(op, "auth.")
}

// dispatch runs the pipeline (auth, rate limit, permission) and the
// handler, emits exactly one terminal frame for the request id, and
// records the outcome.
func (c *Conn) dispatch(req *protocol.Request) {
	started := time.Now()
	resource := permission.ResourceOf(req.Type, req.String)

	data, err := c.process(req, resource)

	code := "OK"
	if err != nil {
		e := cgerrors.Internalize(err)
		if e.Code == cgerrors.CodeInternal {
			c.srv.log.Error().Err(err).Str("conn", c.id).Str("op", req.Type).Msg("handler failed")
		}
		code = string(e.Code)
		c.send(protocol.NewErrorFrame(req.ID, e, c.srv.cfg.ExposeErrorDetails), classControl)
	} else {
		c.send(protocol.NewResult(req.ID, data), classControl)
	}

	c.srv.obs.Request(req.Type, code, time.Since(started))
	if c.srv.cfg.Audit != nil && req.Type != "ping" {
		entry := audit.Entry{
			Timestamp:     time.Now().UnixMilli(),
			Operation:     req.Type,
			Resource:      resource,
			Result:        "success",
			RemoteAddress: c.remoteAddr,
		}
		if c.session != nil {
			entry.UserID = c.session.UserID
			entry.SessionID = c.session.SessionID
		}
		if err != nil {
			entry.Result = "error"
			entry.Error = code
		}
		c.srv.cfg.Audit.Record(entry)
	}
}

func (c *Conn) process(req *protocol.Request, resource string) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error().Any("panic", r).Str("conn", c.id).Str("op", req.Type).Msg("handler panicked")
			data, err = nil, cgerrors.New(cgerrors.CodeInternal, "internal error")
		}
	}()

	exempt := authExempt(req.Type)

	// Expired sessions are treated as absent and cleared on sight.
	if c.session != nil && c.session.Expired(time.Now()) {
		c.setSession(nil, "")
	}
	// Built-in sessions can be revoked out-of-band (logout elsewhere, user
	// deletion); revalidate the token so revocation reaches the connection.
	if c.session != nil && c.sessionToken != "" && c.srv.cfg.Identity != nil {
		if sess, err := c.srv.cfg.Identity.ValidateSession(c.sessionToken); err != nil || sess == nil {
			c.setSession(nil, "")
		}
	}
	if c.srv.cfg.RequireAuth && !exempt && c.session == nil {
		return nil, cgerrors.New(cgerrors.CodeUnauthorized, "authentication required")
	}

	if rl := c.srv.cfg.RateLimit; rl != nil {
		key := c.rateKey()
		if ok, retry := rl.Consume(key); !ok {
			return nil, cgerrors.New(cgerrors.CodeRateLimited, "rate limit exceeded").
				WithDetails(map[string]any{"retryAfterMs": retry.Milliseconds()})
		}
	}

	if perm := c.srv.cfg.Permissions; perm != nil && !exempt {
		if err := perm.Check(c.session, req.Type, resource); err != nil {
			return nil, err
		}
	}

	if strings.HasPrefix(req.Type, "rules.") && c.srv.cfg.Rules == nil {
		return nil, cgerrors.New(cgerrors.CodeRulesNotAvailable, "rules engine not available")
	}
	handler, ok := c.srv.handlers[req.Type]
	if !ok {
		return nil, cgerrors.Newf(cgerrors.CodeUnknownOperation, "unknown operation %q", req.Type)
	}
	return handler(c, req)
}

// rateKey is the limiter key: userId once authenticated, remote IP before
// that. The key is read once per request, so the switchover on login
// applies from the next request on.
func (c *Conn) rateKey() string {
	if c.session != nil {
		return "user:" + c.session.UserID
	}
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		host = c.remoteAddr
	}
	return "ip:" + host
}

func handlePing(c *Conn, req *protocol.Request) (any, error) {
	return map[string]any{"serverTime": time.Now().UnixMilli()}, nil
}
