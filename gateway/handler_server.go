package gateway

import (
	"time"

	"github.com/coralbase/coralgate/audit"
	"github.com/coralbase/coralgate/protocol"
)

func handleServerStats(c *Conn, req *protocol.Request) (any, error) {
	s := c.srv
	stats := map[string]any{
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"connections":   s.Count(),
		"subscriptions": s.subCount.Load(),
		"version":       protocol.Version,
		"store":         s.cfg.Store.Stats(),
	}
	if s.cfg.Rules != nil {
		stats["rules"] = s.cfg.Rules.Stats()
	}
	if s.cfg.Audit != nil {
		stats["audit"] = map[string]any{"entries": s.cfg.Audit.Len()}
	}
	return stats, nil
}

func handleServerConnections(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.Connections(), nil
}

func handleAuditQuery(c *Conn, req *protocol.Request) (any, error) {
	log := c.srv.cfg.Audit
	if log == nil {
		return []audit.Entry{}, nil
	}
	f := audit.Filter{
		UserID:    req.String("userId"),
		Operation: req.String("operation"),
		Result:    req.String("result"),
	}
	if n, ok := req.Number("from"); ok {
		f.From = int64(n)
	}
	if n, ok := req.Number("to"); ok {
		f.To = int64(n)
	}
	if n, ok := req.Number("limit"); ok {
		f.Limit = int(n)
	}
	return log.Query(f), nil
}
