package gateway

import (
	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/protocol"
	"github.com/coralbase/coralgate/rules"
)

func handleRulesEmit(c *Conn, req *protocol.Request) (any, error) {
	topic, err := requireString(req, "topic")
	if err != nil {
		return nil, err
	}
	data := req.Object("data")
	if corr := req.String("correlationId"); corr != "" {
		if err := c.srv.cfg.Rules.EmitCorrelated(topic, data, corr); err != nil {
			return nil, err
		}
	} else if err := c.srv.cfg.Rules.Emit(topic, data); err != nil {
		return nil, err
	}
	return map[string]any{"emitted": true}, nil
}

func handleRulesSetFact(c *Conn, req *protocol.Request) (any, error) {
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	if !req.Has("value") {
		return nil, cgerrors.New(cgerrors.CodeValidationError, "value is required")
	}
	value := req.Fields["value"]
	if err := c.srv.cfg.Rules.SetFact(key, value); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "value": value}, nil
}

func handleRulesGetFact(c *Conn, req *protocol.Request) (any, error) {
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	v, _ := c.srv.cfg.Rules.GetFact(key)
	return v, nil
}

func handleRulesDeleteFact(c *Conn, req *protocol.Request) (any, error) {
	key, err := requireString(req, "key")
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": c.srv.cfg.Rules.DeleteFact(key)}, nil
}

func handleRulesQueryFacts(c *Conn, req *protocol.Request) (any, error) {
	pattern, err := requireString(req, "pattern")
	if err != nil {
		return nil, err
	}
	return c.srv.cfg.Rules.QueryFacts(pattern), nil
}

func handleRulesGetAllFacts(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Rules.AllFacts(), nil
}

// decodeRule reads the request's rule object. Enabled defaults to true
// when the field is absent.
func decodeRule(req *protocol.Request) (rules.Rule, error) {
	raw := req.Object("rule")
	if raw == nil {
		return rules.Rule{}, cgerrors.New(cgerrors.CodeValidationError, "rule is required")
	}
	var rule rules.Rule
	if err := decodeInto(raw, &rule); err != nil {
		return rules.Rule{}, err
	}
	if _, present := raw["enabled"]; !present {
		rule.Enabled = true
	}
	return rule, nil
}

func handleRulesRegister(c *Conn, req *protocol.Request) (any, error) {
	rule, err := decodeRule(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Register(rule); err != nil {
		return nil, err
	}
	return map[string]any{"name": rule.Name, "registered": true}, nil
}

func handleRulesUnregister(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Unregister(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "unregistered": true}, nil
}

func handleRulesUpdate(c *Conn, req *protocol.Request) (any, error) {
	rule, err := decodeRule(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Update(rule); err != nil {
		return nil, err
	}
	return map[string]any{"name": rule.Name, "updated": true}, nil
}

func handleRulesEnable(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Enable(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "enabled": true}, nil
}

func handleRulesDisable(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Disable(name); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "enabled": false}, nil
}

func handleRulesGet(c *Conn, req *protocol.Request) (any, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	rule, ok := c.srv.cfg.Rules.Get(name)
	if !ok {
		return nil, cgerrors.Newf(cgerrors.CodeNotFound, "rule %q is not registered", name)
	}
	return rule, nil
}

func handleRulesList(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Rules.List(), nil
}

func handleRulesValidate(c *Conn, req *protocol.Request) (any, error) {
	rule, err := decodeRule(req)
	if err != nil {
		return nil, err
	}
	if err := c.srv.cfg.Rules.Validate(rule); err != nil {
		return nil, err
	}
	return map[string]any{"valid": true}, nil
}

func handleRulesSubscribe(c *Conn, req *protocol.Request) (any, error) {
	pattern, err := requireString(req, "pattern")
	if err != nil {
		return nil, err
	}
	if err := c.checkSubCeiling(); err != nil {
		return nil, err
	}
	subID := c.allocSubID()
	sink := func(ev rules.Event) {
		c.enqueuePush(protocol.NewPush(protocol.ChannelEvent, subID, map[string]any{
			"topic": ev.Topic,
			"event": ev,
		}))
	}
	handle, err := c.srv.cfg.Rules.Subscribe(pattern, sink)
	if err != nil {
		return nil, err
	}
	c.subs[subID] = &connSub{channel: protocol.ChannelEvent, handle: handle}
	c.srv.subscriptionAdded()
	c.publishMeta()
	return map[string]any{"subscriptionId": subID}, nil
}

func handleRulesStats(c *Conn, req *protocol.Request) (any, error) {
	return c.srv.cfg.Rules.Stats(), nil
}
