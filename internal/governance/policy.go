package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes an agent action about to be dispatched.
type Request struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	SessionID  string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates agent actions against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies whole agents, single actions, or actions whose
// parameters match a pattern.
type DefaultPolicyEngine struct {
	DeniedAgents  map[string]bool
	DeniedActions map[string]bool
	DeniedRegex   []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedAgents:  make(map[string]bool),
		DeniedActions: make(map[string]bool),
		DeniedRegex:   make([]*regexp.Regexp, 0),
	}
}

// FromConfig builds an engine from the policy section.
func FromConfig(cfg config.PolicyConfig) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, a := range cfg.DeniedAgents {
		e.DenyAgent(a)
	}
	for _, a := range cfg.DeniedActions {
		e.DenyAction(a)
	}
	for _, p := range cfg.DeniedPatterns {
		if err := e.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("policy pattern %q: %w", p, err)
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyAgent(id string) {
	e.DeniedAgents[id] = true
}

func (e *DefaultPolicyEngine) DenyAction(name string) {
	e.DeniedActions[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedAgents[req.AgentID] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Agent '%s' is restricted by system policy", req.AgentID),
		}, nil
	}
	if e.DeniedActions[req.Action] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Action '%s' is restricted by system policy", req.Action),
		}, nil
	}

	if len(e.DeniedRegex) > 0 {
		args, err := json.Marshal(req.Parameters)
		if err != nil {
			return Result{}, fmt.Errorf("encoding parameters: %w", err)
		}
		for _, re := range e.DeniedRegex {
			if re.Match(args) {
				return Result{
					Effect: EffectDeny,
					Reason: fmt.Sprintf("Parameters match restricted pattern: %s", re.String()),
				}, nil
			}
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
