// Package agents is the directory of specialist agents the orchestrator can
// dispatch actions to, plus the built-in and remote agent implementations.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrAmbiguousAction   = errors.New("action is supported by more than one agent")
	// ErrTransient marks failures worth retrying (transport errors, 5xx).
	ErrTransient = errors.New("transient agent failure")
)

// Request is a single action invocation.
type Request struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	// Context carries optional upstream material such as knowledge-base excerpts.
	Context  []string  `json:"context,omitempty"`
	Deadline time.Time `json:"deadline"`
}

// Reply is what an agent returns. Success=false is a semantic rejection and
// is never retried.
type Reply struct {
	Success      bool              `json:"success"`
	Payload      any               `json:"payload,omitempty"`
	Citations    []models.Citation `json:"citations,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Agent is an independently addressable specialist.
type Agent interface {
	Invoke(ctx context.Context, req Request) (*Reply, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request) (*Reply, error)

func (f AgentFunc) Invoke(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

type ActionSpec struct {
	Name           string
	Description    string
	RequiredParams []string
	// Timeout overrides the descriptor default for known-slow actions.
	Timeout time.Duration
}

// Descriptor describes one registered agent.
type Descriptor struct {
	ID                string
	Description       string
	Aliases           []string
	Actions           map[string]ActionSpec
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	ExpectedLatency   time.Duration
	Agent             Agent
}

// Supports returns the ActionSpec for action.
func (d *Descriptor) Supports(action string) (ActionSpec, bool) {
	spec, ok := d.Actions[normalize(action)]
	return spec, ok
}

// TimeoutFor returns the per-attempt timeout for action.
func (d *Descriptor) TimeoutFor(action string) time.Duration {
	if spec, ok := d.Supports(action); ok && spec.Timeout > 0 {
		return spec.Timeout
	}
	return d.DefaultTimeout
}

// MissingParams lists the required parameters of action absent from params.
func (d *Descriptor) MissingParams(action string, params map[string]any) []string {
	spec, ok := d.Supports(action)
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range spec.RequiredParams {
		v, present := params[key]
		if !present || v == nil || v == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Invoke calls the agent.
func (d *Descriptor) Invoke(ctx context.Context, req Request) (*Reply, error) {
	if _, ok := d.Supports(req.Action); !ok {
		return nil, fmt.Errorf("%s: %w %q", d.ID, ErrUnsupportedAction, req.Action)
	}
	if d.Agent == nil {
		return nil, fmt.Errorf("%s: no implementation registered", d.ID)
	}
	return d.Agent.Invoke(ctx, req)
}

// SortedActions returns the action names in lexical order.
func (d *Descriptor) SortedActions() []string {
	names := make([]string, 0, len(d.Actions))
	for name := range d.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is built once at startup and never mutated afterwards, so it is
// safe for concurrent reads without locking.
type Registry struct {
	byID     map[string]*Descriptor
	byAlias  map[string]string
	byAction map[string][]string
	ordered  []*Descriptor
}

func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]*Descriptor),
		byAlias:  make(map[string]string),
		byAction: make(map[string][]string),
	}

	for _, d := range descs {
		if d.ID == "" {
			return nil, errors.New("agent descriptor without id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", d.ID)
		}

		actions := make(map[string]ActionSpec, len(d.Actions))
		for name, spec := range d.Actions {
			key := normalize(name)
			if spec.Name == "" {
				spec.Name = key
			}
			actions[key] = spec
			r.byAction[key] = append(r.byAction[key], d.ID)
		}
		d.Actions = actions

		r.byID[d.ID] = d
		r.ordered = append(r.ordered, d)
		for _, alias := range append([]string{d.ID}, d.Aliases...) {
			key := normalize(alias)
			if owner, taken := r.byAlias[key]; taken && owner != d.ID {
				return nil, fmt.Errorf("alias %q used by both %q and %q", alias, owner, d.ID)
			}
			r.byAlias[key] = d.ID
		}
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	for _, ids := range r.byAction {
		sort.Strings(ids)
	}
	return r, nil
}

// Resolve looks an agent up by id.
func (r *Registry) Resolve(agentID string) (*Descriptor, error) {
	if d, ok := r.byID[agentID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
}

// ResolveHint maps a classifier hint to a descriptor and canonical action
// name. The agent hint may be an id or alias; when it is empty the action
// must be supported by exactly one agent.
func (r *Registry) ResolveHint(agentHint, actionHint string) (*Descriptor, string, error) {
	action := normalize(actionHint)

	var d *Descriptor
	if agentHint != "" {
		id, ok := r.byAlias[normalize(agentHint)]
		if !ok {
			return nil, action, fmt.Errorf("%w: %q", ErrUnknownAgent, agentHint)
		}
		d = r.byID[id]
	} else {
		owners := r.byAction[action]
		switch len(owners) {
		case 0:
			return nil, action, fmt.Errorf("%w %q", ErrUnsupportedAction, actionHint)
		case 1:
			d = r.byID[owners[0]]
		default:
			return nil, action, fmt.Errorf("%w: %q (%s)", ErrAmbiguousAction, actionHint, strings.Join(owners, ", "))
		}
	}

	if _, ok := d.Supports(action); !ok {
		return d, action, fmt.Errorf("%s: %w %q", d.ID, ErrUnsupportedAction, actionHint)
	}
	return d, action, nil
}

// Descriptors returns every registered agent ordered by id.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Len() int {
	return len(r.ordered)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
