// Package models holds the data shared by the orchestrator, the agent
// registry, the knowledge retrievers and the session store.
package models

import (
	"sort"
	"time"
)

// StepKind distinguishes knowledge lookups from specialist-agent calls.
type StepKind string

const (
	StepKindRetrieve    StepKind = "retrieve"
	StepKindInvokeAgent StepKind = "invoke_agent"
)

// StepState tracks where a step is in the executor's state machine.
type StepState string

const (
	StepStatePending StepState = "pending"
	StepStateRunning StepState = "running"
	StepStateDone    StepState = "done"
)

// Outcome is the terminal result of a step.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeAgentError Outcome = "agent_error"
	OutcomeSkipped    Outcome = "skipped"
)

// IsFailure reports whether the outcome prevents hard dependents from running.
func (o Outcome) IsFailure() bool {
	return o != OutcomeOK
}

// Citation points back at the source document backing part of a response.
type Citation struct {
	SourceSystem string  `json:"source_system"`
	SourceID     string  `json:"source_id"`
	Excerpt      string  `json:"excerpt"`
	Score        float64 `json:"score"`
}

// Key identifies a citation for deduplication.
func (c Citation) Key() string {
	return c.SourceSystem + "\x00" + c.SourceID
}

// StepResult is written once by the executor when a step reaches a terminal state.
type StepResult struct {
	StepID       string        `json:"step_id"`
	Outcome      Outcome       `json:"outcome"`
	Payload      any           `json:"payload,omitempty"`
	Citations    []Citation    `json:"citations,omitempty"`
	AttemptsMade int           `json:"attempts_made"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

// Step is one unit of work in a plan.
type Step struct {
	ID         string         `json:"id"`
	Kind       StepKind       `json:"kind"`
	AgentID    string         `json:"agent_id,omitempty"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// DependsOn lists hard predecessors: the step is skipped if any of them fails.
	DependsOn []string `json:"depends_on,omitempty"`
	// SoftDependsOn lists steps whose output is used when it arrives within
	// the executor's grace period.
	SoftDependsOn []string      `json:"soft_depends_on,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	MaxRetries    int           `json:"max_retries"`
	State         StepState     `json:"state"`
	Result        *StepResult   `json:"result,omitempty"`
}

// Label is a short human-readable name for the step.
func (s *Step) Label() string {
	if s.Kind == StepKindRetrieve {
		return "knowledge base lookup"
	}
	if s.AgentID == "" {
		return s.Action
	}
	return s.Action + " (" + s.AgentID + ")"
}

// Edge expresses "To depends on From".
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is the DAG of steps built for a single turn.
type Plan struct {
	ID       string           `json:"id"`
	UserText string           `json:"user_text"`
	Steps    map[string]*Step `json:"steps"`
	// Order is the declaration order of the steps.
	Order []string `json:"order"`
	// Budget is the overall deadline the planner computed for the plan.
	Budget time.Duration `json:"budget"`
	// Linearized is set when a dependency cycle was collapsed into a chain.
	Linearized bool `json:"linearized,omitempty"`
	// PriorContext carries material from earlier turns of the session. It is
	// read-only context for agent steps.
	PriorContext []string `json:"prior_context,omitempty"`
}

// NewPlan returns an empty plan.
func NewPlan(id, userText string) *Plan {
	return &Plan{
		ID:       id,
		UserText: userText,
		Steps:    make(map[string]*Step),
	}
}

// Add appends a step in declaration order.
func (p *Plan) Add(s *Step) {
	if s.State == "" {
		s.State = StepStatePending
	}
	if _, exists := p.Steps[s.ID]; !exists {
		p.Order = append(p.Order, s.ID)
	}
	p.Steps[s.ID] = s
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.Order)
}

// Ordered returns the steps in declaration order.
func (p *Plan) Ordered() []*Step {
	steps := make([]*Step, 0, len(p.Order))
	for _, id := range p.Order {
		if s, ok := p.Steps[id]; ok {
			steps = append(steps, s)
		}
	}
	return steps
}

// Edges returns the hard dependency edges sorted by (From, To).
func (p *Plan) Edges() []Edge {
	var edges []Edge
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			edges = append(edges, Edge{From: dep, To: s.ID})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Dependents returns the ids of steps that hard-depend on id, in declaration order.
func (p *Plan) Dependents(id string) []string {
	var out []string
	for _, sid := range p.Order {
		for _, dep := range p.Steps[sid].DependsOn {
			if dep == id {
				out = append(out, sid)
				break
			}
		}
	}
	return out
}
