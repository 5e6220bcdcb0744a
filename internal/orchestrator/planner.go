package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// RetrieveStepID is the id of the knowledge-base lookup step.
const RetrieveStepID = "kb"

const maxPriorContext = 600

type PlannerConfig struct {
	GraceTimeout       time.Duration
	SafetyMargin       time.Duration
	RetrieveTimeout    time.Duration
	RetrieveMaxRetries int
	Backoff            Backoff
}

// Planner turns an intent into a dependency graph of steps.
type Planner struct {
	Registry *agents.Registry
	Config   PlannerConfig
}

// Plan builds the step graph for one turn. The returned plan is always
// acyclic and carries its overall time budget.
func (p *Planner) Plan(userText string, intent models.Intent, session *models.Session) (*models.Plan, error) {
	plan := models.NewPlan(uuid.NewString(), userText)
	plan.PriorContext = priorContext(session)

	candidates := intent.Candidates
	if intent.Category == models.IntentDirect || len(candidates) == 0 {
		plan.Add(p.retrieveStep(userText))
		plan.Budget = p.budget(plan)
		return plan, nil
	}

	if !intent.SkipRetrieval {
		plan.Add(p.retrieveStep(userText))
	}

	for i, c := range candidates {
		n := i + 1
		step := p.actionStep(stepID(n), c)
		if step.State != models.StepStateDone {
			for _, k := range findRefs(step.Parameters) {
				if k < 1 || k > len(candidates) || k == n {
					continue
				}
				step.DependsOn = append(step.DependsOn, stepID(k))
			}
			if !intent.SkipRetrieval {
				step.SoftDependsOn = []string{RetrieveStepID}
			}
		}
		plan.Add(step)
	}

	if linearize(plan) {
		plan.Linearized = true
	}
	if _, err := topoOrder(plan); err != nil {
		return nil, err
	}
	plan.Budget = p.budget(plan)
	return plan, nil
}

func (p *Planner) retrieveStep(userText string) *models.Step {
	return lookupStep(userText, p.Config.RetrieveTimeout, p.Config.RetrieveMaxRetries)
}

// lookupStep is the knowledge-base lookup for userText.
func lookupStep(userText string, timeout time.Duration, retries int) *models.Step {
	return &models.Step{
		ID:         RetrieveStepID,
		Kind:       models.StepKindRetrieve,
		Action:     "retrieve",
		Parameters: map[string]any{"query": userText},
		Timeout:    timeout,
		MaxRetries: retries,
	}
}

// actionStep resolves a candidate against the registry. Hints that do not
// resolve produce a step whose agent_error result is already set.
func (p *Planner) actionStep(id string, c models.CandidateAction) *models.Step {
	params := make(map[string]any, len(c.FreeParams))
	for k, v := range c.FreeParams {
		params[k] = v
	}

	step := &models.Step{
		ID:         id,
		Kind:       models.StepKindInvokeAgent,
		AgentID:    c.AgentHint,
		Action:     c.ActionHint,
		Parameters: params,
	}

	if p.Registry == nil {
		preset(step, fmt.Errorf("%w: %q", agents.ErrUnknownAgent, c.AgentHint))
		return step
	}
	d, action, err := p.Registry.ResolveHint(c.AgentHint, c.ActionHint)
	step.Action = action
	if d != nil {
		step.AgentID = d.ID
	}
	if err != nil {
		preset(step, err)
		return step
	}

	step.Timeout = d.TimeoutFor(action)
	step.MaxRetries = d.DefaultMaxRetries
	return step
}

func preset(step *models.Step, err error) {
	step.State = models.StepStateDone
	step.Result = &models.StepResult{
		StepID:  step.ID,
		Outcome: models.OutcomeAgentError,
		Error:   "unsupported action: " + err.Error(),
	}
}

// budget is the longest chain of step budgets plus the safety margin.
func (p *Planner) budget(plan *models.Plan) time.Duration {
	order, err := topoOrder(plan)
	if err != nil {
		order = plan.Order
	}

	finish := make(map[string]time.Duration, len(order))
	var longest time.Duration
	for _, id := range order {
		step := plan.Steps[id]
		var start time.Duration
		for _, dep := range step.DependsOn {
			start = max(start, finish[dep])
		}
		finish[id] = start + p.stepBudget(step)
		longest = max(longest, finish[id])
	}
	return longest + p.Config.SafetyMargin
}

func (p *Planner) stepBudget(step *models.Step) time.Duration {
	if step.State == models.StepStateDone {
		return 0
	}
	retries := max(step.MaxRetries, 0)
	d := step.Timeout*time.Duration(1+retries) + p.Config.Backoff.Total(retries)
	if len(step.SoftDependsOn) > 0 {
		d += p.Config.GraceTimeout
	}
	return d
}

// priorContext summarizes the previous turn for agents that want it.
func priorContext(session *models.Session) []string {
	last := session.LastTurn()
	if last == nil {
		return nil
	}

	var out []string
	if last.Response != nil && last.Response.Text != "" {
		out = append(out, truncate("Previous answer: "+last.Response.Text, maxPriorContext))
	}
	if last.Plan != nil {
		for _, step := range last.Plan.Ordered() {
			if step.Result == nil || step.Result.Outcome != models.OutcomeOK || step.Kind == models.StepKindRetrieve {
				continue
			}
			text := payloadText(step.Result.Payload)
			if text == "" {
				continue
			}
			out = append(out, truncate(fmt.Sprintf("Previous %s: %s", step.Label(), text), maxPriorContext))
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
