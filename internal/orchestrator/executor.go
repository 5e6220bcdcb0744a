package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/internal/governance"
	"github.com/toankh-dev/chat-bot-sub001/internal/knowledge"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxFanOut = 4
	defaultTopK      = 5
)

type ExecutorConfig struct {
	MaxFanOut    int
	GraceTimeout time.Duration
	Backoff      Backoff
	TopK         int

	// Used for the lookup an empty plan is answered with.
	RetrieveTimeout    time.Duration
	RetrieveMaxRetries int
}

// Executor runs plans. It holds no per-plan state and may run many plans
// at once.
type Executor struct {
	Registry  *agents.Registry
	Retriever knowledge.Retriever
	Policy    governance.PolicyEngine
	Logger    *observability.Logger
	Config    ExecutorConfig
}

// Execute walks the plan and returns a terminal result for every step.
// When the deadline passes (or ctx is cancelled) every unfinished step is
// marked timeout and the results are returned with ErrPlanDeadlineExceeded.
// A zero deadline means now plus the plan's budget, or ctx alone when the
// budget is zero. A plan with no steps is answered with a single
// knowledge-base lookup for its user text.
func (e *Executor) Execute(ctx context.Context, plan *models.Plan, deadline time.Time) (map[string]*models.StepResult, error) {
	if plan.Len() == 0 {
		e.directLookup(plan)
	}
	if err := checkDeps(plan); err != nil {
		return nil, err
	}
	if _, err := topoOrder(plan); err != nil {
		return nil, err
	}
	if deadline.IsZero() && plan.Budget > 0 {
		deadline = time.Now().Add(plan.Budget)
	}

	var cancel context.CancelFunc
	if deadline.IsZero() {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	r := newRun(e, plan)
	return r.drive(ctx)
}

func (e *Executor) directLookup(plan *models.Plan) {
	retries := max(e.Config.RetrieveMaxRetries, 0)
	step := lookupStep(plan.UserText, e.Config.RetrieveTimeout, retries)
	plan.Add(step)
	if plan.Budget <= 0 && step.Timeout > 0 {
		plan.Budget = step.Timeout*time.Duration(1+retries) + e.Config.Backoff.Total(retries)
	}
}

// run is the state of one plan execution. results is written once per
// step, under mu, by whichever goroutine finishes the step first.
type run struct {
	e    *Executor
	plan *models.Plan
	sem  *semaphore.Weighted

	mu        sync.Mutex
	closed    bool
	results   map[string]*models.StepResult
	attempts  map[string]int
	started   map[string]time.Time
	done      map[string]chan struct{}
	completed chan string
}

func newRun(e *Executor, plan *models.Plan) *run {
	fanOut := e.Config.MaxFanOut
	if fanOut <= 0 {
		fanOut = defaultMaxFanOut
	}
	r := &run{
		e:         e,
		plan:      plan,
		sem:       semaphore.NewWeighted(int64(fanOut)),
		results:   make(map[string]*models.StepResult, plan.Len()),
		attempts:  make(map[string]int, plan.Len()),
		started:   make(map[string]time.Time, plan.Len()),
		done:      make(map[string]chan struct{}, plan.Len()),
		completed: make(chan string, plan.Len()),
	}
	for _, id := range plan.Order {
		r.done[id] = make(chan struct{})
	}
	return r
}

func (r *run) drive(ctx context.Context) (map[string]*models.StepResult, error) {
	remaining := make(map[string]int, r.plan.Len())
	for _, step := range r.plan.Ordered() {
		remaining[step.ID] = len(uniqueDeps(step))
	}

	// Steps the planner already failed are never dispatched.
	for _, step := range r.plan.Ordered() {
		if step.State == models.StepStateDone && step.Result != nil {
			res := *step.Result
			res.StepID = step.ID
			r.record(step.ID, &res)
		}
	}
	for _, step := range r.plan.Ordered() {
		if remaining[step.ID] == 0 {
			r.launch(ctx, step)
		}
	}

	for finished := 0; finished < r.plan.Len(); finished++ {
		select {
		case id := <-r.completed:
			res := r.result(id)
			for _, dep := range r.plan.Dependents(id) {
				if res.Outcome.IsFailure() {
					r.skip(dep, id)
					continue
				}
				remaining[dep]--
				if remaining[dep] == 0 {
					r.launch(ctx, r.plan.Steps[dep])
				}
			}
		case <-ctx.Done():
			r.abandon(ctx.Err())
			return r.snapshot(), fmt.Errorf("%w: %w", ErrPlanDeadlineExceeded, ctx.Err())
		}
	}
	return r.snapshot(), nil
}

func (r *run) launch(ctx context.Context, step *models.Step) {
	if r.terminal(step.ID) {
		return
	}
	go r.work(ctx, step)
}

func (r *run) work(ctx context.Context, step *models.Step) {
	r.waitSoft(ctx, step)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	if !r.markRunning(step) {
		return
	}
	start := time.Now()

	var res *models.StepResult
	switch step.Kind {
	case models.StepKindRetrieve:
		res = r.retrieve(ctx, step)
	case models.StepKindInvokeAgent:
		res = r.invoke(ctx, step)
	default:
		res = failed(step.ID, fmt.Errorf("%w: unknown step kind %q", ErrStepAgentError, step.Kind), 0)
	}
	if res == nil {
		// Abandoned because the plan was cancelled.
		return
	}
	res.StepID = step.ID
	res.Latency = time.Since(start)
	r.record(step.ID, res)
}

// waitSoft waits up to the grace timeout for soft dependencies.
func (r *run) waitSoft(ctx context.Context, step *models.Step) {
	if len(step.SoftDependsOn) == 0 {
		return
	}
	grace := time.NewTimer(r.e.Config.GraceTimeout)
	defer grace.Stop()
	for _, dep := range step.SoftDependsOn {
		ch, ok := r.done[dep]
		if !ok {
			continue
		}
		select {
		case <-ch:
		case <-grace.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

type callResult struct {
	payload   any
	citations []models.Citation
	err       error
}

// attempt runs call with a per-attempt timeout, retrying timeouts and
// transient failures with backoff. It returns nil if ctx ends first.
func (r *run) attempt(ctx context.Context, step *models.Step, call func(context.Context) callResult) *models.StepResult {
	var lastErr error
	attempts := 0
	for attempts <= max(step.MaxRetries, 0) {
		if attempts > 0 {
			if err := sleep(ctx, r.e.Config.Backoff.Delay(attempts)); err != nil {
				return nil
			}
		}
		attempts++
		r.setAttempts(step.ID, attempts)

		out, timedOut := r.once(ctx, step.Timeout, call)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case timedOut:
			lastErr = fmt.Errorf("%w after %s", ErrStepTimeout, step.Timeout)
			continue
		case out.err == nil:
			return &models.StepResult{
				Outcome:      models.OutcomeOK,
				Payload:      out.payload,
				Citations:    out.citations,
				AttemptsMade: attempts,
			}
		case errors.Is(out.err, agents.ErrTransient):
			lastErr = out.err
			continue
		default:
			return failed(step.ID, out.err, attempts)
		}
	}

	if errors.Is(lastErr, ErrStepTimeout) {
		return &models.StepResult{
			Outcome:      models.OutcomeTimeout,
			AttemptsMade: attempts,
			Error:        fmt.Sprintf("timed out after %d attempt(s)", attempts),
		}
	}
	return failed(step.ID, lastErr, attempts)
}

func (r *run) once(ctx context.Context, timeout time.Duration, call func(context.Context) callResult) (callResult, bool) {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		ch <- call(actx)
	}()

	select {
	case out := <-ch:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && actx.Err() != nil {
			return out, true
		}
		return out, false
	case <-actx.Done():
		return callResult{err: actx.Err()}, ctx.Err() == nil
	}
}

func (r *run) retrieve(ctx context.Context, step *models.Step) *models.StepResult {
	if r.e.Retriever == nil {
		return failed(step.ID, errors.New("no knowledge retriever configured"), 0)
	}
	query, _ := step.Parameters["query"].(string)
	if query == "" {
		query = r.plan.UserText
	}
	for _, dep := range step.DependsOn {
		if res := r.result(dep); res != nil && res.Outcome == models.OutcomeOK {
			if text := payloadText(res.Payload); text != "" {
				query += "\n" + text
			}
		}
	}

	topK := r.e.Config.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return r.attempt(ctx, step, func(actx context.Context) callResult {
		cites, err := r.e.Retriever.Retrieve(actx, query, topK)
		if err != nil {
			if errors.Is(err, knowledge.ErrIndexClosed) {
				return callResult{err: err}
			}
			return callResult{err: fmt.Errorf("%w: %v", agents.ErrTransient, err)}
		}
		return callResult{
			payload:   map[string]any{"query": query, "matches": len(cites)},
			citations: cites,
		}
	})
}

func (r *run) invoke(ctx context.Context, step *models.Step) *models.StepResult {
	if r.e.Registry == nil {
		return failed(step.ID, agents.ErrUnknownAgent, 0)
	}
	d, err := r.e.Registry.Resolve(step.AgentID)
	if err != nil {
		return failed(step.ID, err, 0)
	}

	params, _ := substituteRefs(step.Parameters, r.payloadOf).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if r.e.Policy != nil {
		verdict, err := r.e.Policy.Evaluate(ctx, governance.Request{
			AgentID:    d.ID,
			Action:     step.Action,
			Parameters: params,
		})
		if err != nil {
			return failed(step.ID, fmt.Errorf("policy check failed: %w", err), 0)
		}
		r.e.Logger.LogPolicyCheck(r.plan.ID, d.ID, step.Action, string(verdict.Effect), verdict.Reason)
		if verdict.Effect == governance.EffectDeny {
			return failed(step.ID, fmt.Errorf("denied by policy: %s", verdict.Reason), 0)
		}
	}

	if missing := d.MissingParams(step.Action, params); len(missing) > 0 {
		return failed(step.ID, fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", ")), 0)
	}

	extra := r.agentContext()
	return r.attempt(ctx, step, func(actx context.Context) callResult {
		deadline, _ := actx.Deadline()
		reply, err := d.Invoke(actx, agents.Request{
			Action:     step.Action,
			Parameters: params,
			Context:    extra,
			Deadline:   deadline,
		})
		if err != nil {
			return callResult{err: err}
		}
		if reply == nil {
			return callResult{err: fmt.Errorf("%w: empty reply", ErrStepAgentError)}
		}
		if !reply.Success {
			msg := reply.ErrorMessage
			if msg == "" {
				msg = "agent reported failure"
			}
			return callResult{err: fmt.Errorf("%w: %s", ErrStepAgentError, msg)}
		}
		return callResult{payload: reply.Payload, citations: reply.Citations}
	})
}

// agentContext gathers knowledge-base excerpts (if the lookup finished in
// time) and material from earlier turns.
func (r *run) agentContext() []string {
	var out []string
	if res := r.result(RetrieveStepID); res != nil && res.Outcome == models.OutcomeOK {
		for _, c := range res.Citations {
			out = append(out, fmt.Sprintf("[%s/%s] %s", c.SourceSystem, c.SourceID, c.Excerpt))
		}
	}
	return append(out, r.plan.PriorContext...)
}

func (r *run) payloadOf(n int) (any, bool) {
	res := r.result(stepID(n))
	if res == nil || res.Outcome != models.OutcomeOK {
		return nil, false
	}
	return res.Payload, true
}

func failed(id string, err error, attempts int) *models.StepResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &models.StepResult{
		StepID:       id,
		Outcome:      models.OutcomeAgentError,
		AttemptsMade: attempts,
		Error:        msg,
	}
}

func (r *run) skip(id, cause string) {
	r.record(id, &models.StepResult{
		StepID:  id,
		Outcome: models.OutcomeSkipped,
		Error:   fmt.Sprintf("%s because %s did not complete", models.OutcomeSkipped, r.plan.Steps[cause].Label()),
	})
}

// record stores the first terminal result for id. Writes after the plan
// was abandoned are dropped.
func (r *run) record(id string, res *models.StepResult) bool {
	r.mu.Lock()
	if r.closed || r.results[id] != nil {
		r.mu.Unlock()
		return false
	}
	r.results[id] = res
	step := r.plan.Steps[id]
	step.State = models.StepStateDone
	step.Result = res
	close(r.done[id])
	r.mu.Unlock()

	r.completed <- id
	r.e.Logger.LogStep(r.plan.ID, id, string(res.Outcome), res.AttemptsMade, res.Latency, res.Error)
	return true
}

// abandon marks every unfinished step as timed out and stops accepting
// results.
func (r *run) abandon(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	reason := "cancelled: " + ErrPlanDeadlineExceeded.Error()
	if errors.Is(cause, context.Canceled) {
		reason = "cancelled"
	}
	now := time.Now()
	for _, id := range r.plan.Order {
		if r.results[id] != nil {
			continue
		}
		res := &models.StepResult{
			StepID:       id,
			Outcome:      models.OutcomeTimeout,
			AttemptsMade: r.attempts[id],
			Error:        reason,
		}
		if t, ok := r.started[id]; ok {
			res.Latency = now.Sub(t)
		}
		r.results[id] = res
		step := r.plan.Steps[id]
		step.State = models.StepStateDone
		step.Result = res
		r.e.Logger.LogStep(r.plan.ID, id, string(res.Outcome), res.AttemptsMade, res.Latency, res.Error)
	}
}

func (r *run) markRunning(step *models.Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.results[step.ID] != nil {
		return false
	}
	step.State = models.StepStateRunning
	r.started[step.ID] = time.Now()
	return true
}

func (r *run) setAttempts(id string, n int) {
	r.mu.Lock()
	r.attempts[id] = n
	r.mu.Unlock()
}

func (r *run) result(id string) *models.StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id]
}

func (r *run) terminal(id string) bool {
	return r.result(id) != nil
}

func (r *run) snapshot() map[string]*models.StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*models.StepResult, len(r.results))
	for id, res := range r.results {
		out[id] = res
	}
	return out
}
