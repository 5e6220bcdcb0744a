package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/internal/governance"
	"github.com/toankh-dev/chat-bot-sub001/internal/knowledge"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

func newTestExecutor(reg *agents.Registry, kb knowledge.Retriever) *Executor {
	return &Executor{
		Registry:  reg,
		Retriever: kb,
		Config: ExecutorConfig{
			MaxFanOut:    4,
			GraceTimeout: 200 * time.Millisecond,
			Backoff:      Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
			TopK:         3,
		},
	}
}

func agentStep(id, agent, action string, params map[string]any, deps ...string) *models.Step {
	return &models.Step{
		ID:         id,
		Kind:       models.StepKindInvokeAgent,
		AgentID:    agent,
		Action:     action,
		Parameters: params,
		DependsOn:  deps,
		Timeout:    time.Second,
	}
}

func retrieveStep(query string) *models.Step {
	return &models.Step{
		ID:         RetrieveStepID,
		Kind:       models.StepKindRetrieve,
		Action:     "retrieve",
		Parameters: map[string]any{"query": query},
		Timeout:    time.Second,
	}
}

var terminalOutcomes = []models.Outcome{
	models.OutcomeOK, models.OutcomeTimeout, models.OutcomeAgentError, models.OutcomeSkipped,
}

func TestExecutor_EveryStepEndsTerminal(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = rejected("no thread")
	ta.report.handlers["create_ticket"] = ok("BUG-1")
	ta.report.handlers["post_message"] = blocking()
	ta.codereview.handlers["review_merge_request"] = ok("lgtm")

	plan := models.NewPlan("p1", "mixed")
	plan.Add(retrieveStep("mixed"))
	plan.Add(agentStep("step_1", "summarize", "summarize", nil))
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "{result_of: step_1}"}, "step_1"))
	slow := agentStep("step_3", "report", "post_message", map[string]any{"channel": "#dev", "text": "hi"})
	slow.Timeout = 20 * time.Millisecond
	slow.MaxRetries = 1
	plan.Add(slow)
	plan.Add(agentStep("step_4", "codereview", "review_merge_request", map[string]any{"merge_request": "!3"}))

	results, err := newTestExecutor(ta.registry, &fakeRetriever{cites: kbCitations}).
		Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, results, plan.Len())

	for _, step := range plan.Ordered() {
		res := results[step.ID]
		require.NotNil(t, res, step.ID)
		assert.Contains(t, terminalOutcomes, res.Outcome, step.ID)
		assert.Equal(t, models.StepStateDone, step.State, step.ID)
		assert.Same(t, res, step.Result, step.ID)
	}
	assert.Equal(t, models.OutcomeOK, results[RetrieveStepID].Outcome)
	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Equal(t, models.OutcomeSkipped, results["step_2"].Outcome)
	assert.Equal(t, models.OutcomeTimeout, results["step_3"].Outcome)
	assert.Equal(t, 2, results["step_3"].AttemptsMade)
	assert.Equal(t, models.OutcomeOK, results["step_4"].Outcome)
}

func TestExecutor_SkipsDependentsTransitively(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = rejected("boom")
	ta.report.handlers["create_ticket"] = ok("BUG-1")
	ta.report.handlers["post_message"] = ok("sent")

	plan := models.NewPlan("p1", "chain")
	plan.Add(agentStep("step_1", "summarize", "summarize", nil))
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "t"}, "step_1"))
	plan.Add(agentStep("step_3", "report", "post_message", map[string]any{"channel": "#dev", "text": "t"}, "step_2"))

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Equal(t, models.OutcomeSkipped, results["step_2"].Outcome)
	assert.Equal(t, models.OutcomeSkipped, results["step_3"].Outcome)
	assert.Contains(t, results["step_3"].Error, "create_ticket (report)")
	assert.Equal(t, 0, ta.report.calls("create_ticket"))
	assert.Equal(t, 0, ta.report.calls("post_message"))
}

func TestExecutor_IndependentBranchUnaffectedByTimeout(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = blocking()
	ta.report.handlers["create_ticket"] = ok(map[string]any{"ticket_id": "BUG-9"})

	plan := models.NewPlan("p1", "two branches")
	slow := agentStep("step_1", "summarize", "summarize", nil)
	slow.Timeout = 30 * time.Millisecond
	plan.Add(slow)
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "t"}))

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeTimeout, results["step_1"].Outcome)
	assert.Equal(t, models.OutcomeOK, results["step_2"].Outcome)
	assert.Equal(t, map[string]any{"ticket_id": "BUG-9"}, results["step_2"].Payload)
	assert.Equal(t, 1, results["step_2"].AttemptsMade)
}

func TestExecutor_RetriesTimeouts(t *testing.T) {
	ta := newTestAgents(t)
	var calls atomic.Int32
	ta.summarize.handlers["summarize"] = func(ctx context.Context, _ agents.Request) (*agents.Reply, error) {
		if calls.Add(1) < 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &agents.Reply{Success: true, Payload: "summary"}, nil
	}

	plan := models.NewPlan("p1", "retry")
	step := agentStep("step_1", "summarize", "summarize", nil)
	step.Timeout = 20 * time.Millisecond
	step.MaxRetries = 2
	plan.Add(step)

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)
	assert.Equal(t, 3, results["step_1"].AttemptsMade)
	assert.Equal(t, "summary", results["step_1"].Payload)
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	ta := newTestAgents(t)
	var calls atomic.Int32
	ta.summarize.handlers["summarize"] = func(context.Context, agents.Request) (*agents.Reply, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: status 503", agents.ErrTransient)
		}
		return &agents.Reply{Success: true, Payload: "summary"}, nil
	}

	plan := models.NewPlan("p1", "transient")
	step := agentStep("step_1", "summarize", "summarize", nil)
	step.MaxRetries = 1
	plan.Add(step)

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)
	assert.Equal(t, 2, results["step_1"].AttemptsMade)
}

func TestExecutor_AgentRejectionIsNotRetried(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = rejected("thread not found")

	plan := models.NewPlan("p1", "reject")
	step := agentStep("step_1", "summarize", "summarize", nil)
	step.MaxRetries = 3
	plan.Add(step)

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Equal(t, 1, results["step_1"].AttemptsMade)
	assert.Contains(t, results["step_1"].Error, "thread not found")
	assert.Equal(t, 1, ta.summarize.calls("summarize"))
}

func TestExecutor_PlanDeadlineKeepsFinishedWork(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["create_ticket"] = ok("BUG-1")
	ta.summarize.handlers["summarize"] = blocking()
	ta.report.handlers["post_message"] = ok("sent")

	plan := models.NewPlan("p1", "deadline")
	plan.Add(agentStep("step_1", "report", "create_ticket", map[string]any{"title": "t"}))
	plan.Add(agentStep("step_2", "summarize", "summarize", nil))
	plan.Add(agentStep("step_3", "report", "post_message", map[string]any{"channel": "#dev", "text": "t"}, "step_2"))

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Now().Add(100*time.Millisecond))
	require.ErrorIs(t, err, ErrPlanDeadlineExceeded)

	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)
	assert.Equal(t, models.OutcomeTimeout, results["step_2"].Outcome)
	assert.Equal(t, 1, results["step_2"].AttemptsMade)
	assert.Equal(t, models.OutcomeTimeout, results["step_3"].Outcome)
	assert.Equal(t, 0, results["step_3"].AttemptsMade)
	assert.Equal(t, 0, ta.report.calls("post_message"))
}

func TestExecutor_CancelPropagates(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = blocking()

	plan := models.NewPlan("p1", "cancel")
	plan.Add(agentStep("step_1", "summarize", "summarize", nil))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	results, err := newTestExecutor(ta.registry, nil).Execute(ctx, plan, time.Now().Add(5*time.Second))
	require.ErrorIs(t, err, ErrPlanDeadlineExceeded)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.OutcomeTimeout, results["step_1"].Outcome)
	assert.Equal(t, "cancelled", results["step_1"].Error)
}

func TestExecutor_SubstitutesUpstreamPayloadAndContext(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = ok("login bug and export bug")
	ta.report.handlers["create_ticket"] = ok("BUG-2")

	plan := models.NewPlan("p1", "summarize then ticket")
	plan.Add(retrieveStep("summarize then ticket"))
	first := agentStep("step_1", "summarize", "summarize", nil)
	first.SoftDependsOn = []string{RetrieveStepID}
	plan.Add(first)
	second := agentStep("step_2", "report", "create_ticket", map[string]any{
		"title":       "Bugs: {result_of: step_1}",
		"description": map[string]any{"result_of": "step_1"},
	}, "step_1")
	second.SoftDependsOn = []string{RetrieveStepID}
	plan.Add(second)
	plan.PriorContext = []string{"Previous answer: hello"}

	results, err := newTestExecutor(ta.registry, &fakeRetriever{cites: kbCitations}).
		Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, results["step_2"].Outcome)

	req, found := ta.report.lastRequest("create_ticket")
	require.True(t, found)
	assert.Equal(t, "Bugs: login bug and export bug", req.Parameters["title"])
	assert.Equal(t, "login bug and export bug", req.Parameters["description"])
	assert.Equal(t, []string{
		"[gitlab/X#12] Login fails after password reset",
		"[backlog/X-7] Export times out on large projects",
		"Previous answer: hello",
	}, req.Context)
	// The plan's own parameters are left untouched.
	assert.Equal(t, "Bugs: {result_of: step_1}", plan.Steps["step_2"].Parameters["title"])
}

func TestExecutor_SoftDependencyGrace(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["create_ticket"] = ok("BUG-3")

	plan := models.NewPlan("p1", "slow lookup")
	plan.Add(retrieveStep("slow lookup"))
	step := agentStep("step_1", "report", "create_ticket", map[string]any{"title": "t"})
	step.SoftDependsOn = []string{RetrieveStepID}
	plan.Add(step)

	exec := newTestExecutor(ta.registry, &fakeRetriever{cites: kbCitations, delay: 300 * time.Millisecond})
	exec.Config.GraceTimeout = 20 * time.Millisecond

	results, err := exec.Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, results[RetrieveStepID].Outcome)
	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)

	req, found := ta.report.lastRequest("create_ticket")
	require.True(t, found)
	assert.Empty(t, req.Context)
}

func TestExecutor_RetrieveFailureDoesNotBlockActions(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["create_ticket"] = ok("BUG-4")

	plan := models.NewPlan("p1", "kb down")
	plan.Add(retrieveStep("kb down"))
	step := agentStep("step_1", "report", "create_ticket", map[string]any{"title": "t"})
	step.SoftDependsOn = []string{RetrieveStepID}
	plan.Add(step)

	kb := &fakeRetriever{err: fmt.Errorf("connection refused")}
	results, err := newTestExecutor(ta.registry, kb).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAgentError, results[RetrieveStepID].Outcome)
	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)
}

func TestExecutor_RetrieveQueryIncludesUpstreamPayload(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = ok("export hangs on large files")

	plan := models.NewPlan("p1", "find related bugs")
	plan.Add(agentStep("step_1", "summarize", "summarize", nil))
	lookup := retrieveStep("find related bugs")
	lookup.DependsOn = []string{"step_1"}
	plan.Add(lookup)

	kb := &fakeRetriever{cites: kbCitations}
	results, err := newTestExecutor(ta.registry, kb).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, results[RetrieveStepID].Outcome)

	require.Len(t, kb.queries, 1)
	assert.Equal(t, "find related bugs\nexport hangs on large files", kb.queries[0])
}

func TestExecutor_PolicyDenial(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["post_message"] = ok("sent")

	policy := governance.NewDefaultPolicyEngine()
	policy.DenyAction("post_message")

	plan := models.NewPlan("p1", "post")
	plan.Add(agentStep("step_1", "report", "post_message", map[string]any{"channel": "#general", "text": "hi"}))

	exec := newTestExecutor(ta.registry, nil)
	exec.Policy = policy
	results, err := exec.Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Contains(t, results["step_1"].Error, "denied by policy")
	assert.Equal(t, 0, ta.report.calls("post_message"))
}

func TestExecutor_MissingRequiredParams(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["post_message"] = ok("sent")

	plan := models.NewPlan("p1", "post")
	plan.Add(agentStep("step_1", "report", "post_message", map[string]any{"text": "hi"}))

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Contains(t, results["step_1"].Error, "channel")
	assert.Equal(t, 0, ta.report.calls("post_message"))
}

func TestExecutor_PresetFailuresAreNotDispatched(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["create_ticket"] = ok("BUG-5")

	plan := models.NewPlan("p1", "preset")
	bad := agentStep("step_1", "jira", "open_issue", nil)
	preset(bad, agents.ErrUnknownAgent)
	plan.Add(bad)
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "t"}, "step_1"))
	plan.Add(agentStep("step_3", "report", "create_ticket", map[string]any{"title": "t"}))

	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAgentError, results["step_1"].Outcome)
	assert.Contains(t, results["step_1"].Error, "unsupported action")
	assert.Equal(t, models.OutcomeSkipped, results["step_2"].Outcome)
	assert.Equal(t, models.OutcomeOK, results["step_3"].Outcome)
	assert.Equal(t, 1, ta.report.calls("create_ticket"))
}

func TestExecutor_RejectsCyclicPlan(t *testing.T) {
	plan := models.NewPlan("p1", "cycle")
	plan.Add(agentStep("step_1", "report", "create_ticket", nil, "step_2"))
	plan.Add(agentStep("step_2", "report", "create_ticket", nil, "step_1"))

	_, err := newTestExecutor(nil, nil).Execute(context.Background(), plan, time.Time{})
	require.ErrorIs(t, err, ErrCyclicPlan)
}

func TestExecutor_RejectsUnknownDependency(t *testing.T) {
	ta := newTestAgents(t)
	ta.report.handlers["create_ticket"] = ok("BUG-1")

	plan := models.NewPlan("p1", "dangling")
	plan.Add(agentStep("step_1", "report", "create_ticket", map[string]any{"title": "a"}))
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "b"}, "step_9"))

	_, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Time{})
	require.ErrorIs(t, err, ErrUnknownStep)
	assert.Contains(t, err.Error(), "step_9")
	assert.Equal(t, 0, ta.report.calls("create_ticket"))

	soft := models.NewPlan("p2", "dangling soft")
	step := agentStep("step_1", "report", "create_ticket", map[string]any{"title": "a"})
	step.SoftDependsOn = []string{RetrieveStepID}
	soft.Add(step)

	_, err = newTestExecutor(ta.registry, nil).Execute(context.Background(), soft, time.Time{})
	require.ErrorIs(t, err, ErrUnknownStep)
	assert.Equal(t, 0, ta.report.calls("create_ticket"))
}

func TestExecutor_RepeatedDependencyCountsOnce(t *testing.T) {
	ta := newTestAgents(t)
	ta.summarize.handlers["summarize"] = ok("two bugs")
	ta.report.handlers["create_ticket"] = ok("BUG-1")

	plan := models.NewPlan("p1", "repeat")
	plan.Add(agentStep("step_1", "summarize", "summarize", nil))
	plan.Add(agentStep("step_2", "report", "create_ticket", map[string]any{"title": "t"}, "step_1", "step_1"))

	start := time.Now()
	results, err := newTestExecutor(ta.registry, nil).Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, models.OutcomeOK, results["step_1"].Outcome)
	assert.Equal(t, models.OutcomeOK, results["step_2"].Outcome)
	assert.Equal(t, 1, ta.report.calls("create_ticket"))
}

func TestExecutor_EmptyPlanAnswersFromKnowledgeBase(t *testing.T) {
	kb := &fakeRetriever{cites: kbCitations}
	plan := models.NewPlan("p1", "hello")

	results, err := newTestExecutor(newTestAgents(t).registry, kb).Execute(context.Background(), plan, time.Time{})
	require.NoError(t, err)

	require.Equal(t, 1, plan.Len())
	require.Contains(t, plan.Steps, RetrieveStepID)
	assert.Equal(t, models.OutcomeOK, results[RetrieveStepID].Outcome)
	require.Len(t, kb.queries, 1)
	assert.Equal(t, "hello", kb.queries[0])

	model := newFakeModel("", "Hi! Nothing in the knowledge base needs attention.")
	resp, err := (&Synthesizer{Model: model}).Synthesize(context.Background(), plan, results, nil)
	require.NoError(t, err)
	assert.Equal(t, kbCitations, resp.Citations)
	assert.False(t, resp.Partial)
	assert.Equal(t, 1, model.calls("synthesize"))
}

func TestExecutor_BoundsFanOut(t *testing.T) {
	ta := newTestAgents(t)
	var inFlight, peak atomic.Int32
	ta.report.handlers["create_ticket"] = func(context.Context, agents.Request) (*agents.Reply, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &agents.Reply{Success: true}, nil
	}

	plan := models.NewPlan("p1", "fan out")
	for i := 1; i <= 6; i++ {
		plan.Add(agentStep(stepID(i), "report", "create_ticket", map[string]any{"title": "t"}))
	}

	exec := newTestExecutor(ta.registry, nil)
	exec.Config.MaxFanOut = 2
	results, err := exec.Execute(context.Background(), plan, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, models.OutcomeOK, res.Outcome)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 6, ta.report.calls("create_ticket"))
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(9))
	assert.Equal(t, 700*time.Millisecond, b.Total(3))
	assert.Equal(t, time.Duration(0), Backoff{}.Total(3))
}
