// Package orchestrator turns a user request into a response: it classifies
// the request, plans the agent calls as a dependency graph, runs the graph
// concurrently and synthesizes the results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/internal/governance"
	"github.com/toankh-dev/chat-bot-sub001/internal/knowledge"
	"github.com/toankh-dev/chat-bot-sub001/internal/llm"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
	"github.com/toankh-dev/chat-bot-sub001/internal/store"
	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

const persistTimeout = 5 * time.Second

const synthesisFallback = "Sorry, I couldn't put an answer together right now. Please try again in a moment."

// SessionStore persists turns between requests.
type SessionStore interface {
	AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error
	LoadRecent(ctx context.Context, sessionID string, n int) ([]models.Turn, error)
}

// Deps are the collaborators built outside the orchestrator.
type Deps struct {
	Model     llm.Completer
	Registry  *agents.Registry
	Retriever knowledge.Retriever
	Sessions  SessionStore
	Policy    governance.PolicyEngine
	Logger    *observability.Logger
}

type Orchestrator struct {
	Classifier  *Classifier
	Planner     *Planner
	Executor    *Executor
	Synthesizer *Synthesizer
	Sessions    SessionStore
	Locks       *store.SessionLocks
	Logger      *observability.Logger

	RecentTurns int
	// RejectConcurrent fails a second turn for a busy session with
	// ErrSessionBusy instead of queueing it.
	RejectConcurrent bool
}

// New wires an orchestrator from configuration.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	oc := cfg.Orchestrator
	prompts := NewPromptManager(cfg.App.PromptsDir)
	backoff := Backoff{Base: oc.RetryBackoff, Max: oc.MaxBackoff}

	return &Orchestrator{
		Classifier: &Classifier{
			Model:     deps.Model,
			Registry:  deps.Registry,
			Prompts:   prompts,
			MaxTokens: oc.ClassifierMaxTokens,
		},
		Planner: &Planner{
			Registry: deps.Registry,
			Config: PlannerConfig{
				GraceTimeout:       oc.GraceTimeout,
				SafetyMargin:       oc.SafetyMargin,
				RetrieveTimeout:    oc.RetrieveTimeout,
				RetrieveMaxRetries: oc.RetrieveMaxRetries,
				Backoff:            backoff,
			},
		},
		Executor: &Executor{
			Registry:  deps.Registry,
			Retriever: deps.Retriever,
			Policy:    deps.Policy,
			Logger:    deps.Logger,
			Config: ExecutorConfig{
				MaxFanOut:    oc.MaxFanOut,
				GraceTimeout: oc.GraceTimeout,
				Backoff:      backoff,
				TopK:         cfg.Knowledge.TopK,

				RetrieveTimeout:    oc.RetrieveTimeout,
				RetrieveMaxRetries: oc.RetrieveMaxRetries,
			},
		},
		Synthesizer: &Synthesizer{
			Model:       deps.Model,
			Prompts:     prompts,
			MaxTokens:   oc.SynthesizerMaxTokens,
			Temperature: oc.SynthesizerTemperature,
			Logger:      deps.Logger,
		},
		Sessions:         deps.Sessions,
		Locks:            store.NewSessionLocks(),
		Logger:           deps.Logger,
		RecentTurns:      cfg.Memory.RecentTurns,
		RejectConcurrent: cfg.Memory.RejectConcurrent,
	}
}

// HandleRequest runs one turn for sessionID. Step failures never fail the
// turn: the response explains what could not be done. An error is returned
// only when the plan ran out of time (the partial response is returned
// with it), when synthesis failed, or when the session is busy.
func (o *Orchestrator) HandleRequest(ctx context.Context, sessionID, userText string) (*models.Response, error) {
	release, err := o.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	observability.TurnStarted()
	defer observability.TurnFinished()

	observability.SetStatus(observability.PhaseClassifying, sessionID)
	recent := o.loadRecent(ctx, sessionID)
	session := &models.Session{ID: sessionID, Turns: recent}

	intent, cerr := o.Classifier.Classify(ctx, userText, recent)
	if cerr != nil {
		log.Printf("Warning: %v", cerr)
	}
	o.Logger.LogIntent(sessionID, string(intent.Category), len(intent.Candidates), intent.Degraded)

	observability.SetStatus(observability.PhasePlanning, sessionID)
	plan, err := o.Planner.Plan(userText, intent, session)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	o.Logger.LogPlan(sessionID, plan.ID, plan.Len(), plan.Budget, plan.Linearized)

	observability.SetStatus(observability.PhaseExecuting, sessionID)
	// The executor derives the deadline from the plan's budget; a plan
	// with no budget runs under ctx alone.
	results, execErr := o.Executor.Execute(ctx, plan, time.Time{})
	if execErr != nil && !errors.Is(execErr, ErrPlanDeadlineExceeded) {
		return nil, fmt.Errorf("executing plan: %w", execErr)
	}

	observability.SetStatus(observability.PhaseSynthesizing, sessionID)
	resp, synthErr := o.Synthesizer.Synthesize(ctx, plan, results, session)
	if errors.Is(synthErr, ErrAllStepsFailed) {
		synthErr = nil
	} else if synthErr != nil && resp != nil {
		resp.Text = synthesisFallback
	}

	status := turnStatus(execErr, synthErr, results, resp)
	o.persist(ctx, sessionID, &models.Turn{
		UserText:           userText,
		Intent:             intent,
		Plan:               plan,
		Response:           resp,
		Status:             status,
		ClassifierDegraded: intent.Degraded,
	})

	switch {
	case execErr != nil:
		return resp, execErr
	case synthErr != nil:
		return resp, synthErr
	}
	return resp, nil
}

func turnStatus(execErr, synthErr error, results map[string]*models.StepResult, resp *models.Response) models.TurnStatus {
	switch {
	case errors.Is(execErr, ErrPlanDeadlineExceeded):
		return models.TurnStatusDeadlineExceeded
	case synthErr != nil, !anyResultOK(results):
		return models.TurnStatusFailed
	case resp != nil && resp.Partial:
		return models.TurnStatusPartial
	}
	return models.TurnStatusCompleted
}

func anyResultOK(results map[string]*models.StepResult) bool {
	for _, res := range results {
		if res != nil && res.Outcome == models.OutcomeOK {
			return true
		}
	}
	return false
}

func (o *Orchestrator) lock(ctx context.Context, sessionID string) (func(), error) {
	if o.Locks == nil {
		return func() {}, nil
	}
	if o.RejectConcurrent {
		return o.Locks.TryAcquire(sessionID)
	}
	return o.Locks.Acquire(ctx, sessionID)
}

func (o *Orchestrator) loadRecent(ctx context.Context, sessionID string) []models.Turn {
	if o.Sessions == nil || o.RecentTurns <= 0 {
		return nil
	}
	recent, err := o.Sessions.LoadRecent(ctx, sessionID, o.RecentTurns)
	if err != nil {
		log.Printf("Warning: failed to load history for %s: %v", sessionID, err)
		return nil
	}
	return recent
}

// persist appends the turn even if the request context was cancelled.
// A failed write is logged and does not change the response.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, turn *models.Turn) {
	if o.Sessions == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := o.Sessions.AppendTurn(pctx, sessionID, turn)
	if err != nil {
		log.Printf("Warning: failed to persist turn for %s: %v", sessionID, err)
	}
	o.Logger.LogSession(sessionID, turn.Seq, string(turn.Status), err)
}
