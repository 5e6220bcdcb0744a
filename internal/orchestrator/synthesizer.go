package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/toankh-dev/chat-bot-sub001/internal/llm"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

const (
	defaultSynthesizerMaxTokens = 1024
	maxPayloadInPrompt          = 4000
)

// Synthesizer turns step results into the user-facing response.
type Synthesizer struct {
	Model       llm.Completer
	Prompts     *PromptManager
	MaxTokens   int
	Temperature float64
	Logger      *observability.Logger
}

type synthesisView struct {
	Persona    string
	UserText   string
	Steps      []stepView
	Citations  []citationView
	Incomplete bool
}

type stepView struct {
	Label   string
	Outcome models.Outcome
	Payload string
	Error   string
}

type citationView struct {
	N            int
	SourceSystem string
	SourceID     string
	Excerpt      string
}

// Synthesize builds the response for a finished plan. When no step
// succeeded the model is not called and a fixed apology is returned with
// ErrAllStepsFailed.
func (s *Synthesizer) Synthesize(ctx context.Context, plan *models.Plan, results map[string]*models.StepResult, session *models.Session) (*models.Response, error) {
	citations := MergeCitations(plan, results)
	errs := failureSummaries(plan, results)

	resp := &models.Response{
		Citations: citations,
		Errors:    errs,
		Partial:   len(errs) > 0,
	}

	if !anyOK(plan, results) {
		// Nothing was produced, so this is a failure rather than a partial answer.
		resp.Text = apology(plan, results)
		resp.Partial = false
		s.Logger.LogSynthesis(sessionID(session), plan.ID, 0, resp.Partial, errs)
		return resp, ErrAllStepsFailed
	}

	prompt, err := s.prompt(plan, results, citations, len(errs) > 0)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSynthesizerMaxTokens
	}
	text, err := s.Model.Complete(ctx, prompt, llm.CallOptions{
		MaxTokens:   maxTokens,
		Temperature: s.Temperature,
		Purpose:     "synthesize",
	})
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	resp.Text = strings.TrimSpace(text)
	s.Logger.LogSynthesis(sessionID(session), plan.ID, len(citations), resp.Partial, errs)
	return resp, nil
}

// MergeCitations collects citations from ok steps in declaration order,
// keeping the first occurrence of each (source_system, source_id).
func MergeCitations(plan *models.Plan, results map[string]*models.StepResult) []models.Citation {
	var out []models.Citation
	seen := make(map[string]bool)
	for _, id := range plan.Order {
		res := results[id]
		if res == nil || res.Outcome != models.OutcomeOK {
			continue
		}
		for _, c := range res.Citations {
			if seen[c.Key()] {
				continue
			}
			seen[c.Key()] = true
			out = append(out, c)
		}
	}
	return out
}

func failureSummaries(plan *models.Plan, results map[string]*models.StepResult) []string {
	var out []string
	for _, step := range plan.Ordered() {
		res := results[step.ID]
		if res == nil {
			out = append(out, step.Label()+": no result")
			continue
		}
		if res.Outcome == models.OutcomeOK {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", step.Label(), describeFailure(res)))
	}
	return out
}

func describeFailure(res *models.StepResult) string {
	if res.Error != "" {
		return res.Error
	}
	return string(res.Outcome)
}

func anyOK(plan *models.Plan, results map[string]*models.StepResult) bool {
	for _, id := range plan.Order {
		if res := results[id]; res != nil && res.Outcome == models.OutcomeOK {
			return true
		}
	}
	return false
}

func apology(plan *models.Plan, results map[string]*models.StepResult) string {
	var b strings.Builder
	b.WriteString("Sorry, I couldn't complete your request. None of the steps succeeded:\n")
	for _, step := range plan.Ordered() {
		reason := "no result"
		if res := results[step.ID]; res != nil {
			reason = describeFailure(res)
		}
		fmt.Fprintf(&b, "- %s: %s\n", step.Label(), reason)
	}
	b.WriteString("Please try again later.")
	return b.String()
}

func (s *Synthesizer) prompt(plan *models.Plan, results map[string]*models.StepResult, citations []models.Citation, incomplete bool) (string, error) {
	persona, err := s.Prompts.Persona()
	if err != nil {
		return "", err
	}
	view := synthesisView{
		Persona:    persona,
		UserText:   plan.UserText,
		Incomplete: incomplete,
	}
	for _, step := range plan.Ordered() {
		sv := stepView{Label: step.Label(), Outcome: models.OutcomeSkipped}
		if res := results[step.ID]; res != nil {
			sv.Outcome = res.Outcome
			if res.Outcome == models.OutcomeOK {
				sv.Payload = truncate(payloadText(res.Payload), maxPayloadInPrompt)
			} else {
				sv.Error = describeFailure(res)
			}
		}
		view.Steps = append(view.Steps, sv)
	}
	for i, c := range citations {
		view.Citations = append(view.Citations, citationView{
			N:            i + 1,
			SourceSystem: c.SourceSystem,
			SourceID:     c.SourceID,
			Excerpt:      c.Excerpt,
		})
	}
	return s.Prompts.Render(synthesizerTemplate, view)
}

func sessionID(s *models.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
