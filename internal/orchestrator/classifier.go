package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/toankh-dev/chat-bot-sub001/internal/agents"
	"github.com/toankh-dev/chat-bot-sub001/internal/llm"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

const defaultClassifierMaxTokens = 512

// Classifier maps a request to an intent with one structured completion call.
type Classifier struct {
	Model     llm.Completer
	Registry  *agents.Registry
	Prompts   *PromptManager
	MaxTokens int
}

type classifierReply struct {
	Category string                   `json:"category"`
	Lookup   *bool                    `json:"lookup"`
	Actions  []models.CandidateAction `json:"actions"`
}

type classifierView struct {
	Persona  string
	Agents   []agentView
	History  []historyView
	UserText string
}

type agentView struct {
	ID          string
	Description string
	Actions     []actionView
}

type actionView struct {
	Name        string
	Description string
	Params      []string
}

type historyView struct {
	User string
	Bot  string
}

// Classify never fails outright: when the model errors or answers with
// something unusable it returns a degraded direct intent together with an
// error wrapping ErrClassificationDegraded.
func (c *Classifier) Classify(ctx context.Context, userText string, recent []models.Turn) (models.Intent, error) {
	prompt, err := c.prompt(userText, recent)
	if err != nil {
		return degraded(), fmt.Errorf("%w: %v", ErrClassificationDegraded, err)
	}

	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultClassifierMaxTokens
	}
	text, err := c.Model.Complete(ctx, prompt, llm.CallOptions{
		MaxTokens: maxTokens,
		Purpose:   "classify",
		JSON:      true,
	})
	if err != nil {
		return degraded(), fmt.Errorf("%w: %v", ErrClassificationDegraded, err)
	}

	var reply classifierReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return degraded(), fmt.Errorf("%w: %v", ErrClassificationDegraded, err)
	}
	return toIntent(reply)
}

func degraded() models.Intent {
	return models.Intent{Category: models.IntentDirect, Degraded: true}
}

func toIntent(reply classifierReply) (models.Intent, error) {
	category := models.IntentCategory(strings.ToLower(strings.TrimSpace(reply.Category)))
	if !category.Valid() {
		return degraded(), fmt.Errorf("%w: unknown category %q", ErrClassificationDegraded, reply.Category)
	}
	if category == models.IntentDirect {
		return models.Intent{Category: category}, nil
	}

	var candidates []models.CandidateAction
	for _, a := range reply.Actions {
		if strings.TrimSpace(a.ActionHint) == "" {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return degraded(), fmt.Errorf("%w: %s intent without actions", ErrClassificationDegraded, category)
	}

	intent := models.Intent{Category: category, Candidates: candidates}
	if reply.Lookup != nil && !*reply.Lookup {
		intent.SkipRetrieval = true
	}
	return intent, nil
}

func (c *Classifier) prompt(userText string, recent []models.Turn) (string, error) {
	persona, err := c.Prompts.Persona()
	if err != nil {
		return "", err
	}
	view := classifierView{Persona: persona, UserText: userText}
	if c.Registry != nil {
		for _, d := range c.Registry.Descriptors() {
			av := agentView{ID: d.ID, Description: d.Description}
			for _, name := range d.SortedActions() {
				spec := d.Actions[name]
				av.Actions = append(av.Actions, actionView{
					Name:        name,
					Description: spec.Description,
					Params:      spec.RequiredParams,
				})
			}
			view.Agents = append(view.Agents, av)
		}
	}
	for _, t := range recent {
		hv := historyView{User: t.UserText}
		if t.Response != nil {
			hv.Bot = t.Response.Text
		}
		view.History = append(view.History, hv)
	}
	return c.Prompts.Render(classifierTemplate, view)
}
