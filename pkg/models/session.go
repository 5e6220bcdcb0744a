package models

import "time"

// IntentCategory is the routing decision made by the classifier.
type IntentCategory string

const (
	IntentDirect       IntentCategory = "direct"
	IntentSingleAction IntentCategory = "single_action"
	IntentMultiStep    IntentCategory = "multi_step"
)

// Valid reports whether c is one of the known categories.
func (c IntentCategory) Valid() bool {
	switch c {
	case IntentDirect, IntentSingleAction, IntentMultiStep:
		return true
	}
	return false
}

// CandidateAction is one action the classifier extracted from the request.
type CandidateAction struct {
	AgentHint  string         `json:"agent"`
	ActionHint string         `json:"action"`
	FreeParams map[string]any `json:"params,omitempty"`
}

// Intent is the classifier's reading of a request.
type Intent struct {
	Category   IntentCategory    `json:"category"`
	Candidates []CandidateAction `json:"candidates,omitempty"`
	// SkipRetrieval is set when the user asked only for an action with no
	// informational lookup.
	SkipRetrieval bool `json:"skip_retrieval,omitempty"`
	// Degraded is set when the completion call failed and the intent fell
	// back to a direct answer.
	Degraded bool `json:"degraded,omitempty"`
}

// Response is what the user sees for a turn.
type Response struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
	// Partial is true when some steps failed but an answer was still produced.
	Partial bool     `json:"partial"`
	Errors  []string `json:"errors,omitempty"`
}

// TurnStatus summarizes how a turn ended.
type TurnStatus string

const (
	TurnStatusCompleted        TurnStatus = "completed"
	TurnStatusPartial          TurnStatus = "partial"
	TurnStatusFailed           TurnStatus = "failed"
	TurnStatusDeadlineExceeded TurnStatus = "deadline_exceeded"
)

// Turn records one request/response exchange. It is immutable once appended
// to the session store.
type Turn struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	Seq                int        `json:"seq"`
	UserText           string     `json:"user_text"`
	Intent             Intent     `json:"intent"`
	Plan               *Plan      `json:"plan,omitempty"`
	Response           *Response  `json:"response,omitempty"`
	Status             TurnStatus `json:"status"`
	ClassifierDegraded bool       `json:"classifier_degraded,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Session is a conversation: an ordered, append-only list of turns.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns,omitempty"`
}

// LastTurn returns the most recent turn, or nil.
func (s *Session) LastTurn() *Turn {
	if s == nil || len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}
