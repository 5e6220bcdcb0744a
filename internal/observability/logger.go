package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeIntent      EventType = "intent"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeSynthesis   EventType = "synthesis"
	EventTypeSession     EventType = "session"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger writes one JSON event per line. LLM events are additionally
// appended to a rotating jsonl file.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

type LoggerOption func(*Logger)

// WithOutput redirects event output (stdout by default).
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) { l.out = w }
}

// WithLLMLog sets the LLM transcript file and its rotation size in megabytes.
// An empty path disables the transcript.
func WithLLMLog(path string, maxSizeMB int) LoggerOption {
	return func(l *Logger) {
		l.llmLogPath = path
		if maxSizeMB > 0 {
			l.maxSize = int64(maxSizeMB) * 1024 * 1024
		}
	}
}

func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error": "failed to marshal event: %v"}`, err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

// keep one .old file
func (l *Logger) rotateLogs() {
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

func (l *Logger) LogIntent(sessionID, category string, candidates int, degraded bool) {
	l.Log(Event{
		Type:      EventTypeIntent,
		SessionID: sessionID,
		Data: map[string]any{
			"category":   category,
			"candidates": candidates,
			"degraded":   degraded,
		},
	})
}

func (l *Logger) LogPlan(sessionID, planID string, steps int, budget time.Duration, linearized bool) {
	l.Log(Event{
		Type:      EventTypePlan,
		SessionID: sessionID,
		PlanID:    planID,
		Data: map[string]any{
			"steps":      steps,
			"budget_ms":  budget.Milliseconds(),
			"linearized": linearized,
		},
	})
}

func (l *Logger) LogStep(planID, stepID, outcome string, attempts int, latency time.Duration, errMsg string) {
	data := map[string]any{
		"step":       stepID,
		"outcome":    outcome,
		"attempts":   attempts,
		"latency_ms": latency.Milliseconds(),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.Log(Event{Type: EventTypeStep, PlanID: planID, Data: data})
}

func (l *Logger) LogPolicyCheck(planID, agentID, action, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		PlanID: planID,
		Data: map[string]string{
			"agent":  agentID,
			"action": action,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogSynthesis(sessionID, planID string, citations int, partial bool, errs []string) {
	l.Log(Event{
		Type:      EventTypeSynthesis,
		SessionID: sessionID,
		PlanID:    planID,
		Data: map[string]any{
			"citations": citations,
			"partial":   partial,
			"errors":    errs,
		},
	})
}

func (l *Logger) LogSession(sessionID string, seq int, status string, persistErr error) {
	data := map[string]any{"seq": seq, "status": status}
	if persistErr != nil {
		data["persist_error"] = persistErr.Error()
	}
	l.Log(Event{Type: EventTypeSession, SessionID: sessionID, Data: data})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(purpose, model, prompt, response string, latency time.Duration, callErr error) {
	data := map[string]any{
		"purpose":    purpose,
		"model":      model,
		"prompt":     prompt,
		"response":   response,
		"latency_ms": latency.Milliseconds(),
	}
	if callErr != nil {
		data["error"] = callErr.Error()
	}
	l.Log(Event{Type: EventTypeLLM, Data: data})
}
