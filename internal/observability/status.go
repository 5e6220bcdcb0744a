package observability

import (
	"sync"
	"time"
)

// Phase is the orchestrator stage currently being worked on.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseClassifying  Phase = "CLASSIFY"
	PhasePlanning     Phase = "PLAN"
	PhaseExecuting    Phase = "EXECUTE"
	PhaseSynthesizing Phase = "SYNTH"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentPhase  Phase
	ActiveSession string
	InFlight      int
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentPhase:  PhaseIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(phase Phase, sessionID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentPhase = phase
	globalStatus.ActiveSession = sessionID
}

// TurnStarted and TurnFinished track the number of in-flight turns.
func TurnStarted() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.InFlight++
}

func TurnFinished() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	if globalStatus.InFlight > 0 {
		globalStatus.InFlight--
	}
	if globalStatus.InFlight == 0 {
		globalStatus.CurrentPhase = PhaseIdle
		globalStatus.ActiveSession = ""
	}
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (Phase, string, int, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentPhase, globalStatus.ActiveSession, globalStatus.InFlight, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
