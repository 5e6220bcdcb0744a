package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		seq INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(session_id, seq)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);`,
}

// turnRow is a turn as stored. The full turn is kept as JSON in payload;
// the other columns exist for querying.
type turnRow struct {
	ID        string
	SessionID string
	Seq       int
	UserText  string
	Status    string
	Payload   string
	CreatedAt time.Time
}

func toRow(t *models.Turn) (turnRow, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return turnRow{}, fmt.Errorf("encoding turn: %w", err)
	}
	return turnRow{
		ID:        t.ID,
		SessionID: t.SessionID,
		Seq:       t.Seq,
		UserText:  t.UserText,
		Status:    string(t.Status),
		Payload:   string(raw),
		CreatedAt: t.CreatedAt,
	}, nil
}

func (r turnRow) toTurn() (models.Turn, error) {
	var t models.Turn
	if err := json.Unmarshal([]byte(r.Payload), &t); err != nil {
		return models.Turn{}, fmt.Errorf("decoding turn %s: %w", r.ID, err)
	}
	// Columns are authoritative for the identity fields.
	t.ID = r.ID
	t.SessionID = r.SessionID
	t.Seq = r.Seq
	return t, nil
}
