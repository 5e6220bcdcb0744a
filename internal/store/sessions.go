package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists conversations in sqlite. Turns are append-only and
// numbered per session; the most recent turns are cached in memory.
type SessionStore struct {
	DB     *sql.DB
	recent *lru.Cache[string, recentEntry]
}

type recentEntry struct {
	n     int
	turns []models.Turn
}

func NewSessionStore(dbPath string, cacheSize int) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection keeps appends from
	// racing on the seq allocation.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, recentEntry](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SessionStore{DB: db, recent: cache}, nil
}

// AppendTurn assigns the next sequence number in the session and stores the
// turn. The session is created on first use.
func (s *SessionStore) AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`, sessionID, now); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return fmt.Errorf("allocating seq: %w", err)
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	turn.SessionID = sessionID
	turn.Seq = seq

	row, err := toRow(turn)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, seq, user_text, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.Seq, row.UserText, row.Status, row.Payload, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.recent.Remove(sessionID)
	return nil
}

// LoadRecent returns up to n most recent turns of the session in
// chronological order. An unknown session has no turns.
func (s *SessionStore) LoadRecent(ctx context.Context, sessionID string, n int) ([]models.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	if e, ok := s.recent.Get(sessionID); ok && (e.n >= n || len(e.turns) < e.n) {
		return tail(e.turns, n), nil
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, seq, user_text, status, payload, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, err
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	s.recent.Add(sessionID, recentEntry{n: n, turns: turns})
	return tail(turns, n), nil
}

// GetSession returns the full session with every turn.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess := &models.Session{ID: sessionID}
	err := s.DB.QueryRowContext(ctx, `SELECT created_at FROM sessions WHERE id = ?`, sessionID).Scan(&sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, session_id, seq, user_text, status, payload, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Turns, err = scanTurns(rows)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) Close() error {
	return s.DB.Close()
}

func scanTurns(rows *sql.Rows) ([]models.Turn, error) {
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var r turnRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.UserText, &r.Status, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		t, err := r.toTurn()
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// tail returns a copy of the last n turns.
func tail(turns []models.Turn, n int) []models.Turn {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out
}
