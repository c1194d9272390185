// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// Preference is a user's recorded affinity for a persona.
type Preference struct {
	UserID    string    `json:"userId"`
	Persona   Name      `json:"persona"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryStore persists user persona preferences.
type HistoryStore interface {
	// Preference returns the preference of userID for persona, if any.
	Preference(ctx context.Context, userID string, persona Name) (Preference, bool, error)
	// Record stores p, replacing an earlier preference for the same pair.
	Record(ctx context.Context, p Preference) error
	Close() error
}

// NeutralHistoryScore is the history score when a user has no preference.
const NeutralHistoryScore = 0.5

// historyScore decays the preference linearly to zero over window.
func historyScore(p Preference, found bool, now time.Time, window time.Duration) float64 {
	if !found {
		return NeutralHistoryScore
	}
	if window <= 0 {
		return clamp01(p.Score)
	}
	age := now.Sub(p.UpdatedAt)
	if age < 0 {
		age = 0
	}
	if age >= window {
		return 0
	}
	return clamp01(p.Score * (1 - float64(age)/float64(window)))
}

type historyKey struct {
	user    string
	persona Name
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.RWMutex
	prefs map[historyKey]Preference
}

// NewMemoryHistory creates an empty in-memory store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{prefs: make(map[historyKey]Preference)}
}

func (m *MemoryHistory) Preference(_ context.Context, userID string, persona Name) (Preference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[historyKey{userID, persona}]
	return p, ok, nil
}

func (m *MemoryHistory) Record(_ context.Context, p Preference) error {
	if p.UserID == "" {
		return errors.New("preference user id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[historyKey{p.UserID, p.Persona}] = p
	return nil
}

func (m *MemoryHistory) Close() error { return nil }

const historySchema = `
CREATE TABLE IF NOT EXISTS persona_preferences (
	user_id TEXT NOT NULL,
	persona TEXT NOT NULL,
	score REAL NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, persona)
);

CREATE INDEX IF NOT EXISTS idx_persona_preferences_updated_at ON persona_preferences(updated_at);
`

// SQLiteHistory stores preferences in a SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens (creating if needed) the database at path.
//
// Parameters:
//   - ctx: Context for schema creation
//   - path: Path to the SQLite database file
//
// Returns:
//   - *SQLiteHistory: A store ready for use
//   - error: Any error encountered opening the database or creating the schema
func OpenSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h, err := NewSQLiteHistory(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("persona history initialized (db: %s)", path)
	return h, nil
}

// NewSQLiteHistory wraps an open database and ensures the schema exists.
func NewSQLiteHistory(ctx context.Context, db *sql.DB) (*SQLiteHistory, error) {
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Preference(ctx context.Context, userID string, persona Name) (Preference, bool, error) {
	p := Preference{UserID: userID, Persona: persona}
	err := h.db.QueryRowContext(ctx,
		`SELECT score, updated_at FROM persona_preferences WHERE user_id = ? AND persona = ?`,
		userID, string(persona),
	).Scan(&p.Score, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, fmt.Errorf("failed to query preference: %w", err)
	}
	return p, true, nil
}

func (h *SQLiteHistory) Record(ctx context.Context, p Preference) error {
	if p.UserID == "" {
		return errors.New("preference user id cannot be empty")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO persona_preferences (user_id, persona, score, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, persona) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at
	`, p.UserID, string(p.Persona), clamp01(p.Score), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record preference: %w", err)
	}
	return nil
}

// Prune deletes preferences last updated before cutoff. Such preferences
// have fully decayed and no longer influence scoring.
func (h *SQLiteHistory) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM persona_preferences WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune preferences: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debugf("pruned %d decayed persona preferences", n)
	}
	return n, nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
