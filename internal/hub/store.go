package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flomonster/sentryhub/pkg/models"
)

// SessionStore persists hub agent sessions, scheduled entries, and verified
// push subscriptions in Postgres, so a hub restart restores every
// server-resident agent.
type SessionStore struct {
	db *sql.DB
}

// SessionStoreConfig holds the Postgres connection settings.
type SessionStoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSessionStore connects and ensures the schema exists.
func NewSessionStore(config SessionStoreConfig) (*SessionStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("hub: store dsn is required")
	}
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("hub: open store: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	store := &SessionStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSessionStoreWithDB wraps an existing connection, for tests.
func NewSessionStoreWithDB(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) ensureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS hub_sessions (
			hub_agent_id TEXT PRIMARY KEY,
			session JSONB NOT NULL,
			serialized_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hub_schedule_entries (
			id TEXT PRIMARY KEY,
			hub_agent_id TEXT NOT NULL,
			entry JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS hub_schedule_entries_agent_idx
			ON hub_schedule_entries (hub_agent_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("hub: ensure schema: %w", err)
		}
	}
	return nil
}

// SaveSession upserts one hub agent's serialized session.
func (s *SessionStore) SaveSession(ctx context.Context, session *models.HubAgentSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("hub: marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hub_sessions (hub_agent_id, session, serialized_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (hub_agent_id) DO UPDATE
		 SET session = EXCLUDED.session, serialized_at = EXCLUDED.serialized_at`,
		session.AgentID, data, session.SerializedAt,
	)
	if err != nil {
		return fmt.Errorf("hub: save session: %w", err)
	}
	return nil
}

// LoadSession returns one hub agent's session, or nil when absent.
func (s *SessionStore) LoadSession(ctx context.Context, hubAgentID string) (*models.HubAgentSession, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT session FROM hub_sessions WHERE hub_agent_id = $1`, hubAgentID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hub: load session: %w", err)
	}
	var session models.HubAgentSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("hub: decode session: %w", err)
	}
	return &session, nil
}

// ListSessionIDs returns every persisted hub agent id.
func (s *SessionStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hub_agent_id FROM hub_sessions ORDER BY hub_agent_id`)
	if err != nil {
		return nil, fmt.Errorf("hub: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes one hub agent's persisted session and schedule.
func (s *SessionStore) DeleteSession(ctx context.Context, hubAgentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hub_sessions WHERE hub_agent_id = $1`, hubAgentID); err != nil {
		return fmt.Errorf("hub: delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM hub_schedule_entries WHERE hub_agent_id = $1`, hubAgentID); err != nil {
		return fmt.Errorf("hub: delete schedule entries: %w", err)
	}
	return nil
}

// SaveScheduleEntries replaces the persisted schedule for the entries'
// owning agents with the given snapshot (the scheduler's Serialize output).
func (s *SessionStore) SaveScheduleEntries(ctx context.Context, entries []models.ScheduledEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hub: begin schedule save: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("hub: marshal schedule entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hub_schedule_entries (id, hub_agent_id, entry)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET entry = EXCLUDED.entry`,
			entry.ID, entry.HubAgentID, data,
		); err != nil {
			return fmt.Errorf("hub: save schedule entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadScheduleEntries returns every persisted scheduled entry, ready for
// HubScheduler.Restore.
func (s *SessionStore) LoadScheduleEntries(ctx context.Context) ([]models.ScheduledEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM hub_schedule_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("hub: load schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ScheduledEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry models.ScheduledEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("hub: decode schedule entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the connection pool.
func (s *SessionStore) Close() error { return s.db.Close() }
