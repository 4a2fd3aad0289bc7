package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pscheid92/pulsehub/internal/domain"
)

// loadActivityLimit bounds the activity tail read back on hydration.
const loadActivityLimit = 500

// SessionStore implements domain.SessionStore and domain.SessionLoader
// on PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SessionStore  = (*SessionStore)(nil)
	_ domain.SessionLoader = (*SessionStore)(nil)
)

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const upsertSessionSQL = `
INSERT INTO sessions (id, kind, status, settings, roles, created_by, created_at, expires_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    status     = EXCLUDED.status,
    settings   = EXCLUDED.settings,
    roles      = EXCLUDED.roles,
    expires_at = EXCLUDED.expires_at,
    ended_at   = EXCLUDED.ended_at,
    updated_at = now()`

const insertActivitySQL = `
INSERT INTO session_activity (id, session_id, user_id, action, details, at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

// SaveSession upserts the session row together with any activity entries
// the store has not seen yet.
func (s *SessionStore) SaveSession(ctx context.Context, session *domain.Session) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return saveSession(ctx, tx, session)
	})
}

func saveSession(ctx context.Context, tx pgx.Tx, session *domain.Session) error {
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	roles := session.Roles
	if roles == nil {
		roles = map[string]domain.Role{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(upsertSessionSQL,
		session.ID, session.Kind, string(session.Status), settings, rolesJSON,
		session.CreatedBy, session.CreatedAt, session.ExpiresAt, session.EndedAt)
	for _, entry := range session.Activity {
		batch.Queue(insertActivitySQL, activityArgs(session.ID, entry)...)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func activityArgs(sessionID uuid.UUID, entry domain.ActivityEntry) []any {
	var details any
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	return []any{entry.ID, sessionID, entry.UserID, entry.Action, details, entry.At}
}

func (s *SessionStore) SaveActivity(ctx context.Context, sessionID uuid.UUID, entry domain.ActivityEntry) error {
	if _, err := s.pool.Exec(ctx, insertActivitySQL, activityArgs(sessionID, entry)...); err != nil {
		return fmt.Errorf("failed to save activity for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) SaveMessage(ctx context.Context, sessionID uuid.UUID, msg domain.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_messages (id, session_id, kind, user_id, display_name, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, sessionID, msg.Kind, msg.From.UserID, msg.From.DisplayName, []byte(msg.Body), msg.SentAt)
	if err != nil {
		return fmt.Errorf("failed to save message for session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateParticipant applies patch to the roster row, creating it on first
// sight. Nil patch fields keep their stored value.
func (s *SessionStore) UpdateParticipant(ctx context.Context, sessionID uuid.UUID, userID string, patch domain.ParticipantPatch) error {
	var role *string
	if patch.Role != nil {
		r := string(*patch.Role)
		role = &r
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_participants AS p (session_id, user_id, display_name, role, joined_at, left_at, last_activity)
		VALUES ($1, $2, COALESCE($3, ''), COALESCE($4, 'viewer'), COALESCE($5, now()), $6, COALESCE($7, $5, now()))
		ON CONFLICT (session_id, user_id) DO UPDATE SET
		    display_name  = COALESCE($3, p.display_name),
		    role          = COALESCE($4, p.role),
		    joined_at     = COALESCE($5, p.joined_at),
		    left_at       = CASE WHEN $5::timestamptz IS NOT NULL THEN NULL ELSE COALESCE($6, p.left_at) END,
		    last_activity = GREATEST(p.last_activity, COALESCE($7, $5, p.last_activity))`,
		sessionID, userID, patch.DisplayName, role, patch.JoinedAt, patch.LeftAt, patch.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to update participant %s in session %s: %w", userID, sessionID, err)
	}
	return nil
}

// ArchiveSession writes the final snapshot and stamps it archived. Archived
// sessions stay loadable until PurgeArchived removes them.
func (s *SessionStore) ArchiveSession(ctx context.Context, session *domain.Session) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := saveSession(ctx, tx, session); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE sessions SET archived_at = now() WHERE id = $1`, session.ID); err != nil {
			return fmt.Errorf("failed to archive session %s: %w", session.ID, err)
		}
		return nil
	})
}

// PurgeArchived deletes sessions archived before cutoff, along with their
// roster, activity and messages.
func (s *SessionStore) PurgeArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE archived_at IS NOT NULL AND archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archived sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SessionStore) LoadSession(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	session := &domain.Session{ID: id}
	var (
		status    string
		settings  []byte
		rolesJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT kind, status, settings, roles, created_by, created_at, expires_at, ended_at
		FROM sessions WHERE id = $1`, id).
		Scan(&session.Kind, &status, &settings, &rolesJSON, &session.CreatedBy,
			&session.CreatedAt, &session.ExpiresAt, &session.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	session.Status = domain.Status(status)
	if err := json.Unmarshal(settings, &session.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings of session %s: %w", id, err)
	}
	if err := json.Unmarshal(rolesJSON, &session.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles of session %s: %w", id, err)
	}

	if session.Participants, err = s.loadParticipants(ctx, id); err != nil {
		return nil, err
	}
	if session.Activity, err = s.loadActivity(ctx, id); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionStore) loadParticipants(ctx context.Context, id uuid.UUID) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, display_name, role, joined_at, last_activity
		FROM session_participants WHERE session_id = $1
		ORDER BY joined_at`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants of session %s: %w", id, err)
	}

	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Participant, error) {
		var (
			p    domain.Participant
			role string
		)
		err := row.Scan(&p.UserID, &p.DisplayName, &role, &p.JoinedAt, &p.LastActivity)
		p.Role = domain.Role(role)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants of session %s: %w", id, err)
	}
	return participants, nil
}

// loadActivity returns the newest entries, oldest first.
func (s *SessionStore) loadActivity(ctx context.Context, id uuid.UUID) ([]domain.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, action, details, at FROM (
		    SELECT id, user_id, action, details, at FROM session_activity
		    WHERE session_id = $1 ORDER BY at DESC, id DESC LIMIT $2
		) tail ORDER BY at, id`, id, loadActivityLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity of session %s: %w", id, err)
	}

	activity, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ActivityEntry, error) {
		var (
			e       domain.ActivityEntry
			details []byte
		)
		err := row.Scan(&e.ID, &e.UserID, &e.Action, &details, &e.At)
		if len(details) > 0 {
			e.Details = details
		}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan activity of session %s: %w", id, err)
	}
	return activity, nil
}
