package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const busyRetries = 5

// unavailable tags a driver failure with the retryable sentinel.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// FindLatest returns the session_id of the user's most recently updated
// ledger row. Returns ErrSessionNotFound when the user has no rows.
func (s *Store) FindLatest(ctx context.Context, userID string) (string, error) {
	var sessionID string
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT session_id FROM session_ledger
			WHERE user_id = ?
			ORDER BY last_updated_at DESC, id DESC
			LIMIT 1
		`, userID).Scan(&sessionID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("find latest for user %s: %w", userID, ErrSessionNotFound)
	}
	if err != nil {
		return "", unavailable("find latest session", err)
	}
	return sessionID, nil
}

// HasSession reports whether a ledger row exists for the pair.
func (s *Store) HasSession(ctx context.Context, userID, sessionID string) (bool, error) {
	var one int
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT 1 FROM session_ledger
			WHERE user_id = ? AND session_id = ?
		`, userID, sessionID).Scan(&one)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("check session", err)
	}
	return true, nil
}

// InsertRow creates the ledger row for a new session with its first turn.
// Returns false without error when a concurrent writer created the row
// first; the caller should retry as an append.
func (s *Store) InsertRow(ctx context.Context, userID, sessionID string, turn TurnRecord) (bool, error) {
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return false, fmt.Errorf("marshal turn: %w", err)
	}

	var inserted bool
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO session_ledger (user_id, session_id, turns)
			VALUES (?, ?, json_array(json(?)))
			ON CONFLICT(user_id, session_id) DO NOTHING
		`, userID, sessionID, string(turnJSON))
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, unavailable("insert session row", err)
	}
	return inserted, nil
}

// AppendTurn appends one turn to an existing row in a single UPDATE. The
// json_insert path-end index makes the read-modify-write atomic inside
// SQLite, so concurrent appends to the same session cannot lose turns.
// Returns ErrCommitConflict when the row does not exist.
func (s *Store) AppendTurn(ctx context.Context, userID, sessionID string, turn TurnRecord) error {
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	var affected int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE session_ledger
			SET turns = json_insert(turns, '$[#]', json(?)),
			    last_updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND session_id = ?
		`, string(turnJSON), userID, sessionID)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return unavailable("append turn", err)
	}
	if affected == 0 {
		return fmt.Errorf("append turn for %s/%s: %w", userID, sessionID, ErrCommitConflict)
	}
	return nil
}

// GetSession loads one ledger row with its full turn history.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*SessionRow, error) {
	row := &SessionRow{UserID: userID, SessionID: sessionID}
	var turnsJSON string
	err := retryOnBusy(ctx, busyRetries, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT turns, created_at, last_updated_at FROM session_ledger
			WHERE user_id = ? AND session_id = ?
		`, userID, sessionID).Scan(&turnsJSON, &row.CreatedAt, &row.LastUpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s/%s: %w", userID, sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if err := json.Unmarshal([]byte(turnsJSON), &row.Turns); err != nil {
		return nil, fmt.Errorf("parse turns for %s/%s: %w", userID, sessionID, err)
	}
	return row, nil
}

// SessionSummary is a ledger row without its turn bodies.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	TurnCount     int       `json:"turn_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ListSessions returns the user's sessions newest-first, capped at limit.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	var summaries []SessionSummary
	err := retryOnBusy(ctx, busyRetries, func() error {
		rows, qErr := s.db.QueryContext(ctx, `
			SELECT session_id, json_array_length(turns), created_at, last_updated_at
			FROM session_ledger
			WHERE user_id = ?
			ORDER BY last_updated_at DESC, id DESC
			LIMIT ?
		`, userID, limit)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()

		summaries = summaries[:0]
		for rows.Next() {
			var sum SessionSummary
			if scanErr := rows.Scan(&sum.SessionID, &sum.TurnCount, &sum.CreatedAt, &sum.LastUpdatedAt); scanErr != nil {
				return scanErr
			}
			summaries = append(summaries, sum)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	return summaries, nil
}
