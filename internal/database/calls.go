package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/famcall/famcall/internal/call"
)

// ErrParticipantRegression is returned when a write would move a
// participant's status backwards. The coordinator's state machine never
// produces such a write; seeing this error means a bug upstream.
var ErrParticipantRegression = errors.New("participant status regression")

const callColumns = `id, group_id, kind, initiator_id, status, started_at,
	 connected_at, ended_at, duration_ms, recording_status, recording_file_id,
	 recording_url, recording_duration_ms, recording_size_bytes,
	 recording_hidden, recording_hidden_by, recording_hidden_at`

const participantColumns = `call_id, member_id, status, invited_at,
	 responded_at, joined_at, left_at`

// statusRankExpr orders the stored participant status for the
// forward-only write guard. Both terminal states share the top rank.
const statusRankExpr = `CASE status
	 WHEN 'invited' THEN 0
	 WHEN 'accepted' THEN 1
	 WHEN 'joined' THEN 2
	 ELSE 3 END`

func participantRank(s call.ParticipantStatus) int {
	switch s {
	case call.ParticipantInvited:
		return 0
	case call.ParticipantAccepted:
		return 1
	case call.ParticipantJoined:
		return 2
	default:
		return 3
	}
}

// callStore implements call.Store on the relational schema.
type callStore struct {
	db *DB
}

// NewCallStore creates the persistent call store.
func NewCallStore(db *DB) call.Store {
	return &callStore{db: db}
}

// CreateCall inserts the call and its participant rows in one transaction.
func (s *callStore) CreateCall(ctx context.Context, c *call.Call, parts []call.Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO calls (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.GroupID, string(c.Kind), c.InitiatorID, string(c.Status), c.StartedAt,
		c.ConnectedAt, c.EndedAt, c.DurationMs, string(c.Recording.Status), c.Recording.FileID,
		c.Recording.URL, c.Recording.DurationMs, c.Recording.SizeBytes,
		c.Recording.Hidden, c.Recording.HiddenByID, c.Recording.HiddenAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}

	for i := range parts {
		p := &parts[i]
		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO call_participants (`+participantColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.CallID, p.MemberID, string(p.Status), p.InvitedAt,
			p.RespondedAt, p.JoinedAt, p.LeftAt,
		)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.MemberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing call: %w", err)
	}
	return nil
}

// GetCall returns the call, or (nil, nil) when no call matches.
func (s *callStore) GetCall(ctx context.Context, groupID, callID string) (*call.Call, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT `+callColumns+` FROM calls WHERE id = ? AND group_id = ?`),
		callID, groupID,
	))
}

// ListCalls returns a page of the group's calls, newest first, plus the
// total number of matching rows.
func (s *callStore) ListCalls(ctx context.Context, groupID string, filter call.ListFilter) ([]call.Call, int, error) {
	where := "group_id = ?"
	args := []any{groupID}

	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.MemberID != "" {
		where += ` AND (initiator_id = ? OR id IN
			 (SELECT call_id FROM call_participants WHERE member_id = ?))`
		args = append(args, filter.MemberID, filter.MemberID)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM calls WHERE " + where
	if err := s.db.QueryRowContext(ctx, s.db.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	// Fetch the page of results.
	query := `SELECT ` + callColumns + ` FROM calls WHERE ` + where +
		` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	calls, err := collectCalls(rows)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// ListActive returns the group's calls whose status is ringing or active,
// newest first.
func (s *callStore) ListActive(ctx context.Context, groupID string) ([]call.Call, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		`SELECT `+callColumns+` FROM calls
		 WHERE group_id = ? AND status IN ('ringing', 'active')
		 ORDER BY started_at DESC, id`),
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active calls: %w", err)
	}
	defer rows.Close()

	return collectCalls(rows)
}

// UpdateCall persists every mutable call field.
func (s *callStore) UpdateCall(ctx context.Context, c *call.Call) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE calls SET status = ?, connected_at = ?, ended_at = ?, duration_ms = ?,
		 recording_status = ?, recording_file_id = ?, recording_url = ?,
		 recording_duration_ms = ?, recording_size_bytes = ?,
		 recording_hidden = ?, recording_hidden_by = ?, recording_hidden_at = ?
		 WHERE id = ?`),
		string(c.Status), c.ConnectedAt, c.EndedAt, c.DurationMs,
		string(c.Recording.Status), c.Recording.FileID, c.Recording.URL,
		c.Recording.DurationMs, c.Recording.SizeBytes,
		c.Recording.Hidden, c.Recording.HiddenByID, c.Recording.HiddenAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call: %w", err)
	}
	return nil
}

// Participants returns the call's participant rows in invitation order.
func (s *callStore) Participants(ctx context.Context, callID string) ([]call.Participant, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		`SELECT `+participantColumns+` FROM call_participants
		 WHERE call_id = ? ORDER BY invited_at, member_id`),
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	return collectParticipants(rows)
}

// ParticipantsForCalls returns participant rows for a set of calls,
// grouped by call id.
func (s *callStore) ParticipantsForCalls(ctx context.Context, callIDs []string) (map[string][]call.Participant, error) {
	out := make(map[string][]call.Participant, len(callIDs))
	if len(callIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(callIDs)), ", ")
	args := make([]any, len(callIDs))
	for i, id := range callIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		`SELECT `+participantColumns+` FROM call_participants
		 WHERE call_id IN (`+placeholders+`) ORDER BY invited_at, member_id`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	parts, err := collectParticipants(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		out[p.CallID] = append(out[p.CallID], p)
	}
	return out, nil
}

// UpdateParticipant persists a participant row. The write is guarded so a
// status can never move backwards, even if two writers race.
func (s *callStore) UpdateParticipant(ctx context.Context, p *call.Participant) error {
	guard := fmt.Sprintf("(%s) <= %d", statusRankExpr, participantRank(p.Status))
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE call_participants SET status = ?, responded_at = ?, joined_at = ?, left_at = ?
		 WHERE call_id = ? AND member_id = ? AND `+guard),
		string(p.Status), p.RespondedAt, p.JoinedAt, p.LeftAt,
		p.CallID, p.MemberID,
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking participant update: %w", err)
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, s.db.rebind(
			`SELECT COUNT(*) FROM call_participants WHERE call_id = ? AND member_id = ?`),
			p.CallID, p.MemberID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking participant existence: %w", err)
		}
		if exists == 0 {
			return call.ErrParticipantNotFound
		}
		return ErrParticipantRegression
	}
	return nil
}

// CountActiveRecordings returns the number of calls whose recording holds
// a recorder slot.
func (s *callStore) CountActiveRecordings(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE recording_status IN ('recording', 'processing')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active recordings: %w", err)
	}
	return count, nil
}

// CountCallsByStatus returns call counts grouped by lifecycle status.
func (s *callStore) CountCallsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ExpireRecordings clears ready recordings on calls that ended before
// the cutoff. The cleared artifacts are reported so the caller can
// delete the files.
func (s *callStore) ExpireRecordings(ctx context.Context, before time.Time) ([]call.ExpiredRecording, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning retention sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.db.rebind(
		`SELECT id, recording_file_id, kind FROM calls
		 WHERE recording_status = 'ready' AND ended_at IS NOT NULL AND ended_at < ?`), before)
	if err != nil {
		return nil, fmt.Errorf("selecting expired recordings: %w", err)
	}
	var ids []any
	var expired []call.ExpiredRecording
	for rows.Next() {
		var id, fileID, kind string
		if err := rows.Scan(&id, &fileID, &kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		ids = append(ids, id)
		expired = append(expired, call.ExpiredRecording{FileID: fileID, Kind: call.Kind(kind)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired recordings: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := append([]any{false}, ids...)
	_, err = tx.ExecContext(ctx, s.db.rebind(
		`UPDATE calls SET recording_status = 'none', recording_file_id = '', recording_url = '',
		 recording_duration_ms = NULL, recording_size_bytes = NULL, recording_hidden = ?,
		 recording_hidden_by = '', recording_hidden_at = NULL
		 WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("clearing expired recordings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing retention sweep: %w", err)
	}
	return expired, nil
}

func (s *callStore) scanOne(row *sql.Row) (*call.Call, error) {
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*call.Call, error) {
	var c call.Call
	var kind, status, recStatus string
	err := row.Scan(&c.ID, &c.GroupID, &kind, &c.InitiatorID, &status, &c.StartedAt,
		&c.ConnectedAt, &c.EndedAt, &c.DurationMs, &recStatus, &c.Recording.FileID,
		&c.Recording.URL, &c.Recording.DurationMs, &c.Recording.SizeBytes,
		&c.Recording.Hidden, &c.Recording.HiddenByID, &c.Recording.HiddenAt)
	if err != nil {
		return nil, err
	}
	c.Kind = call.Kind(kind)
	c.Status = call.Status(status)
	c.Recording.Status = call.RecordingStatus(recStatus)
	return &c, nil
}

func collectCalls(rows *sql.Rows) ([]call.Call, error) {
	var calls []call.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

func collectParticipants(rows *sql.Rows) ([]call.Participant, error) {
	var parts []call.Participant
	for rows.Next() {
		var p call.Participant
		var status string
		if err := rows.Scan(&p.CallID, &p.MemberID, &status, &p.InvitedAt,
			&p.RespondedAt, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		p.Status = call.ParticipantStatus(status)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return parts, nil
}
