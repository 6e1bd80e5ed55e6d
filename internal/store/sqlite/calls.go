package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirecall/internal/store"
)

const callColumns = `id, room_id, active, pending, created_at, has_music, version`

func scanCall(row rowScanner) (*store.Call, error) {
	var call store.Call
	var active, pending string
	if err := row.Scan(&call.ID, &call.RoomID, &active, &pending, &call.CreatedAt, &call.HasMusic, &call.Version); err != nil {
		return nil, err
	}
	if err := json.UnmarshalFromString(active, &call.Active); err != nil {
		return nil, fmt.Errorf("decode active participants: %w", err)
	}
	if err := json.UnmarshalFromString(pending, &call.Pending); err != nil {
		return nil, fmt.Errorf("decode pending participants: %w", err)
	}
	return &call, nil
}

func encodeIDs(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	return json.MarshalToString(ids)
}

// CreateCall inserts a call and fills ID and Version.
func (q *queries) CreateCall(ctx context.Context, call *store.Call) error {
	active, err := encodeIDs(call.Active)
	if err != nil {
		return fmt.Errorf("encode active participants: %w", err)
	}
	pending, err := encodeIDs(call.Pending)
	if err != nil {
		return fmt.Errorf("encode pending participants: %w", err)
	}

	query := `
		INSERT INTO calls (room_id, active, pending, created_at, has_music, version)
		VALUES (?, ?, ?, ?, ?, 1)
	`
	result, err := q.db.ExecContext(ctx, query, call.RoomID, active, pending, call.CreatedAt, call.HasMusic)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("room %d: %w", call.RoomID, store.ErrCallExists)
		}
		return fmt.Errorf("insert call: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	call.ID = id
	call.Version = 1
	return nil
}

// GetCallByID retrieves a call by ID.
func (q *queries) GetCallByID(ctx context.Context, id int64) (*store.Call, error) {
	call, err := scanCall(q.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query call: %w", err)
	}
	return call, nil
}

// GetCallByRoom retrieves the room's call.
func (q *queries) GetCallByRoom(ctx context.Context, roomID int64) (*store.Call, error) {
	call, err := scanCall(q.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE room_id = ?`, roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("call in room %d: %w", roomID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query call: %w", err)
	}
	return call, nil
}

// UpdateCall saves call if its Version still matches and bumps Version.
// A call deleted since it was loaded is reported as a version conflict too.
func (q *queries) UpdateCall(ctx context.Context, call *store.Call) error {
	active, err := encodeIDs(call.Active)
	if err != nil {
		return fmt.Errorf("encode active participants: %w", err)
	}
	pending, err := encodeIDs(call.Pending)
	if err != nil {
		return fmt.Errorf("encode pending participants: %w", err)
	}

	query := `
		UPDATE calls
		SET active = ?, pending = ?, has_music = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := q.db.ExecContext(ctx, query, active, pending, call.HasMusic, call.ID, call.Version)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if err := expectRow(result, fmt.Errorf("call %d at version %d: %w", call.ID, call.Version, store.ErrVersionConflict)); err != nil {
		return err
	}

	call.Version++
	return nil
}

// DeleteCall removes call if its Version still matches, together with its
// invitations and the users' active call references.
func (q *queries) DeleteCall(ctx context.Context, call *store.Call) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM calls WHERE id = ? AND version = ?`, call.ID, call.Version)
	if err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	if err := expectRow(result, fmt.Errorf("call %d at version %d: %w", call.ID, call.Version, store.ErrVersionConflict)); err != nil {
		return err
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM call_invites WHERE call_id = ?`, call.ID); err != nil {
		return fmt.Errorf("delete call invites: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE users SET active_call_id = NULL WHERE active_call_id = ?`, call.ID); err != nil {
		return fmt.Errorf("detach call users: %w", err)
	}
	return nil
}

// AddInvites records pending invitations of userIDs to callID.
func (q *queries) AddInvites(ctx context.Context, callID int64, userIDs []int64) error {
	for _, userID := range userIDs {
		_, err := q.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO call_invites (call_id, user_id)
			VALUES (?, ?)
		`, callID, userID)
		if err != nil {
			return fmt.Errorf("insert call invite: %w", err)
		}
	}
	return nil
}

// RemoveInvites drops pending invitations of userIDs to callID.
func (q *queries) RemoveInvites(ctx context.Context, callID int64, userIDs []int64) error {
	for _, userID := range userIDs {
		_, err := q.db.ExecContext(ctx, `
			DELETE FROM call_invites
			WHERE call_id = ? AND user_id = ?
		`, callID, userID)
		if err != nil {
			return fmt.Errorf("delete call invite: %w", err)
		}
	}
	return nil
}

// ListInvitedCalls lists calls the user is invited to and has not answered.
func (q *queries) ListInvitedCalls(ctx context.Context, userID int64) ([]*store.Call, error) {
	query := `
		SELECT c.id, c.room_id, c.active, c.pending, c.created_at, c.has_music, c.version
		FROM calls c
		JOIN call_invites i ON i.call_id = c.id
		WHERE i.user_id = ?
		ORDER BY c.created_at DESC, c.id DESC
	`
	rows, err := q.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query invited calls: %w", err)
	}
	defer rows.Close()

	var calls []*store.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}
