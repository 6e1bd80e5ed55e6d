package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirecall/internal/store"
)

// CreateRoom creates a new room. The owner, if any, becomes a member.
func (q *queries) CreateRoom(ctx context.Context, name string, ownerID *int64) (*store.Room, error) {
	result, err := q.db.ExecContext(ctx, `INSERT INTO rooms (name, owner_id) VALUES (?, ?)`, name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if ownerID != nil {
		if err := q.AddMember(ctx, *ownerID, id, store.RoomRoleOwner); err != nil {
			return nil, err
		}
	}

	return q.GetRoomByID(ctx, id)
}

// GetRoomByID retrieves a room with its participants and roles.
func (q *queries) GetRoomByID(ctx context.Context, id int64) (*store.Room, error) {
	query := `
		SELECT id, name, owner_id, created_at
		FROM rooms
		WHERE id = ?
	`
	var room store.Room
	var ownerID sql.NullInt64
	err := q.db.QueryRowContext(ctx, query, id).Scan(&room.ID, &room.Name, &ownerID, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	if ownerID.Valid {
		room.OwnerID = &ownerID.Int64
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, role FROM room_members
		WHERE room_id = ?
		ORDER BY joined_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	room.Roles = make(map[int64]store.RoomRole)
	for rows.Next() {
		var userID int64
		var role store.RoomRole
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		room.Participants = append(room.Participants, userID)
		room.Roles[userID] = role
	}

	return &room, rows.Err()
}

// AddMember adds a user to a room with the given role, updating the role of an existing member.
func (q *queries) AddMember(ctx context.Context, userID, roomID int64, role store.RoomRole) error {
	query := `
		INSERT INTO room_members (user_id, room_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = excluded.role
	`
	if _, err := q.db.ExecContext(ctx, query, userID, roomID, role); err != nil {
		return fmt.Errorf("insert room member: %w", err)
	}
	return nil
}

// IsMember checks if user is a member of the room.
func (q *queries) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	var exists int
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM room_members
		WHERE user_id = ? AND room_id = ?
	`, userID, roomID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}
