package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/vovakirdan/wirecall/internal/store"
)

// SaveMessage persists a message to storage.
func (q *queries) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.Kind == "" {
		msg.Kind = store.MessageKindText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (room_id, user_id, kind, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := q.db.ExecContext(ctx, query, msg.RoomID, msg.UserID, msg.Kind, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	msg.ID = id
	return nil
}

// ListMessages retrieves messages from a room with pagination, in chronological order.
func (q *queries) ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*store.Message, error) {
	query := `
		SELECT id, room_id, user_id, kind, body, created_at
		FROM messages
		WHERE room_id = ? AND (? IS NULL OR id < ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := q.db.QueryContext(ctx, query, roomID, beforeID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		var userID sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &userID, &msg.Kind, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if userID.Valid {
			msg.UserID = &userID.Int64
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}
