package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vovakirdan/wirecall/internal/store"
)

const userColumns = `id, username, entrance_sound, active_call_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*store.User, error) {
	var user store.User
	var activeCall sql.NullInt64
	if err := row.Scan(&user.ID, &user.Username, &user.EntranceSound, &activeCall, &user.CreatedAt); err != nil {
		return nil, err
	}
	if activeCall.Valid {
		user.ActiveCallID = &activeCall.Int64
	}
	return &user, nil
}

// CreateUser creates a new user.
func (q *queries) CreateUser(ctx context.Context, username, entranceSound string) (*store.User, error) {
	query := `
		INSERT INTO users (username, entrance_sound)
		VALUES (?, ?)
	`
	result, err := q.db.ExecContext(ctx, query, username, entranceSound)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return q.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (q *queries) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return user, nil
}

// GetUsersByID retrieves the listed users in id order, skipping missing ids.
func (q *queries) GetUsersByID(ctx context.Context, ids []int64) ([]*store.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `SELECT ` + userColumns + ` FROM users WHERE id IN (` + placeholders + `) ORDER BY id`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// SetEntranceSound updates the sound played when the user joins a call.
func (q *queries) SetEntranceSound(ctx context.Context, userID int64, sound string) error {
	result, err := q.db.ExecContext(ctx, `UPDATE users SET entrance_sound = ? WHERE id = ?`, sound, userID)
	if err != nil {
		return fmt.Errorf("update entrance sound: %w", err)
	}
	return expectRow(result, fmt.Errorf("user %d: %w", userID, store.ErrNotFound))
}

// AttachActiveCall marks the user as active in callID.
func (q *queries) AttachActiveCall(ctx context.Context, userID, callID int64) error {
	query := `
		UPDATE users SET active_call_id = ?
		WHERE id = ? AND (active_call_id IS NULL OR active_call_id = ?)
	`
	result, err := q.db.ExecContext(ctx, query, callID, userID, callID)
	if err != nil {
		return fmt.Errorf("attach active call: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing user from a busy one.
	if _, err := q.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return fmt.Errorf("user %d: %w", userID, store.ErrUserBusy)
}

// DetachActiveCall clears the user's active call if it is callID.
func (q *queries) DetachActiveCall(ctx context.Context, userID, callID int64) error {
	query := `
		UPDATE users SET active_call_id = NULL
		WHERE id = ? AND active_call_id = ?
	`
	if _, err := q.db.ExecContext(ctx, query, userID, callID); err != nil {
		return fmt.Errorf("detach active call: %w", err)
	}
	return nil
}

func expectRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
