package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a call was modified since it was loaded.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCallExists is returned when a room already holds a call.
	ErrCallExists = errors.New("room already has a call")
	// ErrUserBusy is returned when a user is already active in another call.
	ErrUserBusy = errors.New("user already in an active call")
)

// User represents a user in the system.
type User struct {
	ID            int64
	Username      string
	EntranceSound string // file name under the sounds directory, empty for default
	ActiveCallID  *int64 // set while the user is an active call participant
	CreatedAt     time.Time
}

// InCall reports whether the user is active in any call.
func (u *User) InCall() bool {
	return u.ActiveCallID != nil
}

// RoomRole defines a member's privileges in a room.
type RoomRole string

const (
	RoomRoleOwner     RoomRole = "owner"
	RoomRoleModerator RoomRole = "moderator"
	RoomRoleMember    RoomRole = "member"
)

// Room represents a chat room together with its membership.
type Room struct {
	ID           int64
	Name         string
	OwnerID      *int64
	Participants []int64 // ordered by join time
	Roles        map[int64]RoomRole
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is a member of the room.
func (r *Room) HasParticipant(userID int64) bool {
	return slices.Contains(r.Participants, userID)
}

// RoleOf returns the member's role, empty when userID is not a member.
func (r *Room) RoleOf(userID int64) RoomRole {
	if r.OwnerID != nil && *r.OwnerID == userID {
		return RoomRoleOwner
	}
	return r.Roles[userID]
}

// CanModerate reports whether userID may kick participants or end calls.
func (r *Room) CanModerate(userID int64) bool {
	switch r.RoleOf(userID) {
	case RoomRoleOwner, RoomRoleModerator:
		return true
	default:
		return false
	}
}

// MessageKind distinguishes user text from system records.
type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindCallEnd MessageKind = "call_end"
)

// Message represents a persisted chat message.
type Message struct {
	ID        int64
	RoomID    int64
	UserID    *int64 // nil for system messages
	Kind      MessageKind
	Body      string
	CreatedAt time.Time
}

// Call is the ongoing call of a room.
// Active is never empty while the call exists and never intersects Pending.
type Call struct {
	ID        int64
	RoomID    int64
	Active    []int64 // join order
	Pending   []int64
	CreatedAt int64 // epoch millis
	HasMusic  bool
	Version   int64
}

// IsActive reports whether userID is streaming in the call.
func (c *Call) IsActive(userID int64) bool {
	return slices.Contains(c.Active, userID)
}

// IsPending reports whether userID has an unanswered invitation.
func (c *Call) IsPending(userID int64) bool {
	return slices.Contains(c.Pending, userID)
}

// Clone returns a deep copy.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Active = slices.Clone(c.Active)
	cp.Pending = slices.Clone(c.Pending)
	return &cp
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user.
	CreateUser(ctx context.Context, username, entranceSound string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUsersByID retrieves the listed users, skipping missing ids.
	GetUsersByID(ctx context.Context, ids []int64) ([]*User, error)

	// SetEntranceSound updates the sound played when the user joins a call.
	SetEntranceSound(ctx context.Context, userID int64, sound string) error

	// AttachActiveCall marks the user as active in callID.
	// Returns ErrUserBusy if the user is already active in a call.
	AttachActiveCall(ctx context.Context, userID, callID int64) error

	// DetachActiveCall clears the user's active call if it is callID.
	DetachActiveCall(ctx context.Context, userID, callID int64) error
}

// RoomStore handles room persistence.
type RoomStore interface {
	// CreateRoom creates a new room. The owner, if any, becomes a member.
	CreateRoom(ctx context.Context, name string, ownerID *int64) (*Room, error)

	// GetRoomByID retrieves a room with its participants and roles.
	GetRoomByID(ctx context.Context, id int64) (*Room, error)

	// AddMember adds a user to a room with the given role.
	AddMember(ctx context.Context, userID, roomID int64, role RoomRole) error

	// IsMember checks if user is a member of the room.
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// SaveMessage persists a message and fills its ID.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages retrieves messages from a room, newest first.
	// If beforeID is provided, returns messages older than that ID.
	ListMessages(ctx context.Context, roomID int64, limit int, beforeID *int64) ([]*Message, error)
}

// CallStore handles call persistence.
type CallStore interface {
	// CreateCall inserts a call and fills ID and Version.
	// Returns ErrCallExists if the room already holds one.
	CreateCall(ctx context.Context, call *Call) error

	// GetCallByID retrieves a call by ID.
	GetCallByID(ctx context.Context, id int64) (*Call, error)

	// GetCallByRoom retrieves the room's call.
	GetCallByRoom(ctx context.Context, roomID int64) (*Call, error)

	// UpdateCall saves call if its Version still matches and bumps Version.
	// Returns ErrVersionConflict otherwise.
	UpdateCall(ctx context.Context, call *Call) error

	// DeleteCall removes call if its Version still matches, together with its
	// invitations and the users' active call references.
	DeleteCall(ctx context.Context, call *Call) error

	// AddInvites records pending invitations of userIDs to callID.
	AddInvites(ctx context.Context, callID int64, userIDs []int64) error

	// RemoveInvites drops pending invitations of userIDs to callID.
	RemoveInvites(ctx context.Context, callID int64, userIDs []int64) error

	// ListInvitedCalls lists calls the user is invited to and has not answered.
	ListInvitedCalls(ctx context.Context, userID int64) ([]*Call, error)
}

// Queries aggregates all storage operations usable inside and outside a transaction.
type Queries interface {
	UserStore
	RoomStore
	MessageStore
	CallStore
}

// TxFunc is the body of a transaction.
type TxFunc func(ctx context.Context, q Queries, uow *UnitOfWork) error

// Store aggregates all storage interfaces.
type Store interface {
	Queries

	// InTx runs fn in a transaction. Hooks registered on uow run before
	// and after the commit, see UnitOfWork.
	InTx(ctx context.Context, fn TxFunc) error

	// Close closes the underlying database connection.
	Close() error
}
