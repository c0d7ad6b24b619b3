package chat

import (
	"time"
)

// RoomKind distinguishes team channels, direct conversations and personal spaces.
type RoomKind string

const (
	RoomKindChannel RoomKind = "channel"
	RoomKindDirect  RoomKind = "dm"
	RoomKindSelf    RoomKind = "self"
)

// Room is a conversation container.
type Room struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name          string     `gorm:"column:name;size:190;not null" json:"name"`
	Kind          RoomKind   `gorm:"column:kind;size:16;not null;index" json:"kind"`
	TeamID        *string    `gorm:"column:team_id;size:190;index" json:"teamId,omitempty"`
	Announcements bool       `gorm:"column:announcements;not null;default:false" json:"announcements"`
	SelfKey       *string    `gorm:"column:self_key;size:190;uniqueIndex" json:"-"`
	DirectKey     *string    `gorm:"column:direct_key;size:390;uniqueIndex" json:"-"`
	LastMessageAt *time.Time `gorm:"column:last_message_at" json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName exposes the table backing rooms.
func (Room) TableName() string {
	return "rooms"
}

// RoomMember records that a user belongs to a room.
type RoomMember struct {
	RoomID   string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName exposes the table backing room memberships.
func (RoomMember) TableName() string {
	return "room_members"
}

// Message is a persisted chat message.
type Message struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	RoomID    string     `gorm:"column:room_id;size:190;not null;index:idx_messages_room_created,priority:1"`
	UserID    string     `gorm:"column:user_id;size:190;not null"`
	Content   string     `gorm:"column:content;type:TEXT;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index:idx_messages_room_created,priority:2"`
	EditedAt  *time.Time `gorm:"column:edited_at"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

// Author is the user projection embedded in message views.
type Author struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl"`
	TeamRole        string `json:"teamRole,omitempty"`
}

// MessageView is the message shape returned over HTTP and pushed to clients
// on create, update and delete. UpdatedAt is set once the message is edited.
type MessageView struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	UserID    string     `json:"userId"`
	RoomID    string     `json:"chatRoomId"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	User      Author     `json:"user"`
}

// RoomSummary is a room as listed for one of its members.
type RoomSummary struct {
	Room
	MemberCount int `json:"memberCount"`
}
