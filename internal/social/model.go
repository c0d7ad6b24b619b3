// Package social owns friendships and the notifications they produce.
package social

import "time"

// FriendshipStatus is the lifecycle state of a friendship.
type FriendshipStatus string

const (
	StatusPending  FriendshipStatus = "PENDING"
	StatusAccepted FriendshipStatus = "ACCEPTED"
	StatusDeclined FriendshipStatus = "DECLINED"
)

// NotificationType distinguishes notification payloads.
type NotificationType string

const (
	TypeFriendRequest  NotificationType = "friend_request"
	TypeFriendAccepted NotificationType = "friend_accepted"
)

// Friendship links two users. PairKey holds one row per unordered pair.
type Friendship struct {
	ID          string           `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	RequesterID string           `gorm:"column:requester_id;size:190;not null;index" json:"requesterId"`
	AddresseeID string           `gorm:"column:addressee_id;size:190;not null;index" json:"addresseeId"`
	PairKey     string           `gorm:"column:pair_key;size:390;not null;uniqueIndex" json:"-"`
	Status      FriendshipStatus `gorm:"column:status;size:16;not null" json:"status"`
	CreatedAt   time.Time        `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName exposes the table backing friendships.
func (Friendship) TableName() string {
	return "friendships"
}

// Notification is a persisted per-user notice. CorrelationID names the
// friendship a friend_request refers to.
type Notification struct {
	ID            string           `gorm:"column:id;primaryKey;size:190;not null"`
	UserID        string           `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1"`
	Type          NotificationType `gorm:"column:type;size:32;not null;default:''"`
	Title         string           `gorm:"column:title;size:190;not null;default:''"`
	Message       string           `gorm:"column:message;size:512;not null;default:''"`
	ActorID       string           `gorm:"column:actor_id;size:190;not null"`
	CorrelationID string           `gorm:"column:correlation_id;size:190;index"`
	ReadAt        *time.Time       `gorm:"column:read_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;not null;index:idx_notifications_user_created,priority:2"`
}

// TableName exposes the table backing notifications.
func (Notification) TableName() string {
	return "notifications"
}

// Person is the profile projection embedded in social views.
type Person struct {
	ID              string `json:"id"`
	Email           string `json:"email,omitempty"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl"`
}

// NotificationView is the notification shape returned over HTTP and pushed to clients.
type NotificationView struct {
	ID            string           `json:"id"`
	Type          NotificationType `json:"type"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Actor         Person           `json:"actor"`
	Read          bool             `json:"read"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// FriendView is an accepted friendship seen from one side.
type FriendView struct {
	FriendshipID string    `json:"friendshipId"`
	Friend       Person    `json:"friend"`
	Since        time.Time `json:"since"`
}

// RequestView is a pending friendship seen from one side.
type RequestView struct {
	FriendshipID string    `json:"friendshipId"`
	Other        Person    `json:"user"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PendingRequests splits pending friendships by direction.
type PendingRequests struct {
	Incoming []RequestView `json:"incoming"`
	Outgoing []RequestView `json:"outgoing"`
}
