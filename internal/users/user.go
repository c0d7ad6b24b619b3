package users

import (
	"strings"
	"time"
)

// User is the persisted profile of a chat participant.
type User struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email           string    `gorm:"column:email;size:320" json:"email"`
	Name            string    `gorm:"column:name;size:320" json:"name"`
	ProfileImageURL string    `gorm:"column:profile_image_url;size:512" json:"profileImageUrl"`
	LastSeenAt      time.Time `gorm:"column:last_seen_at" json:"-"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// ProfileUpdate carries the user-editable profile fields; nil leaves a field unchanged.
type ProfileUpdate struct {
	Name            *string
	ProfileImageURL *string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
