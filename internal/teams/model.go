package teams

import "time"

// Role is a member's authority within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

func (r Role) canManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Team groups users and owns a set of channels.
type Team struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name               string    `gorm:"column:name;size:190;not null" json:"name"`
	OwnerID            string    `gorm:"column:owner_id;size:190;not null;index" json:"ownerId"`
	GeneralRoomID      string    `gorm:"column:general_room_id;size:190;not null" json:"generalRoomId"`
	AnnouncementRoomID string    `gorm:"column:announcement_room_id;size:190;not null" json:"announcementRoomId"`
	CreatedAt          time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName exposes the table backing teams.
func (Team) TableName() string {
	return "teams"
}

// TeamMember records a user's role in a team.
type TeamMember struct {
	TeamID   string    `gorm:"column:team_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role     Role      `gorm:"column:role;size:16;not null"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName exposes the table backing team memberships.
func (TeamMember) TableName() string {
	return "team_members"
}

// MemberView is a team member as listed to teammates.
type MemberView struct {
	UserID          string `json:"userId"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl"`
	Role            Role   `json:"role"`
}

// TeamView is a team as listed for one of its members.
type TeamView struct {
	Team
	Role    Role         `json:"role"`
	Members []MemberView `json:"members"`
}
