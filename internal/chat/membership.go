package chat

import (
	"context"

	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MembershipDirectory answers room membership questions from the store. It is
// the membership source of the realtime registry and dispatcher.
type MembershipDirectory struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMembershipDirectory constructs a directory over the rooms schema.
func NewMembershipDirectory(db *gorm.DB, logger *zap.Logger) (*MembershipDirectory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipDirectory{db: db, logger: logger}, nil
}

// IsMember reports whether the user belongs to the room.
func (d *MembershipDirectory) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		serviceerr.Log(d.logger, "chat service error", opMembership, "query_failed", err, zap.String("room_id", roomID), zap.String("user_id", userID))
		return false, serviceerr.New(opMembership, "query_failed", err)
	}
	return count > 0, nil
}

// RoomMemberIDs lists the users belonging to the room.
func (d *MembershipDirectory) RoomMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	var memberIDs []string
	err := d.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ?", roomID).
		Order("user_id ASC").
		Pluck("user_id", &memberIDs).Error
	if err != nil {
		serviceerr.Log(d.logger, "chat service error", opMembership, "members_query_failed", err, zap.String("room_id", roomID))
		return nil, serviceerr.New(opMembership, "members_query_failed", err)
	}
	return memberIDs, nil
}
