package chat

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertRoom creates the room and its initial memberships inside tx. It
// returns errDuplicateCreate when a unique room key already exists.
func InsertRoom(tx *gorm.DB, room *Room, memberIDs []string, joinedAt time.Time) error {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(room)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errDuplicateCreate
	}
	for _, userID := range memberIDs {
		member := RoomMember{RoomID: room.ID, UserID: userID, JoinedAt: joinedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
			return err
		}
	}
	return nil
}

// AddRoomMember joins the user to every listed room inside tx.
func AddRoomMember(tx *gorm.DB, roomIDs []string, userID string, joinedAt time.Time) error {
	for _, roomID := range roomIDs {
		member := RoomMember{RoomID: roomID, UserID: userID, JoinedAt: joinedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
			return err
		}
	}
	return nil
}

// RemoveRoomMember drops the user from every listed room inside tx.
func RemoveRoomMember(tx *gorm.DB, roomIDs []string, userID string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	return tx.Where("room_id IN ? AND user_id = ?", roomIDs, userID).Delete(&RoomMember{}).Error
}

// TeamRoomIDs lists the rooms owned by the team.
func TeamRoomIDs(tx *gorm.DB, teamID string) ([]string, error) {
	var roomIDs []string
	err := tx.Model(&Room{}).Where("team_id = ?", teamID).Order("id ASC").Pluck("id", &roomIDs).Error
	return roomIDs, err
}
