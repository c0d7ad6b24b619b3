package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupePersonalSpaces = "2026-10-01_dedupe_personal_spaces"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDedupePersonalSpaces, apply: dedupePersonalSpaces},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type legacySelfRoom struct {
	RoomID  string
	OwnerID string
}

// dedupePersonalSpaces stamps self_key on the oldest unkeyed self room of each
// owner. Surplus rooms become dm rooms so self_key stays unique.
func dedupePersonalSpaces(tx *gorm.DB) error {
	var legacy []legacySelfRoom
	err := tx.Table("rooms").
		Select("rooms.id AS room_id, room_members.user_id AS owner_id").
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("rooms.kind = ? AND rooms.self_key IS NULL", chat.RoomKindSelf).
		Order("room_members.user_id ASC, rooms.created_at ASC, rooms.id ASC").
		Scan(&legacy).Error
	if err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}

	for ownerID, rooms := range lo.GroupBy(legacy, func(room legacySelfRoom) string { return room.OwnerID }) {
		var keyed int64
		if err := tx.Model(&chat.Room{}).Where("self_key = ?", ownerID).Count(&keyed).Error; err != nil {
			return err
		}
		surplus := rooms
		if keyed == 0 {
			if err := tx.Model(&chat.Room{}).Where("id = ?", rooms[0].RoomID).Update("self_key", ownerID).Error; err != nil {
				return err
			}
			surplus = rooms[1:]
		}
		if len(surplus) == 0 {
			continue
		}
		surplusIDs := lo.Uniq(lo.Map(surplus, func(room legacySelfRoom, _ int) string { return room.RoomID }))
		if err := tx.Model(&chat.Room{}).Where("id IN ?", surplusIDs).
			Updates(map[string]interface{}{"kind": chat.RoomKindDirect, "self_key": nil}).Error; err != nil {
			return err
		}
	}
	return nil
}
