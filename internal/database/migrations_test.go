package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func insertSelfRoom(testContext *testing.T, database *gorm.DB, roomID, ownerID string, selfKey *string, createdAt time.Time) {
	testContext.Helper()
	room := chat.Room{ID: roomID, Name: "Personal space", Kind: chat.RoomKindSelf, SelfKey: selfKey, CreatedAt: createdAt, UpdatedAt: createdAt}
	if err := database.Create(&room).Error; err != nil {
		testContext.Fatalf("failed to insert room %s: %v", roomID, err)
	}
	member := chat.RoomMember{RoomID: roomID, UserID: ownerID, JoinedAt: createdAt}
	if err := database.Create(&member).Error; err != nil {
		testContext.Fatalf("failed to insert member for %s: %v", roomID, err)
	}
}

func loadRoom(testContext *testing.T, database *gorm.DB, roomID string) chat.Room {
	testContext.Helper()
	var room chat.Room
	if err := database.Where("id = ?", roomID).Take(&room).Error; err != nil {
		testContext.Fatalf("failed to reload room %s: %v", roomID, err)
	}
	return room
}

func TestApplyMigrationsDedupesPersonalSpaces(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	carolKey := "carol"

	insertSelfRoom(testContext, database, "alice-newer", "alice", nil, base.Add(time.Hour))
	insertSelfRoom(testContext, database, "alice-oldest", "alice", nil, base)
	insertSelfRoom(testContext, database, "bob-only", "bob", nil, base)
	insertSelfRoom(testContext, database, "carol-keyed", "carol", &carolKey, base)
	insertSelfRoom(testContext, database, "carol-legacy", "carol", nil, base.Add(-time.Hour))

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expectations := []struct {
		roomID  string
		kind    chat.RoomKind
		selfKey string
	}{
		{roomID: "alice-oldest", kind: chat.RoomKindSelf, selfKey: "alice"},
		{roomID: "alice-newer", kind: chat.RoomKindDirect},
		{roomID: "bob-only", kind: chat.RoomKindSelf, selfKey: "bob"},
		{roomID: "carol-keyed", kind: chat.RoomKindSelf, selfKey: "carol"},
		{roomID: "carol-legacy", kind: chat.RoomKindDirect},
	}
	for _, expected := range expectations {
		room := loadRoom(testContext, database, expected.roomID)
		if room.Kind != expected.kind {
			testContext.Fatalf("room %s: expected kind %s, got %s", expected.roomID, expected.kind, room.Kind)
		}
		switch {
		case expected.selfKey == "" && room.SelfKey != nil:
			testContext.Fatalf("room %s: expected self_key cleared, got %q", expected.roomID, *room.SelfKey)
		case expected.selfKey != "" && (room.SelfKey == nil || *room.SelfKey != expected.selfKey):
			testContext.Fatalf("room %s: expected self_key %q, got %v", expected.roomID, expected.selfKey, room.SelfKey)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDedupePersonalSpaces).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	insertSelfRoom(testContext, database, "late-legacy", "dave", nil, time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC))
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	room := loadRoom(testContext, database, "late-legacy")
	if room.SelfKey != nil {
		testContext.Fatalf("expected recorded migration to be skipped, got self_key %q", *room.SelfKey)
	}
	var records int64
	database.Model(&migrationRecord{}).Count(&records)
	if records != 1 {
		testContext.Fatalf("expected one migration record, got %d", records)
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "parley.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
