package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	prefix string
	next   atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%03d", s.prefix, s.next.Add(1)), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []realtime.DomainEvent
}

func (p *capturingPublisher) Publish(_ context.Context, event realtime.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) snapshot() []realtime.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.DomainEvent(nil), p.events...)
}

type staticRoles map[string]string

func (r staticRoles) TeamRoles(_ context.Context, _ string, userIDs []string) (map[string]string, error) {
	roles := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		if role, ok := r[userID]; ok {
			roles[userID] = role
		}
	}
	return roles, nil
}

type userTable struct {
	db *gorm.DB
}

func (u userTable) LookupUsers(ctx context.Context, userIDs []string) (map[string]users.User, error) {
	var found []users.User
	if err := u.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&found).Error; err != nil {
		return nil, err
	}
	result := make(map[string]users.User, len(found))
	for _, user := range found {
		result[user.ID] = user
	}
	return result, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &Room{}, &RoomMember{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate chat schema: %v", err)
	}
	return db
}

func fixedClock() func() time.Time {
	var tick atomic.Int64
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
}

func newTestService(t *testing.T, db *gorm.DB, publisher realtime.Publisher) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Users:      userTable{db: db},
		Events:     publisher,
		IDProvider: &sequenceIDs{prefix: "id"},
		Clock:      fixedClock(),
	})
	if err != nil {
		t.Fatalf("failed to create chat service: %v", err)
	}
	return service
}

func seedUsers(t *testing.T, db *gorm.DB, userIDs ...string) {
	t.Helper()
	for _, userID := range userIDs {
		user := users.User{ID: userID, Email: userID + "@example.com", Name: userID}
		if err := db.Create(&user).Error; err != nil {
			t.Fatalf("failed to seed user %s: %v", userID, err)
		}
	}
}

func seedChannel(t *testing.T, db *gorm.DB, room Room, memberIDs ...string) Room {
	t.Helper()
	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	if room.Kind == "" {
		room.Kind = RoomKindChannel
	}
	room.CreatedAt = now
	room.UpdatedAt = now
	if err := db.Transaction(func(tx *gorm.DB) error {
		return InsertRoom(tx, &room, memberIDs, now)
	}); err != nil {
		t.Fatalf("failed to seed room %s: %v", room.ID, err)
	}
	return room
}
