package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubTeammates struct {
	ids   []string
	calls int
}

func (s *stubTeammates) TeammateIDs(context.Context, string) ([]string, error) {
	s.calls++
	return s.ids, nil
}

func newTestService(t *testing.T, teammates TeammateLister) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Teammates: teammates,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveUserCreatesProfileOnce(t *testing.T) {
	service, db := newTestService(t, nil)
	claims := auth.SessionClaims{
		UserID:          "user-1",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}

	user, err := service.ResolveUser(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.ID != "user-1" || user.Name != "Example User" {
		t.Fatalf("unexpected user %#v", user)
	}

	if _, err := service.ResolveUser(context.Background(), claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single user row, got %d", count)
	}
}

func TestResolveUserRejectsEmptyIdentity(t *testing.T) {
	service, _ := newTestService(t, nil)
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestResolveUserKeepsEditedName(t *testing.T) {
	teammates := &stubTeammates{ids: []string{"user-2"}}
	service, _ := newTestService(t, teammates)
	ctx := context.Background()
	claims := auth.SessionClaims{UserID: "user-1", UserEmail: "old@example.com", UserDisplayName: "Login Name"}
	if _, err := service.ResolveUser(ctx, claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	edited := "Edited Name"
	if _, err := service.UpdateProfile(ctx, "user-1", ProfileUpdate{Name: &edited}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if teammates.calls != 1 {
		t.Fatalf("expected teammates to be looked up for invalidation, got %d calls", teammates.calls)
	}

	claims.UserEmail = "new@example.com"
	user, err := service.ResolveUser(ctx, claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.Name != edited {
		t.Fatalf("expected edited name to survive, got %q", user.Name)
	}
	if user.Email != "new@example.com" {
		t.Fatalf("expected email to follow claims, got %q", user.Email)
	}
}

func TestUpdateProfileUnknownUser(t *testing.T) {
	service, _ := newTestService(t, nil)
	name := "x"
	if _, err := service.UpdateProfile(context.Background(), "ghost", ProfileUpdate{Name: &name}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLookupUsers(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	for _, id := range []string{"user-1", "user-2"} {
		if _, err := service.ResolveUser(ctx, auth.SessionClaims{UserID: id}); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
	}
	found, err := service.LookupUsers(ctx, []string{"user-1", "user-2", "user-3"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected two users, got %d", len(found))
	}
}
