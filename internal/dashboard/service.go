// Package dashboard aggregates per-user counters for the landing view.
package dashboard

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const opSummary = "dashboard.summary"

var (
	// ErrInvalidUser reports an empty user id.
	ErrInvalidUser = errors.New("dashboard: user id required")

	errMissingSource = errors.New("dashboard: every counter source is required")
)

// RoomCounter counts the rooms a user belongs to.
type RoomCounter interface {
	CountRooms(ctx context.Context, userID string) (int64, error)
}

// TeamCounter counts the teams a user belongs to.
type TeamCounter interface {
	CountTeams(ctx context.Context, userID string) (int64, error)
}

// FriendCounter counts accepted friendships.
type FriendCounter interface {
	CountFriends(ctx context.Context, userID string) (int64, error)
}

// UnreadCounter counts visible unread notifications.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// Summary is the cached dashboard payload.
type Summary struct {
	Rooms               int64 `json:"rooms"`
	Teams               int64 `json:"teams"`
	Friends             int64 `json:"friends"`
	UnreadNotifications int64 `json:"unreadNotifications"`
}

// ServiceConfig describes the dashboard dependencies.
type ServiceConfig struct {
	Rooms         RoomCounter
	Teams         TeamCounter
	Friends       FriendCounter
	Notifications UnreadCounter
	Cache         *cache.Coordinator
	Logger        *zap.Logger
}

// Service computes dashboard summaries.
type Service struct {
	rooms         RoomCounter
	teams         TeamCounter
	friends       FriendCounter
	notifications UnreadCounter
	cache         *cache.Coordinator
	logger        *zap.Logger
}

// NewService constructs the dashboard service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Rooms == nil || cfg.Teams == nil || cfg.Friends == nil || cfg.Notifications == nil {
		return nil, errMissingSource
	}
	coordinator := cfg.Cache
	if coordinator == nil {
		coordinator = cache.NewDisabled()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rooms:         cfg.Rooms,
		teams:         cfg.Teams,
		friends:       cfg.Friends,
		notifications: cfg.Notifications,
		cache:         coordinator,
		logger:        logger,
	}, nil
}

// Summary returns the user's counters, read through the dashboard cache.
func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Summary{}, serviceerr.New(opSummary, "invalid_user", ErrInvalidUser)
	}
	return cache.Remember(ctx, s.cache, cache.Key(cache.ScopeDashboard, userID), func(ctx context.Context) (Summary, error) {
		return s.load(ctx, userID)
	})
}

func (s *Service) load(ctx context.Context, userID string) (Summary, error) {
	var summary Summary
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() (err error) {
		summary.Rooms, err = s.rooms.CountRooms(groupCtx, userID)
		return err
	})
	group.Go(func() (err error) {
		summary.Teams, err = s.teams.CountTeams(groupCtx, userID)
		return err
	})
	group.Go(func() (err error) {
		summary.Friends, err = s.friends.CountFriends(groupCtx, userID)
		return err
	})
	group.Go(func() (err error) {
		summary.UnreadNotifications, err = s.notifications.UnreadCount(groupCtx, userID)
		return err
	})
	if err := group.Wait(); err != nil {
		serviceerr.Log(s.logger, "dashboard service error", opSummary, "count_failed", err, zap.String("user_id", userID))
		return Summary{}, serviceerr.New(opSummary, "count_failed", err)
	}
	return summary, nil
}
