package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	opResolvePersonalSpace = "chat.resolve_personal_space"
	personalSpaceName      = "Personal space"
)

// PersonalSpaceResolverConfig wires a PersonalSpaceResolver.
type PersonalSpaceResolverConfig struct {
	Database   *gorm.DB
	Cache      *cache.Coordinator
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// PersonalSpaceResolver returns each user's single self room, creating it on
// first use. Concurrent callers, in this process or others, converge on one
// room: in-process calls share a flight and cross-process races are settled
// by the unique self_key column.
type PersonalSpaceResolver struct {
	db       *gorm.DB
	cache    *cache.Coordinator
	ids      ids.Provider
	now      func() time.Time
	logger   *zap.Logger
	flights  singleflight.Group
	resolved sync.Map
}

// NewPersonalSpaceResolver constructs a resolver.
func NewPersonalSpaceResolver(cfg PersonalSpaceResolverConfig) (*PersonalSpaceResolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := cfg.Cache
	if coordinator == nil {
		coordinator = cache.NewDisabled()
	}
	return &PersonalSpaceResolver{db: cfg.Database, cache: coordinator, ids: cfg.IDProvider, now: clock, logger: logger}, nil
}

// Resolve returns the user's personal space.
func (r *PersonalSpaceResolver) Resolve(ctx context.Context, userID string) (Room, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Room{}, serviceerr.New(opResolvePersonalSpace, "missing_user", ErrInvalidRoom)
	}

	if cachedID, ok := r.resolved.Load(userID); ok {
		var room Room
		err := r.db.WithContext(ctx).Where("id = ?", cachedID).Take(&room).Error
		if err == nil {
			return room, nil
		}
		r.resolved.Delete(userID)
	}

	// The shared flight must outlive any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	result, err, _ := r.flights.Do(userID, func() (interface{}, error) {
		return r.resolve(flightCtx, userID)
	})
	if err != nil {
		return Room{}, err
	}
	room := result.(Room)
	r.resolved.Store(userID, room.ID)
	return room, nil
}

func (r *PersonalSpaceResolver) resolve(ctx context.Context, userID string) (Room, error) {
	room, err := r.lookup(ctx, userID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		serviceerr.Log(r.logger, "personal space error", opResolvePersonalSpace, "room_select_failed", err, zap.String("user_id", userID))
		return Room{}, serviceerr.New(opResolvePersonalSpace, "room_select_failed", err)
	}

	roomID, err := r.ids.NewID()
	if err != nil {
		return Room{}, serviceerr.New(opResolvePersonalSpace, "id_generation_failed", err)
	}
	now := r.now().UTC()
	selfKey := userID
	room = Room{ID: roomID, Name: personalSpaceName, Kind: RoomKindSelf, SelfKey: &selfKey, CreatedAt: now, UpdatedAt: now}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return InsertRoom(tx, &room, []string{userID}, now)
	})
	switch {
	case err == nil:
		r.logger.Debug("personal space created", zap.String("user_id", userID), zap.String("room_id", room.ID))
		if err := r.cache.Invalidate(ctx, cache.ScopeDashboard, userID); err != nil {
			r.logger.Warn("dashboard cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
		}
		return room, nil
	case errors.Is(err, errDuplicateCreate):
		winner, readErr := r.lookup(ctx, userID)
		if readErr != nil {
			serviceerr.Log(r.logger, "personal space error", opResolvePersonalSpace, "room_reload_failed", readErr, zap.String("user_id", userID))
			return Room{}, serviceerr.New(opResolvePersonalSpace, "room_reload_failed", readErr)
		}
		return winner, nil
	default:
		serviceerr.Log(r.logger, "personal space error", opResolvePersonalSpace, "room_insert_failed", err, zap.String("user_id", userID))
		return Room{}, serviceerr.New(opResolvePersonalSpace, "room_insert_failed", err)
	}
}

func (r *PersonalSpaceResolver) lookup(ctx context.Context, userID string) (Room, error) {
	var room Room
	err := r.db.WithContext(ctx).
		Where("self_key = ? AND kind = ?", userID, RoomKindSelf).
		Take(&room).Error
	return room, err
}
