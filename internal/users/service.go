package users

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no profile exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("users: database connection required")
)

const (
	opResolveUser   = "users.resolve_user"
	opGetProfile    = "users.get_profile"
	opUpdateProfile = "users.update_profile"
	opLookupUsers   = "users.lookup_users"
)

// TeammateLister reports every user sharing a team with the given user.
type TeammateLister interface {
	TeammateIDs(ctx context.Context, userID string) ([]string, error)
}

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database  *gorm.DB
	Cache     *cache.Coordinator
	Teammates TeammateLister
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service manages user profiles derived from session claims.
type Service struct {
	db        *gorm.DB
	cache     *cache.Coordinator
	teammates TeammateLister
	now       func() time.Time
	logger    *zap.Logger
	seen      sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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
	return &Service{
		db:        cfg.Database,
		cache:     coordinator,
		teammates: cfg.Teammates,
		now:       clock,
		logger:    logger,
	}, nil
}

// SetTeammateLister attaches the teammate lookup once the teams service exists.
func (s *Service) SetTeammateLister(teammates TeammateLister) {
	s.teammates = teammates
}

// ResolveUser returns the user described by the session claims, creating the
// profile on first sight and refreshing changed profile fields afterwards.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (User, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return User{}, ErrInvalidIdentity
	}

	incoming := User{
		ID:              userID,
		Email:           normalize(claims.UserEmail),
		Name:            normalize(claims.UserDisplayName),
		ProfileImageURL: normalize(claims.UserAvatarURL),
	}
	if cached, ok := s.seen.Load(userID); ok {
		if known, ok := cached.(User); ok && len(claimRefresh(known, incoming)) == 0 {
			return known, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = incoming
		user.LastSeenAt = s.now().UTC()
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			// a concurrent request may have created the same user first
			if reloadErr := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error; reloadErr != nil {
				serviceerr.Log(s.logger, "users service error", opResolveUser, "user_insert_failed", err, zap.String("user_id", userID))
				return User{}, serviceerr.New(opResolveUser, "user_insert_failed", err)
			}
		}
	case err != nil:
		serviceerr.Log(s.logger, "users service error", opResolveUser, "user_select_failed", err, zap.String("user_id", userID))
		return User{}, serviceerr.New(opResolveUser, "user_select_failed", err)
	default:
		if updates := claimRefresh(user, incoming); len(updates) > 0 {
			if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
				serviceerr.Log(s.logger, "users service error", opResolveUser, "user_update_failed", err, zap.String("user_id", userID))
				return User{}, serviceerr.New(opResolveUser, "user_update_failed", err)
			}
			applyRefresh(&user, updates)
			s.invalidateProfile(ctx, userID)
		}
	}

	s.seen.Store(userID, user)
	return user, nil
}

// GetProfile returns the user's profile through the profile cache.
func (s *Service) GetProfile(ctx context.Context, userID string) (User, error) {
	return cache.Remember(ctx, s.cache, cache.Key(cache.ScopeProfile, userID), func(ctx context.Context) (User, error) {
		var user User
		err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, serviceerr.New(opGetProfile, "not_found", ErrUserNotFound)
		}
		if err != nil {
			serviceerr.Log(s.logger, "users service error", opGetProfile, "query_failed", err, zap.String("user_id", userID))
			return User{}, serviceerr.New(opGetProfile, "query_failed", err)
		}
		return user, nil
	})
}

// UpdateProfile writes the editable profile fields and invalidates every
// cached read that embeds them.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	updates := map[string]interface{}{}
	if update.Name != nil {
		updates["name"] = normalize(*update.Name)
	}
	if update.ProfileImageURL != nil {
		updates["profile_image_url"] = normalize(*update.ProfileImageURL)
	}

	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return serviceerr.New(opUpdateProfile, "not_found", ErrUserNotFound)
			}
			return serviceerr.New(opUpdateProfile, "user_select_failed", err)
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&user).Updates(updates).Error; err != nil {
			return serviceerr.New(opUpdateProfile, "user_update_failed", err)
		}
		return tx.Where("id = ?", userID).Take(&user).Error
	})
	if txErr != nil {
		serviceerr.Log(s.logger, "users service error", opUpdateProfile, "transaction_failed", txErr, zap.String("user_id", userID))
		return User{}, txErr
	}

	s.seen.Delete(userID)
	s.invalidateProfile(ctx, userID)
	return user, nil
}

// LookupUsers loads the profiles of the given users keyed by id.
func (s *Service) LookupUsers(ctx context.Context, userIDs []string) (map[string]User, error) {
	result := make(map[string]User, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var found []User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&found).Error; err != nil {
		serviceerr.Log(s.logger, "users service error", opLookupUsers, "query_failed", err)
		return nil, serviceerr.New(opLookupUsers, "query_failed", err)
	}
	for _, user := range found {
		result[user.ID] = user
	}
	return result, nil
}

func (s *Service) invalidateProfile(ctx context.Context, userID string) {
	if err := s.cache.InvalidateUsers(ctx, cache.ScopeProfile, userID); err != nil {
		s.logger.Warn("profile cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.cache.InvalidateUsers(ctx, cache.ScopeDashboard, userID); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
	if s.teammates == nil {
		return
	}
	teammates, err := s.teammates.TeammateIDs(ctx, userID)
	if err != nil {
		s.logger.Warn("teammate lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := s.cache.InvalidateUsers(ctx, cache.ScopeTeams, append(teammates, userID)...); err != nil {
		s.logger.Warn("team cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// claimRefresh returns the columns the session claims should overwrite.
// Email follows the identity provider; name and avatar only seed empty
// fields so profile edits survive later logins.
func claimRefresh(stored, incoming User) map[string]interface{} {
	updates := map[string]interface{}{}
	if incoming.Email != "" && incoming.Email != stored.Email {
		updates["email"] = incoming.Email
	}
	if incoming.Name != "" && stored.Name == "" {
		updates["name"] = incoming.Name
	}
	if incoming.ProfileImageURL != "" && stored.ProfileImageURL == "" {
		updates["profile_image_url"] = incoming.ProfileImageURL
	}
	return updates
}

func applyRefresh(user *User, updates map[string]interface{}) {
	if value, ok := updates["email"].(string); ok {
		user.Email = value
	}
	if value, ok := updates["name"].(string); ok {
		user.Name = value
	}
	if value, ok := updates["profile_image_url"].(string); ok {
		user.ProfileImageURL = value
	}
}
