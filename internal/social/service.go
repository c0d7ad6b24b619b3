package social

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSelfFriendship reports a request addressed to the requester.
	ErrSelfFriendship = errors.New("social: cannot befriend yourself")
	// ErrAlreadyFriends reports a request between accepted friends.
	ErrAlreadyFriends = errors.New("social: already friends")
	// ErrRequestPending reports a request while one is already pending between the pair.
	ErrRequestPending = errors.New("social: friend request already pending")
	// ErrFriendshipNotFound reports an unknown friendship.
	ErrFriendshipNotFound = errors.New("social: friendship not found")
	// ErrNotPermitted reports a transition attempted by the wrong party.
	ErrNotPermitted = errors.New("social: not permitted")
	// ErrInvalidTransition reports a transition from a state that does not allow it.
	ErrInvalidTransition = errors.New("social: invalid friendship transition")

	errMissingDatabase   = errors.New("social: database connection required")
	errMissingIDProvider = errors.New("social: id provider required")
)

const (
	opSendRequest  = "social.send_request"
	opAccept       = "social.accept"
	opDecline      = "social.decline"
	opCancel       = "social.cancel"
	opRemove       = "social.remove"
	opListFriends  = "social.list_friends"
	opListPending  = "social.list_pending"
	opCountFriends = "social.count_friends"
)

// ServiceConfig describes the dependencies of the social service.
type ServiceConfig struct {
	Database   *gorm.DB
	Cache      *cache.Coordinator
	Events     realtime.Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service runs the friendship state machine and the notification inbox.
type Service struct {
	db     *gorm.DB
	cache  *cache.Coordinator
	events realtime.Publisher
	ids    ids.Provider
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the social service.
func NewService(cfg ServiceConfig) (*Service, error) {
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
	return &Service{
		db:     cfg.Database,
		cache:  coordinator,
		events: cfg.Events,
		ids:    cfg.IDProvider,
		now:    clock,
		logger: logger,
	}, nil
}

// SendRequest opens a PENDING friendship from requester to addressee and
// notifies the addressee. A previously declined pair may be requested again.
func (s *Service) SendRequest(ctx context.Context, requesterID, addresseeID string) (Friendship, error) {
	requesterID = strings.TrimSpace(requesterID)
	addresseeID = strings.TrimSpace(addresseeID)
	if requesterID == "" || addresseeID == "" || requesterID == addresseeID {
		return Friendship{}, serviceerr.New(opSendRequest, "self_request", ErrSelfFriendship)
	}
	var known int64
	if err := s.db.WithContext(ctx).Model(&users.User{}).Where("id = ?", addresseeID).Count(&known).Error; err != nil {
		serviceerr.Log(s.logger, "social service error", opSendRequest, "user_select_failed", err, zap.String("user_id", requesterID))
		return Friendship{}, serviceerr.New(opSendRequest, "user_select_failed", err)
	}
	if known == 0 {
		return Friendship{}, serviceerr.New(opSendRequest, "unknown_user", users.ErrUserNotFound)
	}

	now := s.now().UTC()
	key := pairKey(requesterID, addresseeID)
	var friendship Friendship
	var notification Notification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pair_key = ?", key).Take(&friendship).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			friendshipID, idErr := s.ids.NewID()
			if idErr != nil {
				return serviceerr.New(opSendRequest, "id_generation_failed", idErr)
			}
			friendship = Friendship{
				ID:          friendshipID,
				RequesterID: requesterID,
				AddresseeID: addresseeID,
				PairKey:     key,
				Status:      StatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&friendship)
			if result.Error != nil {
				return serviceerr.New(opSendRequest, "friendship_insert_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				// the other side requested in the same instant
				return serviceerr.New(opSendRequest, "already_pending", ErrRequestPending)
			}
		case err != nil:
			return serviceerr.New(opSendRequest, "friendship_select_failed", err)
		case friendship.Status == StatusAccepted:
			return serviceerr.New(opSendRequest, "already_friends", ErrAlreadyFriends)
		case friendship.Status == StatusPending:
			return serviceerr.New(opSendRequest, "already_pending", ErrRequestPending)
		default:
			friendship.RequesterID = requesterID
			friendship.AddresseeID = addresseeID
			friendship.Status = StatusPending
			friendship.UpdatedAt = now
			if err := tx.Save(&friendship).Error; err != nil {
				return serviceerr.New(opSendRequest, "friendship_update_failed", err)
			}
			if err := tx.Where("type = ? AND correlation_id = ?", TypeFriendRequest, friendship.ID).Delete(&Notification{}).Error; err != nil {
				return serviceerr.New(opSendRequest, "notification_delete_failed", err)
			}
		}

		created, err := s.createNotification(tx, addresseeID, TypeFriendRequest, requesterID, friendship.ID, now)
		if err != nil {
			return serviceerr.New(opSendRequest, "notification_insert_failed", err)
		}
		notification = created
		return nil
	})
	if txErr != nil {
		s.logFailure(opSendRequest, txErr, zap.String("user_id", requesterID))
		return Friendship{}, txErr
	}

	s.invalidateDashboards(ctx, addresseeID)
	s.publishNotification(ctx, notification)
	return friendship, nil
}

// Accept moves a PENDING friendship to ACCEPTED. Only the addressee may accept.
func (s *Service) Accept(ctx context.Context, userID, friendshipID string) (Friendship, error) {
	now := s.now().UTC()
	var friendship Friendship
	var notification Notification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadPending(tx, opAccept, friendshipID, &friendship); err != nil {
			return err
		}
		if friendship.AddresseeID != userID {
			return serviceerr.New(opAccept, "not_addressee", ErrNotPermitted)
		}
		if err := s.transition(tx, &friendship, StatusAccepted, now); err != nil {
			return serviceerr.New(opAccept, "friendship_update_failed", err)
		}
		if err := tx.Model(&Notification{}).
			Where("user_id = ? AND type = ? AND correlation_id = ? AND read_at IS NULL", userID, TypeFriendRequest, friendship.ID).
			Update("read_at", now).Error; err != nil {
			return serviceerr.New(opAccept, "notification_update_failed", err)
		}
		created, err := s.createNotification(tx, friendship.RequesterID, TypeFriendAccepted, userID, friendship.ID, now)
		if err != nil {
			return serviceerr.New(opAccept, "notification_insert_failed", err)
		}
		notification = created
		return nil
	})
	if txErr != nil {
		s.logFailure(opAccept, txErr, zap.String("friendship_id", friendshipID), zap.String("user_id", userID))
		return Friendship{}, txErr
	}

	s.invalidateDashboards(ctx, friendship.RequesterID, friendship.AddresseeID)
	s.publishNotification(ctx, notification)
	s.publishFriendsChanged(ctx, friendship)
	return friendship, nil
}

// Decline moves a PENDING friendship to DECLINED. Only the addressee may decline.
func (s *Service) Decline(ctx context.Context, userID, friendshipID string) (Friendship, error) {
	now := s.now().UTC()
	var friendship Friendship
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadPending(tx, opDecline, friendshipID, &friendship); err != nil {
			return err
		}
		if friendship.AddresseeID != userID {
			return serviceerr.New(opDecline, "not_addressee", ErrNotPermitted)
		}
		if err := s.transition(tx, &friendship, StatusDeclined, now); err != nil {
			return serviceerr.New(opDecline, "friendship_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opDecline, txErr, zap.String("friendship_id", friendshipID), zap.String("user_id", userID))
		return Friendship{}, txErr
	}

	s.invalidateDashboards(ctx, friendship.AddresseeID)
	s.publishFriendsChanged(ctx, friendship)
	return friendship, nil
}

// Cancel withdraws a PENDING request. Only the requester may cancel; the
// friendship row is deleted.
func (s *Service) Cancel(ctx context.Context, userID, friendshipID string) error {
	var friendship Friendship
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadPending(tx, opCancel, friendshipID, &friendship); err != nil {
			return err
		}
		if friendship.RequesterID != userID {
			return serviceerr.New(opCancel, "not_requester", ErrNotPermitted)
		}
		if err := tx.Where("id = ?", friendship.ID).Delete(&Friendship{}).Error; err != nil {
			return serviceerr.New(opCancel, "friendship_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opCancel, txErr, zap.String("friendship_id", friendshipID), zap.String("user_id", userID))
		return txErr
	}

	s.invalidateDashboards(ctx, friendship.AddresseeID)
	s.publishFriendsChanged(ctx, friendship)
	return nil
}

// Remove ends an ACCEPTED friendship. Either party may remove it.
func (s *Service) Remove(ctx context.Context, userID, friendshipID string) error {
	var friendship Friendship
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, opRemove, friendshipID, &friendship); err != nil {
			return err
		}
		if friendship.RequesterID != userID && friendship.AddresseeID != userID {
			return serviceerr.New(opRemove, "not_a_party", ErrNotPermitted)
		}
		if friendship.Status != StatusAccepted {
			return serviceerr.New(opRemove, "not_accepted", ErrInvalidTransition)
		}
		if err := tx.Where("id = ?", friendship.ID).Delete(&Friendship{}).Error; err != nil {
			return serviceerr.New(opRemove, "friendship_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opRemove, txErr, zap.String("friendship_id", friendshipID), zap.String("user_id", userID))
		return txErr
	}

	s.invalidateDashboards(ctx, friendship.RequesterID, friendship.AddresseeID)
	s.publishFriendsChanged(ctx, friendship)
	return nil
}

// ListFriends returns the user's accepted friendships.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]FriendView, error) {
	var friendships []Friendship
	err := s.db.WithContext(ctx).
		Where("status = ? AND (requester_id = ? OR addressee_id = ?)", StatusAccepted, userID, userID).
		Order("updated_at DESC").Order("id ASC").
		Find(&friendships).Error
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListFriends, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListFriends, "query_failed", err)
	}
	people, err := s.people(ctx, lo.Map(friendships, func(friendship Friendship, _ int) string {
		return otherParty(friendship, userID)
	}))
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListFriends, "profile_query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListFriends, "profile_query_failed", err)
	}
	return lo.Map(friendships, func(friendship Friendship, _ int) FriendView {
		return FriendView{FriendshipID: friendship.ID, Friend: people[otherParty(friendship, userID)], Since: friendship.UpdatedAt}
	}), nil
}

// ListPending returns the user's pending requests split by direction.
func (s *Service) ListPending(ctx context.Context, userID string) (PendingRequests, error) {
	var friendships []Friendship
	err := s.db.WithContext(ctx).
		Where("status = ? AND (requester_id = ? OR addressee_id = ?)", StatusPending, userID, userID).
		Order("updated_at DESC").Order("id ASC").
		Find(&friendships).Error
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListPending, "query_failed", err, zap.String("user_id", userID))
		return PendingRequests{}, serviceerr.New(opListPending, "query_failed", err)
	}
	people, err := s.people(ctx, lo.Map(friendships, func(friendship Friendship, _ int) string {
		return otherParty(friendship, userID)
	}))
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListPending, "profile_query_failed", err, zap.String("user_id", userID))
		return PendingRequests{}, serviceerr.New(opListPending, "profile_query_failed", err)
	}

	pending := PendingRequests{Incoming: []RequestView{}, Outgoing: []RequestView{}}
	for _, friendship := range friendships {
		view := RequestView{FriendshipID: friendship.ID, Other: people[otherParty(friendship, userID)], CreatedAt: friendship.UpdatedAt}
		if friendship.AddresseeID == userID {
			pending.Incoming = append(pending.Incoming, view)
		} else {
			pending.Outgoing = append(pending.Outgoing, view)
		}
	}
	return pending, nil
}

// CountFriends returns how many accepted friendships the user has.
func (s *Service) CountFriends(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Friendship{}).
		Where("status = ? AND (requester_id = ? OR addressee_id = ?)", StatusAccepted, userID, userID).
		Count(&count).Error
	if err != nil {
		return 0, serviceerr.New(opCountFriends, "query_failed", err)
	}
	return count, nil
}

func (s *Service) load(tx *gorm.DB, operation, friendshipID string, friendship *Friendship) error {
	err := tx.Where("id = ?", friendshipID).Take(friendship).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return serviceerr.New(operation, "not_found", ErrFriendshipNotFound)
	}
	if err != nil {
		return serviceerr.New(operation, "friendship_select_failed", err)
	}
	return nil
}

func (s *Service) loadPending(tx *gorm.DB, operation, friendshipID string, friendship *Friendship) error {
	if err := s.load(tx, operation, friendshipID, friendship); err != nil {
		return err
	}
	if friendship.Status != StatusPending {
		return serviceerr.New(operation, "not_pending", ErrInvalidTransition)
	}
	return nil
}

// transition updates the status only if the row is still PENDING, so two
// racing transitions cannot both succeed.
func (s *Service) transition(tx *gorm.DB, friendship *Friendship, status FriendshipStatus, now time.Time) error {
	result := tx.Model(&Friendship{}).
		Where("id = ? AND status = ?", friendship.ID, StatusPending).
		Updates(map[string]interface{}{"status": status, "updated_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	friendship.Status = status
	friendship.UpdatedAt = now
	return nil
}

func (s *Service) createNotification(tx *gorm.DB, userID string, notificationType NotificationType, actorID, correlationID string, now time.Time) (Notification, error) {
	notificationID, err := s.ids.NewID()
	if err != nil {
		return Notification{}, err
	}
	var actorNames []string
	if err := tx.Model(&users.User{}).Where("id = ?", actorID).Limit(1).Pluck("name", &actorNames).Error; err != nil {
		return Notification{}, err
	}
	actorName := actorID
	if len(actorNames) > 0 && strings.TrimSpace(actorNames[0]) != "" {
		actorName = strings.TrimSpace(actorNames[0])
	}
	title, message := notificationText(notificationType, actorName)
	notification := Notification{
		ID:            notificationID,
		UserID:        userID,
		Type:          notificationType,
		Title:         title,
		Message:       message,
		ActorID:       actorID,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	if err := tx.Create(&notification).Error; err != nil {
		return Notification{}, err
	}
	return notification, nil
}

func notificationText(notificationType NotificationType, actorName string) (string, string) {
	switch notificationType {
	case TypeFriendRequest:
		return "Friend request", actorName + " sent you a friend request"
	case TypeFriendAccepted:
		return "Friend request accepted", actorName + " accepted your friend request"
	default:
		return "Notification", ""
	}
}

func (s *Service) people(ctx context.Context, userIDs []string) (map[string]Person, error) {
	people := make(map[string]Person, len(userIDs))
	userIDs = lo.Uniq(userIDs)
	if len(userIDs) == 0 {
		return people, nil
	}
	var found []users.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&found).Error; err != nil {
		return nil, err
	}
	for _, user := range found {
		people[user.ID] = Person{ID: user.ID, Email: user.Email, Name: user.Name, ProfileImageURL: user.ProfileImageURL}
	}
	for _, userID := range userIDs {
		if _, ok := people[userID]; !ok {
			people[userID] = Person{ID: userID}
		}
	}
	return people, nil
}

func (s *Service) publishNotification(ctx context.Context, notification Notification) {
	if s.events == nil {
		return
	}
	view, err := s.notificationView(ctx, notification)
	if err != nil {
		s.logger.Warn("notification projection failed", zap.String("user_id", notification.UserID), zap.Error(err))
		return
	}
	s.events.Publish(ctx, realtime.DomainEvent{
		Kind:          realtime.EventNotification,
		TargetUserIDs: []string{notification.UserID},
		EntityID:      notification.ID,
		Payload:       view,
		EmittedAt:     s.now().UTC(),
	})
}

func (s *Service) publishFriendsChanged(ctx context.Context, friendship Friendship) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, realtime.DomainEvent{
		Kind:          realtime.EventFriendsChanged,
		TargetUserIDs: []string{friendship.RequesterID, friendship.AddresseeID},
		EntityID:      friendship.ID,
		EmittedAt:     s.now().UTC(),
	})
}

func (s *Service) invalidateDashboards(ctx context.Context, userIDs ...string) {
	if err := s.cache.InvalidateUsers(ctx, cache.ScopeDashboard, userIDs...); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	for _, expected := range []error{ErrSelfFriendship, ErrAlreadyFriends, ErrRequestPending, ErrFriendshipNotFound, ErrNotPermitted, ErrInvalidTransition, users.ErrUserNotFound} {
		if errors.Is(err, expected) {
			return
		}
	}
	serviceerr.Log(s.logger, "social service error", operation, "transaction_failed", err, fields...)
}

func pairKey(first, second string) string {
	if second < first {
		first, second = second, first
	}
	return first + "|" + second
}

func otherParty(friendship Friendship, userID string) string {
	if friendship.RequesterID == userID {
		return friendship.AddresseeID
	}
	return friendship.RequesterID
}
