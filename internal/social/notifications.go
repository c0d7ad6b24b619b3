package social

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotificationNotFound reports an unknown notification or one owned by another user.
var ErrNotificationNotFound = errors.New("social: notification not found")

const (
	opListNotifications  = "social.list_notifications"
	opMarkRead           = "social.mark_read"
	opMarkAllRead        = "social.mark_all_read"
	opDeleteNotification = "social.delete_notification"
	opUnreadCount        = "social.unread_count"

	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

// visibleNotifications scopes a query to the user's notifications, hiding
// friend requests whose friendship is gone or no longer pending.
func visibleNotifications(tx *gorm.DB, userID string) *gorm.DB {
	return tx.Model(&Notification{}).
		Joins("LEFT JOIN friendships ON friendships.id = notifications.correlation_id").
		Where("notifications.user_id = ?", userID).
		Where("(notifications.type <> ? OR friendships.status = ?)", TypeFriendRequest, StatusPending)
}

// ListNotifications returns the user's visible notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID string, limit int) ([]NotificationView, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	var notifications []Notification
	err := visibleNotifications(s.db.WithContext(ctx), userID).
		Select("notifications.*").
		Order("notifications.created_at DESC").
		Order("notifications.id DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListNotifications, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListNotifications, "query_failed", err)
	}

	people, err := s.people(ctx, lo.Map(notifications, func(notification Notification, _ int) string {
		return notification.ActorID
	}))
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opListNotifications, "profile_query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListNotifications, "profile_query_failed", err)
	}
	return lo.Map(notifications, func(notification Notification, _ int) NotificationView {
		return projectNotification(notification, people[notification.ActorID])
	}), nil
}

// UnreadCount returns how many visible notifications the user has not read.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := visibleNotifications(s.db.WithContext(ctx), userID).
		Where("notifications.read_at IS NULL").
		Count(&count).Error
	if err != nil {
		serviceerr.Log(s.logger, "social service error", opUnreadCount, "query_failed", err, zap.String("user_id", userID))
		return 0, serviceerr.New(opUnreadCount, "query_failed", err)
	}
	return count, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Update("read_at", gorm.Expr("COALESCE(read_at, ?)", s.now().UTC()))
	if result.Error != nil {
		serviceerr.Log(s.logger, "social service error", opMarkRead, "update_failed", result.Error, zap.String("user_id", userID))
		return serviceerr.New(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return serviceerr.New(opMarkRead, "not_found", ErrNotificationNotFound)
	}
	s.invalidateDashboards(ctx, userID)
	return nil
}

// MarkAllRead marks every unread notification of the user as read and
// returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Update("read_at", s.now().UTC())
	if result.Error != nil {
		serviceerr.Log(s.logger, "social service error", opMarkAllRead, "update_failed", result.Error, zap.String("user_id", userID))
		return 0, serviceerr.New(opMarkAllRead, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.invalidateDashboards(ctx, userID)
	}
	return result.RowsAffected, nil
}

// DeleteNotification removes one of the user's notifications.
func (s *Service) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&Notification{})
	if result.Error != nil {
		serviceerr.Log(s.logger, "social service error", opDeleteNotification, "delete_failed", result.Error, zap.String("user_id", userID))
		return serviceerr.New(opDeleteNotification, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return serviceerr.New(opDeleteNotification, "not_found", ErrNotificationNotFound)
	}
	s.invalidateDashboards(ctx, userID)
	return nil
}

func (s *Service) notificationView(ctx context.Context, notification Notification) (NotificationView, error) {
	people, err := s.people(ctx, []string{notification.ActorID})
	if err != nil {
		return NotificationView{}, err
	}
	return projectNotification(notification, people[notification.ActorID]), nil
}

func projectNotification(notification Notification, actor Person) NotificationView {
	return NotificationView{
		ID:            notification.ID,
		Type:          notification.Type,
		Title:         notification.Title,
		Message:       notification.Message,
		CorrelationID: notification.CorrelationID,
		Actor:         actor,
		Read:          notification.ReadAt != nil,
		CreatedAt:     notification.CreatedAt,
	}
}

