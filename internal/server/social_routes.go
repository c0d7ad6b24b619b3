package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/social"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerSocialRoutes(group *gin.RouterGroup) {
	group.GET("/friends", h.handleListFriends)
	group.GET("/friends/pending", h.handleListPending)
	group.POST("/friends/requests", h.handleSendFriendRequest)
	group.POST("/friends/:friendshipId/accept", h.handleFriendshipTransition(h.social.Accept))
	group.POST("/friends/:friendshipId/decline", h.handleFriendshipTransition(h.social.Decline))
	group.POST("/friends/:friendshipId/cancel", h.handleCancelFriendRequest)
	group.DELETE("/friends/:friendshipId", h.handleRemoveFriend)

	group.GET("/notifications", h.handleListNotifications)
	group.POST("/notifications/read-all", h.handleMarkAllNotificationsRead)
	group.POST("/notifications/:notificationId/read", h.handleMarkNotificationRead)
	group.DELETE("/notifications/:notificationId", h.handleDeleteNotification)
}

type friendRequestPayload struct {
	UserID string `json:"userId" validate:"required,max=190"`
}

func (h *httpHandler) handleListFriends(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	friends, err := h.social.ListFriends(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

func (h *httpHandler) handleListPending(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	pending, err := h.social.ListPending(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (h *httpHandler) handleSendFriendRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request friendRequestPayload
	if !h.bindJSON(c, &request) {
		return
	}
	friendship, err := h.social.SendRequest(c.Request.Context(), userID, request.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, friendship)
}

type friendshipTransition func(ctx context.Context, userID, friendshipID string) (social.Friendship, error)

func (h *httpHandler) handleFriendshipTransition(transition friendshipTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		friendship, err := transition(c.Request.Context(), userID, c.Param("friendshipId"))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, friendship)
	}
}

func (h *httpHandler) handleCancelFriendRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.social.Cancel(c.Request.Context(), userID, c.Param("friendshipId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveFriend(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.social.Remove(c.Request.Context(), userID, c.Param("friendshipId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	notifications, err := h.social.ListNotifications(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	unread, err := h.social.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications, "unread": unread})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.social.MarkRead(c.Request.Context(), userID, c.Param("notificationId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkAllNotificationsRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	updated, err := h.social.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.social.DeleteNotification(c.Request.Context(), userID, c.Param("notificationId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
