package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerChatRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.handleListRooms)
	group.GET("/rooms/personal", h.handlePersonalSpace)
	group.POST("/rooms/direct", h.handleCreateDirectRoom)
	group.GET("/rooms/:roomId/messages", h.handleListMessages)
	group.POST("/rooms/:roomId/messages", h.handlePostMessage)
	group.PATCH("/messages/:messageId", h.handleEditMessage)
	group.DELETE("/messages/:messageId", h.handleDeleteMessage)
}

type directRoomPayload struct {
	UserID string `json:"userId" validate:"required,max=190"`
}

type messagePayload struct {
	Content string `json:"content" validate:"required,max=4000"`
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	rooms, err := h.chat.ListRooms(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *httpHandler) handlePersonalSpace(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	room, err := h.personalSpaces.Resolve(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleCreateDirectRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request directRoomPayload
	if !h.bindJSON(c, &request) {
		return
	}
	room, err := h.chat.CreateDirectRoom(c.Request.Context(), userID, request.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before"})
			return
		}
		before = parsed
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), userID, c.Param("roomId"), before, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request messagePayload
	if !h.bindJSON(c, &request) {
		return
	}
	message, err := h.chat.PostMessage(c.Request.Context(), userID, c.Param("roomId"), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request messagePayload
	if !h.bindJSON(c, &request) {
		return
	}
	message, err := h.chat.EditMessage(c.Request.Context(), userID, c.Param("messageId"), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteMessage(c.Request.Context(), userID, c.Param("messageId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// queryLimit parses ?limit; zero lets the service apply its default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}
