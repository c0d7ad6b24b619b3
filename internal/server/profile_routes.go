package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerProfileRoutes(group *gin.RouterGroup) {
	group.GET("/profile", h.handleGetProfile)
	group.PATCH("/profile", h.handleUpdateProfile)
	group.GET("/dashboard", h.handleDashboard)
}

type profileUpdatePayload struct {
	Name            *string `json:"name" validate:"omitempty,max=120"`
	ProfileImageURL *string `json:"profileImageUrl" validate:"omitempty,url,max=512"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	profile, err := h.users.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request profileUpdatePayload
	if !h.bindJSON(c, &request) {
		return
	}
	profile, err := h.users.UpdateProfile(c.Request.Context(), userID, users.ProfileUpdate{
		Name:            request.Name,
		ProfileImageURL: request.ProfileImageURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	summary, err := h.dashboard.Summary(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
