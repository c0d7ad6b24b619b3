package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/parley/internal/teams"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) registerTeamRoutes(group *gin.RouterGroup) {
	group.GET("/teams", h.handleListTeams)
	group.POST("/teams", h.handleCreateTeam)
	group.POST("/teams/:teamId/members", h.handleAddTeamMember)
	group.DELETE("/teams/:teamId/members/:userId", h.handleRemoveTeamMember)
	group.POST("/teams/:teamId/announcements", h.handlePostAnnouncement)
}

type createTeamPayload struct {
	Name string `json:"name" validate:"required,max=120"`
}

type addMemberPayload struct {
	UserID string `json:"userId" validate:"required,max=190"`
	Role   string `json:"role" validate:"omitempty,oneof=admin member"`
}

func (h *httpHandler) handleListTeams(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	views, err := h.teams.ListTeams(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": views})
}

func (h *httpHandler) handleCreateTeam(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request createTeamPayload
	if !h.bindJSON(c, &request) {
		return
	}
	team, err := h.teams.CreateTeam(c.Request.Context(), userID, request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

func (h *httpHandler) handleAddTeamMember(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request addMemberPayload
	if !h.bindJSON(c, &request) {
		return
	}
	role := teams.RoleMember
	if request.Role != "" {
		role = teams.Role(request.Role)
	}
	if err := h.teams.AddMember(c.Request.Context(), userID, c.Param("teamId"), request.UserID, role); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveTeamMember(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if err := h.teams.RemoveMember(c.Request.Context(), userID, c.Param("teamId"), c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePostAnnouncement(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request messagePayload
	if !h.bindJSON(c, &request) {
		return
	}
	message, err := h.teams.PostAnnouncement(c.Request.Context(), userID, c.Param("teamId"), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}
