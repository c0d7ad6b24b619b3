package teams

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
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
	// ErrTeamNotFound reports an unknown team.
	ErrTeamNotFound = errors.New("teams: team not found")
	// ErrForbidden reports an action the caller's role does not allow.
	ErrForbidden = errors.New("teams: action not permitted")
	// ErrAlreadyMember reports adding a user who already belongs to the team.
	ErrAlreadyMember = errors.New("teams: user already a member")
	// ErrNotTeamMember reports removing a user who does not belong to the team.
	ErrNotTeamMember = errors.New("teams: user not a member")
	// ErrInvalidTeam reports malformed team input.
	ErrInvalidTeam = errors.New("teams: invalid team request")

	errMissingDatabase   = errors.New("teams: database connection required")
	errMissingIDProvider = errors.New("teams: id provider required")
	errMissingChat       = errors.New("teams: chat service required")
)

const (
	opCreateTeam       = "teams.create_team"
	opAddMember        = "teams.add_member"
	opRemoveMember     = "teams.remove_member"
	opListTeams        = "teams.list_teams"
	opPostAnnouncement = "teams.post_announcement"
	opTeammates        = "teams.teammates"
	opTeamRoles        = "teams.team_roles"

	generalChannelName       = "general"
	announcementsChannelName = "announcements"
	maxTeamNameLength        = 120
)

// SubscriptionRevoker drops live room subscriptions of a user who lost membership.
type SubscriptionRevoker interface {
	UnsubscribeUser(userID string, roomIDs ...string) int
}

// ServiceConfig describes the dependencies of the team service.
type ServiceConfig struct {
	Database      *gorm.DB
	Chat          *chat.Service
	Cache         *cache.Coordinator
	Events        realtime.Publisher
	Subscriptions SubscriptionRevoker
	IDProvider    ids.Provider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service manages teams, their members and their channels.
type Service struct {
	db            *gorm.DB
	chat          *chat.Service
	cache         *cache.Coordinator
	events        realtime.Publisher
	subscriptions SubscriptionRevoker
	ids           ids.Provider
	now           func() time.Time
	logger        *zap.Logger
}

// NewService constructs the team service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Chat == nil {
		return nil, errMissingChat
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
		db:            cfg.Database,
		chat:          cfg.Chat,
		cache:         coordinator,
		events:        cfg.Events,
		subscriptions: cfg.Subscriptions,
		ids:           cfg.IDProvider,
		now:           clock,
		logger:        logger,
	}, nil
}

// CreateTeam creates a team owned by the caller with its general and
// announcements channels.
func (s *Service) CreateTeam(ctx context.Context, ownerID, name string) (Team, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxTeamNameLength {
		return Team{}, serviceerr.New(opCreateTeam, "invalid_name", ErrInvalidTeam)
	}
	teamID, err := s.ids.NewID()
	if err != nil {
		return Team{}, serviceerr.New(opCreateTeam, "id_generation_failed", err)
	}
	generalID, err := s.ids.NewID()
	if err != nil {
		return Team{}, serviceerr.New(opCreateTeam, "id_generation_failed", err)
	}
	announcementsID, err := s.ids.NewID()
	if err != nil {
		return Team{}, serviceerr.New(opCreateTeam, "id_generation_failed", err)
	}

	now := s.now().UTC()
	team := Team{
		ID:                 teamID,
		Name:               name,
		OwnerID:            ownerID,
		GeneralRoomID:      generalID,
		AnnouncementRoomID: announcementsID,
		CreatedAt:          now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&team).Error; err != nil {
			return err
		}
		owner := TeamMember{TeamID: teamID, UserID: ownerID, Role: RoleOwner, JoinedAt: now}
		if err := tx.Create(&owner).Error; err != nil {
			return err
		}
		general := chat.Room{ID: generalID, Name: generalChannelName, Kind: chat.RoomKindChannel, TeamID: &teamID, CreatedAt: now, UpdatedAt: now}
		if err := chat.InsertRoom(tx, &general, []string{ownerID}, now); err != nil {
			return err
		}
		announcements := chat.Room{ID: announcementsID, Name: announcementsChannelName, Kind: chat.RoomKindChannel, TeamID: &teamID, Announcements: true, CreatedAt: now, UpdatedAt: now}
		return chat.InsertRoom(tx, &announcements, []string{ownerID}, now)
	})
	if txErr != nil {
		serviceerr.Log(s.logger, "teams service error", opCreateTeam, "transaction_failed", txErr, zap.String("user_id", ownerID))
		return Team{}, serviceerr.New(opCreateTeam, "transaction_failed", txErr)
	}

	s.invalidate(ctx, ownerID)
	for _, roomID := range []string{generalID, announcementsID} {
		s.publish(ctx, realtime.DomainEvent{Kind: realtime.EventRoomSummaryChanged, RoomID: roomID, TargetUserIDs: []string{ownerID}})
	}
	return team, nil
}

// AddMember adds a user to the team and to every team channel. Owners and
// admins may add members.
func (s *Service) AddMember(ctx context.Context, actorID, teamID, userID string, role Role) error {
	if role == "" {
		role = RoleMember
	}
	if !role.valid() || role == RoleOwner || strings.TrimSpace(userID) == "" {
		return serviceerr.New(opAddMember, "invalid_member", ErrInvalidTeam)
	}
	if err := s.requireManager(ctx, opAddMember, actorID, teamID); err != nil {
		return err
	}
	var known int64
	if err := s.db.WithContext(ctx).Model(&users.User{}).Where("id = ?", userID).Count(&known).Error; err != nil {
		serviceerr.Log(s.logger, "teams service error", opAddMember, "user_select_failed", err, zap.String("team_id", teamID))
		return serviceerr.New(opAddMember, "user_select_failed", err)
	}
	if known == 0 {
		return serviceerr.New(opAddMember, "unknown_user", users.ErrUserNotFound)
	}

	now := s.now().UTC()
	var roomIDs []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member := TeamMember{TeamID: teamID, UserID: userID, Role: role, JoinedAt: now}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member)
		if result.Error != nil {
			return serviceerr.New(opAddMember, "member_insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return serviceerr.New(opAddMember, "already_member", ErrAlreadyMember)
		}
		var err error
		roomIDs, err = chat.TeamRoomIDs(tx, teamID)
		if err != nil {
			return serviceerr.New(opAddMember, "rooms_select_failed", err)
		}
		if err := chat.AddRoomMember(tx, roomIDs, userID, now); err != nil {
			return serviceerr.New(opAddMember, "room_member_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrAlreadyMember) {
			serviceerr.Log(s.logger, "teams service error", opAddMember, "transaction_failed", txErr, zap.String("team_id", teamID), zap.String("user_id", userID))
		}
		return txErr
	}

	s.invalidateTeam(ctx, teamID, userID)
	for _, roomID := range roomIDs {
		s.publish(ctx, realtime.DomainEvent{Kind: realtime.EventRoomSummaryChanged, RoomID: roomID, TargetUserIDs: []string{userID}})
	}
	return nil
}

// RemoveMember removes a user from the team and every team channel. Owners
// and admins may remove others; any member may remove themselves. The owner
// cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actorID, teamID, userID string) error {
	team, err := s.loadTeam(ctx, opRemoveMember, teamID)
	if err != nil {
		return err
	}
	if userID == team.OwnerID {
		return serviceerr.New(opRemoveMember, "owner_removal", ErrForbidden)
	}
	if actorID != userID {
		if err := s.requireManager(ctx, opRemoveMember, actorID, teamID); err != nil {
			return err
		}
	}

	var roomIDs []string
	var remaining []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("team_id = ? AND user_id = ?", teamID, userID).Delete(&TeamMember{})
		if result.Error != nil {
			return serviceerr.New(opRemoveMember, "member_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return serviceerr.New(opRemoveMember, "not_a_member", ErrNotTeamMember)
		}
		var err error
		roomIDs, err = chat.TeamRoomIDs(tx, teamID)
		if err != nil {
			return serviceerr.New(opRemoveMember, "rooms_select_failed", err)
		}
		if err := chat.RemoveRoomMember(tx, roomIDs, userID); err != nil {
			return serviceerr.New(opRemoveMember, "room_member_delete_failed", err)
		}
		return tx.Model(&TeamMember{}).Where("team_id = ?", teamID).Pluck("user_id", &remaining).Error
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotTeamMember) {
			serviceerr.Log(s.logger, "teams service error", opRemoveMember, "transaction_failed", txErr, zap.String("team_id", teamID), zap.String("user_id", userID))
		}
		return txErr
	}

	if s.subscriptions != nil {
		s.subscriptions.UnsubscribeUser(userID, roomIDs...)
	}
	s.invalidate(ctx, append(remaining, userID)...)
	for _, roomID := range roomIDs {
		s.publish(ctx, realtime.DomainEvent{Kind: realtime.EventRoomSummaryChanged, RoomID: roomID, TargetUserIDs: []string{userID}})
	}
	return nil
}

// ListTeams returns the caller's teams with their members, through the teams cache.
func (s *Service) ListTeams(ctx context.Context, userID string) ([]TeamView, error) {
	return cache.Remember(ctx, s.cache, cache.Key(cache.ScopeTeams, userID), func(ctx context.Context) ([]TeamView, error) {
		return s.loadTeamViews(ctx, userID)
	})
}

func (s *Service) loadTeamViews(ctx context.Context, userID string) ([]TeamView, error) {
	var memberships []TeamMember
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		serviceerr.Log(s.logger, "teams service error", opListTeams, "membership_query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListTeams, "membership_query_failed", err)
	}
	if len(memberships) == 0 {
		return []TeamView{}, nil
	}
	teamIDs := lo.Map(memberships, func(member TeamMember, _ int) string { return member.TeamID })
	roleByTeam := lo.SliceToMap(memberships, func(member TeamMember) (string, Role) { return member.TeamID, member.Role })

	var teams []Team
	if err := s.db.WithContext(ctx).Where("id IN ?", teamIDs).Order("name ASC").Order("id ASC").Find(&teams).Error; err != nil {
		serviceerr.Log(s.logger, "teams service error", opListTeams, "team_query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListTeams, "team_query_failed", err)
	}

	type memberRow struct {
		TeamID          string
		UserID          string
		Role            Role
		Name            string
		ProfileImageURL string
	}
	var rows []memberRow
	err := s.db.WithContext(ctx).Table("team_members").
		Select("team_members.team_id, team_members.user_id, team_members.role, users.name, users.profile_image_url").
		Joins("LEFT JOIN users ON users.id = team_members.user_id").
		Where("team_members.team_id IN ?", teamIDs).
		Order("team_members.joined_at ASC").
		Order("team_members.user_id ASC").
		Scan(&rows).Error
	if err != nil {
		serviceerr.Log(s.logger, "teams service error", opListTeams, "member_query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListTeams, "member_query_failed", err)
	}
	membersByTeam := lo.GroupBy(rows, func(row memberRow) string { return row.TeamID })

	return lo.Map(teams, func(team Team, _ int) TeamView {
		return TeamView{
			Team: team,
			Role: roleByTeam[team.ID],
			Members: lo.Map(membersByTeam[team.ID], func(row memberRow, _ int) MemberView {
				return MemberView{UserID: row.UserID, Name: row.Name, ProfileImageURL: row.ProfileImageURL, Role: row.Role}
			}),
		}
	}), nil
}

// CountTeams returns how many teams the user belongs to.
func (s *Service) CountTeams(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&TeamMember{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, serviceerr.New(opListTeams, "count_failed", err)
	}
	return count, nil
}

// PostAnnouncement posts into the team's announcements channel. Only owners
// and admins may announce.
func (s *Service) PostAnnouncement(ctx context.Context, userID, teamID, content string) (chat.MessageView, error) {
	team, err := s.loadTeam(ctx, opPostAnnouncement, teamID)
	if err != nil {
		return chat.MessageView{}, err
	}
	if err := s.requireManager(ctx, opPostAnnouncement, userID, teamID); err != nil {
		return chat.MessageView{}, err
	}
	return s.chat.PostAnnouncement(ctx, userID, team.AnnouncementRoomID, content)
}

// TeammateIDs lists every other user sharing at least one team with the user.
func (s *Service) TeammateIDs(ctx context.Context, userID string) ([]string, error) {
	var teammateIDs []string
	err := s.db.WithContext(ctx).Model(&TeamMember{}).
		Distinct("user_id").
		Where("team_id IN (?)", s.db.Model(&TeamMember{}).Select("team_id").Where("user_id = ?", userID)).
		Where("user_id <> ?", userID).
		Order("user_id ASC").
		Pluck("user_id", &teammateIDs).Error
	if err != nil {
		serviceerr.Log(s.logger, "teams service error", opTeammates, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opTeammates, "query_failed", err)
	}
	return teammateIDs, nil
}

// TeamRoles maps each listed user to their role in the team.
func (s *Service) TeamRoles(ctx context.Context, teamID string, userIDs []string) (map[string]string, error) {
	roles := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return roles, nil
	}
	var members []TeamMember
	if err := s.db.WithContext(ctx).Where("team_id = ? AND user_id IN ?", teamID, userIDs).Find(&members).Error; err != nil {
		return nil, serviceerr.New(opTeamRoles, "query_failed", err)
	}
	for _, member := range members {
		roles[member.UserID] = string(member.Role)
	}
	return roles, nil
}

func (s *Service) loadTeam(ctx context.Context, operation, teamID string) (Team, error) {
	var team Team
	err := s.db.WithContext(ctx).Where("id = ?", teamID).Take(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Team{}, serviceerr.New(operation, "team_not_found", ErrTeamNotFound)
	}
	if err != nil {
		serviceerr.Log(s.logger, "teams service error", operation, "team_select_failed", err, zap.String("team_id", teamID))
		return Team{}, serviceerr.New(operation, "team_select_failed", err)
	}
	return team, nil
}

func (s *Service) requireManager(ctx context.Context, operation, userID, teamID string) error {
	var member TeamMember
	err := s.db.WithContext(ctx).Where("team_id = ? AND user_id = ?", teamID, userID).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, teamErr := s.loadTeam(ctx, operation, teamID); teamErr != nil {
			return teamErr
		}
		return serviceerr.New(operation, "forbidden", ErrForbidden)
	}
	if err != nil {
		serviceerr.Log(s.logger, "teams service error", operation, "member_select_failed", err, zap.String("team_id", teamID))
		return serviceerr.New(operation, "member_select_failed", err)
	}
	if !member.Role.canManage() {
		return serviceerr.New(operation, "forbidden", ErrForbidden)
	}
	return nil
}

// invalidateTeam clears the cached team lists of every current member.
func (s *Service) invalidateTeam(ctx context.Context, teamID string, extra ...string) {
	var memberIDs []string
	if err := s.db.WithContext(ctx).Model(&TeamMember{}).Where("team_id = ?", teamID).Pluck("user_id", &memberIDs).Error; err != nil {
		s.logger.Warn("team member lookup for invalidation failed", zap.String("team_id", teamID), zap.Error(err))
	}
	s.invalidate(ctx, lo.Uniq(append(memberIDs, extra...))...)
}

func (s *Service) invalidate(ctx context.Context, userIDs ...string) {
	for _, scope := range []cache.Scope{cache.ScopeTeams, cache.ScopeDashboard} {
		if err := s.cache.InvalidateUsers(ctx, scope, userIDs...); err != nil {
			s.logger.Warn("team cache invalidation failed", zap.String("scope", string(scope)), zap.Error(err))
		}
	}
}

func (s *Service) publish(ctx context.Context, event realtime.DomainEvent) {
	if s.events == nil {
		return
	}
	event.EmittedAt = s.now().UTC()
	s.events.Publish(ctx, event)
}
