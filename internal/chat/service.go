package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxMessageLength    = 4000
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

var (
	// ErrNotAMember reports an operation on a room the user does not belong to.
	ErrNotAMember = errors.New("chat: not a member of room")
	// ErrRoomNotFound reports an unknown room.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrMessageNotFound reports an unknown message.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrNotAuthor reports an edit or delete by someone other than the author.
	ErrNotAuthor = errors.New("chat: only the author may change a message")
	// ErrInvalidMessage reports empty or oversized message content.
	ErrInvalidMessage = errors.New("chat: invalid message content")
	// ErrReadOnlyRoom reports a regular post into an announcements channel.
	ErrReadOnlyRoom = errors.New("chat: room accepts announcements only")
	// ErrInvalidRoom reports a malformed room request.
	ErrInvalidRoom = errors.New("chat: invalid room request")

	errMissingDatabase   = errors.New("chat: database connection required")
	errMissingIDProvider = errors.New("chat: id provider required")
	errDuplicateCreate   = errors.New("chat: duplicate create")
)

const (
	opPostMessage      = "chat.post_message"
	opEditMessage      = "chat.edit_message"
	opDeleteMessage    = "chat.delete_message"
	opListMessages     = "chat.list_messages"
	opListRooms        = "chat.list_rooms"
	opMembership       = "chat.membership"
	opCreateDirectRoom = "chat.create_direct_room"
)

// UserDirectory loads author profiles for message projections.
type UserDirectory interface {
	LookupUsers(ctx context.Context, userIDs []string) (map[string]users.User, error)
}

// RoleResolver reports each user's role in a team.
type RoleResolver interface {
	TeamRoles(ctx context.Context, teamID string, userIDs []string) (map[string]string, error)
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Users      UserDirectory
	Roles      RoleResolver
	Events     realtime.Publisher
	Cache      *cache.Coordinator
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns rooms, memberships and messages.
type Service struct {
	db      *gorm.DB
	users   UserDirectory
	roles   RoleResolver
	events  realtime.Publisher
	cache   *cache.Coordinator
	members *MembershipDirectory
	ids     ids.Provider
	now     func() time.Time
	logger  *zap.Logger
}

// NewService constructs the chat service.
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
		db:      cfg.Database,
		users:   cfg.Users,
		roles:   cfg.Roles,
		events:  cfg.Events,
		cache:   coordinator,
		members: &MembershipDirectory{db: cfg.Database, logger: logger},
		ids:     cfg.IDProvider,
		now:     clock,
		logger:  logger,
	}, nil
}

// SetRoleResolver attaches the team role lookup once the teams service exists.
func (s *Service) SetRoleResolver(roles RoleResolver) {
	s.roles = roles
}

// IsMember reports whether the user belongs to the room.
func (s *Service) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return s.members.IsMember(ctx, userID, roomID)
}

// RoomMemberIDs lists the users belonging to the room.
func (s *Service) RoomMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	return s.members.RoomMemberIDs(ctx, roomID)
}

// PostMessage stores a message from a room member and pushes it to the room.
func (s *Service) PostMessage(ctx context.Context, userID, roomID, content string) (MessageView, error) {
	return s.post(ctx, opPostMessage, userID, roomID, content, realtime.EventMessageCreated)
}

// PostAnnouncement stores a message in an announcements channel. Callers
// authorize the author beforehand.
func (s *Service) PostAnnouncement(ctx context.Context, userID, roomID, content string) (MessageView, error) {
	return s.post(ctx, opPostMessage, userID, roomID, content, realtime.EventAnnouncementPosted)
}

func (s *Service) post(ctx context.Context, operation, userID, roomID, content string, kind realtime.EventKind) (MessageView, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return MessageView{}, serviceerr.New(operation, "invalid_content", err)
	}

	messageID, err := s.ids.NewID()
	if err != nil {
		serviceerr.Log(s.logger, "chat service error", operation, "id_generation_failed", err)
		return MessageView{}, serviceerr.New(operation, "id_generation_failed", err)
	}
	now := s.now().UTC()
	message := Message{ID: messageID, RoomID: roomID, UserID: userID, Content: content, CreatedAt: now}

	var room Room
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", roomID).Take(&room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return serviceerr.New(operation, "room_not_found", ErrRoomNotFound)
			}
			return serviceerr.New(operation, "room_select_failed", err)
		}
		if room.Announcements && kind != realtime.EventAnnouncementPosted {
			return serviceerr.New(operation, "read_only_room", ErrReadOnlyRoom)
		}
		member, err := isMemberTx(tx, userID, roomID)
		if err != nil {
			return serviceerr.New(operation, "membership_query_failed", err)
		}
		if !member {
			return serviceerr.New(operation, "not_a_member", ErrNotAMember)
		}
		if err := tx.Create(&message).Error; err != nil {
			return serviceerr.New(operation, "message_insert_failed", err)
		}
		return tx.Model(&Room{}).Where("id = ?", roomID).
			Updates(map[string]interface{}{"last_message_at": now, "updated_at": now}).Error
	})
	if txErr != nil {
		s.logFailure(operation, txErr, zap.String("room_id", roomID), zap.String("user_id", userID))
		return MessageView{}, txErr
	}

	view := s.project(ctx, room, []Message{message})[0]
	s.publish(ctx, realtime.DomainEvent{Kind: kind, RoomID: roomID, EntityID: view.ID, Payload: view})
	return view, nil
}

// EditMessage replaces the content of the author's message.
func (s *Service) EditMessage(ctx context.Context, userID, messageID, content string) (MessageView, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return MessageView{}, serviceerr.New(opEditMessage, "invalid_content", err)
	}

	var message Message
	var room Room
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadAuthored(tx, opEditMessage, userID, messageID, &message); err != nil {
			return err
		}
		editedAt := s.now().UTC()
		if err := tx.Model(&Message{}).Where("id = ?", messageID).
			Updates(map[string]interface{}{"content": content, "edited_at": editedAt}).Error; err != nil {
			return serviceerr.New(opEditMessage, "message_update_failed", err)
		}
		message.Content = content
		message.EditedAt = &editedAt
		if err := tx.Where("id = ?", message.RoomID).Take(&room).Error; err != nil {
			return serviceerr.New(opEditMessage, "room_select_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opEditMessage, txErr, zap.String("message_id", messageID), zap.String("user_id", userID))
		return MessageView{}, txErr
	}

	view := s.project(ctx, room, []Message{message})[0]
	s.publish(ctx, realtime.DomainEvent{Kind: realtime.EventMessageUpdated, RoomID: room.ID, EntityID: view.ID, Payload: view})
	return view, nil
}

// DeleteMessage removes the author's message and pushes its last projection.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	var message Message
	var room Room
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.loadAuthored(tx, opDeleteMessage, userID, messageID, &message); err != nil {
			return err
		}
		if err := tx.Where("id = ?", message.RoomID).Take(&room).Error; err != nil {
			return serviceerr.New(opDeleteMessage, "room_select_failed", err)
		}
		if err := tx.Where("id = ?", messageID).Delete(&Message{}).Error; err != nil {
			return serviceerr.New(opDeleteMessage, "message_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opDeleteMessage, txErr, zap.String("message_id", messageID), zap.String("user_id", userID))
		return txErr
	}

	view := s.project(ctx, room, []Message{message})[0]
	s.publish(ctx, realtime.DomainEvent{Kind: realtime.EventMessageDeleted, RoomID: room.ID, EntityID: view.ID, Payload: view})
	return nil
}

// ListMessages returns a member's view of the room, newest first. A non-zero
// before limits the page to older messages.
func (s *Service) ListMessages(ctx context.Context, userID, roomID string, before time.Time, limit int) ([]MessageView, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	var room Room
	if err := s.db.WithContext(ctx).Where("id = ?", roomID).Take(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, serviceerr.New(opListMessages, "room_not_found", ErrRoomNotFound)
		}
		serviceerr.Log(s.logger, "chat service error", opListMessages, "room_select_failed", err, zap.String("room_id", roomID))
		return nil, serviceerr.New(opListMessages, "room_select_failed", err)
	}
	member, err := s.IsMember(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, serviceerr.New(opListMessages, "not_a_member", ErrNotAMember)
	}

	query := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before.UTC())
	}
	var messages []Message
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		serviceerr.Log(s.logger, "chat service error", opListMessages, "query_failed", err, zap.String("room_id", roomID))
		return nil, serviceerr.New(opListMessages, "query_failed", err)
	}
	return s.project(ctx, room, messages), nil
}

// ListRooms returns the rooms the user belongs to, most recently active first.
func (s *Service) ListRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	var rooms []Room
	err := s.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("COALESCE(rooms.last_message_at, rooms.created_at) DESC").
		Order("rooms.id ASC").
		Find(&rooms).Error
	if err != nil {
		serviceerr.Log(s.logger, "chat service error", opListRooms, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerr.New(opListRooms, "query_failed", err)
	}

	type memberCount struct {
		RoomID string
		Total  int
	}
	var counts []memberCount
	roomIDs := lo.Map(rooms, func(room Room, _ int) string { return room.ID })
	if len(roomIDs) > 0 {
		if err := s.db.WithContext(ctx).Model(&RoomMember{}).
			Select("room_id, COUNT(*) AS total").
			Where("room_id IN ?", roomIDs).
			Group("room_id").
			Scan(&counts).Error; err != nil {
			serviceerr.Log(s.logger, "chat service error", opListRooms, "count_failed", err, zap.String("user_id", userID))
			return nil, serviceerr.New(opListRooms, "count_failed", err)
		}
	}
	totals := lo.SliceToMap(counts, func(count memberCount) (string, int) { return count.RoomID, count.Total })

	return lo.Map(rooms, func(room Room, _ int) RoomSummary {
		return RoomSummary{Room: room, MemberCount: totals[room.ID]}
	}), nil
}

// CountRooms returns how many rooms the user belongs to.
func (s *Service) CountRooms(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RoomMember{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, serviceerr.New(opListRooms, "count_failed", err)
	}
	return count, nil
}

// CreateDirectRoom returns the two-member conversation between the users,
// creating it on first use.
func (s *Service) CreateDirectRoom(ctx context.Context, userID, otherUserID string) (Room, error) {
	userID = strings.TrimSpace(userID)
	otherUserID = strings.TrimSpace(otherUserID)
	if userID == "" || otherUserID == "" || userID == otherUserID {
		return Room{}, serviceerr.New(opCreateDirectRoom, "invalid_participants", ErrInvalidRoom)
	}
	var known int64
	if err := s.db.WithContext(ctx).Model(&users.User{}).Where("id = ?", otherUserID).Count(&known).Error; err != nil {
		serviceerr.Log(s.logger, "chat service error", opCreateDirectRoom, "user_select_failed", err, zap.String("user_id", userID))
		return Room{}, serviceerr.New(opCreateDirectRoom, "user_select_failed", err)
	}
	if known == 0 {
		return Room{}, serviceerr.New(opCreateDirectRoom, "unknown_participant", users.ErrUserNotFound)
	}

	key := directKey(userID, otherUserID)
	room, err := s.findByKey(ctx, "direct_key", key)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		serviceerr.Log(s.logger, "chat service error", opCreateDirectRoom, "room_select_failed", err, zap.String("user_id", userID))
		return Room{}, serviceerr.New(opCreateDirectRoom, "room_select_failed", err)
	}

	roomID, err := s.ids.NewID()
	if err != nil {
		return Room{}, serviceerr.New(opCreateDirectRoom, "id_generation_failed", err)
	}
	now := s.now().UTC()
	room = Room{ID: roomID, Name: "Direct message", Kind: RoomKindDirect, DirectKey: &key, CreatedAt: now, UpdatedAt: now}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return InsertRoom(tx, &room, []string{userID, otherUserID}, now)
	})
	switch {
	case errors.Is(err, errDuplicateCreate):
		winner, readErr := s.findByKey(ctx, "direct_key", key)
		if readErr != nil {
			serviceerr.Log(s.logger, "chat service error", opCreateDirectRoom, "room_reload_failed", readErr, zap.String("user_id", userID))
			return Room{}, serviceerr.New(opCreateDirectRoom, "room_reload_failed", readErr)
		}
		return winner, nil
	case err != nil:
		serviceerr.Log(s.logger, "chat service error", opCreateDirectRoom, "room_insert_failed", err, zap.String("user_id", userID))
		return Room{}, serviceerr.New(opCreateDirectRoom, "room_insert_failed", err)
	}

	if err := s.cache.InvalidateUsers(ctx, cache.ScopeDashboard, userID, otherUserID); err != nil {
		s.logger.Warn("dashboard cache invalidation failed", zap.String("room_id", room.ID), zap.Error(err))
	}
	s.publish(ctx, realtime.DomainEvent{
		Kind:          realtime.EventRoomSummaryChanged,
		RoomID:        room.ID,
		TargetUserIDs: []string{userID, otherUserID},
	})
	return room, nil
}

func (s *Service) findByKey(ctx context.Context, column, key string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where(column+" = ?", key).Take(&room).Error
	return room, err
}

func (s *Service) loadAuthored(tx *gorm.DB, operation, userID, messageID string, message *Message) error {
	if err := tx.Where("id = ?", messageID).Take(message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return serviceerr.New(operation, "message_not_found", ErrMessageNotFound)
		}
		return serviceerr.New(operation, "message_select_failed", err)
	}
	if message.UserID != userID {
		return serviceerr.New(operation, "not_author", ErrNotAuthor)
	}
	return nil
}

// project attaches author profiles and team roles. Lookup failures degrade
// to bare author ids rather than failing the read.
func (s *Service) project(ctx context.Context, room Room, messages []Message) []MessageView {
	authorIDs := lo.Uniq(lo.Map(messages, func(message Message, _ int) string { return message.UserID }))

	profiles := map[string]users.User{}
	if s.users != nil && len(authorIDs) > 0 {
		found, err := s.users.LookupUsers(ctx, authorIDs)
		if err != nil {
			s.logger.Warn("author lookup failed", zap.String("room_id", room.ID), zap.Error(err))
		} else {
			profiles = found
		}
	}
	roles := map[string]string{}
	if s.roles != nil && room.TeamID != nil && len(authorIDs) > 0 {
		found, err := s.roles.TeamRoles(ctx, *room.TeamID, authorIDs)
		if err != nil {
			s.logger.Warn("team role lookup failed", zap.String("room_id", room.ID), zap.Error(err))
		} else {
			roles = found
		}
	}

	return lo.Map(messages, func(message Message, _ int) MessageView {
		profile := profiles[message.UserID]
		return MessageView{
			ID:        message.ID,
			Content:   message.Content,
			UserID:    message.UserID,
			RoomID:    message.RoomID,
			CreatedAt: message.CreatedAt,
			UpdatedAt: message.EditedAt,
			User: Author{
				ID:              message.UserID,
				Email:           profile.Email,
				Name:            profile.Name,
				ProfileImageURL: profile.ProfileImageURL,
				TeamRole:        roles[message.UserID],
			},
		}
	})
}

func (s *Service) publish(ctx context.Context, event realtime.DomainEvent) {
	if s.events == nil {
		return
	}
	event.EmittedAt = s.now().UTC()
	s.events.Publish(ctx, event)
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, ErrNotAMember), errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrNotAuthor), errors.Is(err, ErrReadOnlyRoom):
		return
	}
	serviceerr.Log(s.logger, "chat service error", operation, "transaction_failed", err, fields...)
}

func normalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxMessageLength {
		return "", ErrInvalidMessage
	}
	return trimmed, nil
}

func directKey(first, second string) string {
	if second < first {
		first, second = second, first
	}
	return first + "|" + second
}

func isMemberTx(tx *gorm.DB, userID, roomID string) (bool, error) {
	var count int64
	err := tx.Model(&RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error
	return count > 0, err
}
