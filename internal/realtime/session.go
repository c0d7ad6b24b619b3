package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var errInvalidFrame = errors.New("realtime: invalid frame")

// Authenticator resolves a session token to a canonical user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// MessagePoster persists a chat message sent over the socket. The committed
// message reaches subscribers through the dispatcher, never through the
// session that sent it.
type MessagePoster interface {
	PostMessage(ctx context.Context, userID, roomID, content string) error
}

// MessagePosterFunc adapts a function to MessagePoster.
type MessagePosterFunc func(ctx context.Context, userID, roomID, content string) error

// PostMessage calls f.
func (f MessagePosterFunc) PostMessage(ctx context.Context, userID, roomID, content string) error {
	return f(ctx, userID, roomID, content)
}

// SessionConfig wires a Session.
type SessionConfig struct {
	ConnectionID  string
	Registry      *Registry
	Authenticator Authenticator
	Poster        MessagePoster
	Validate      *validator.Validate
	Out           Sink
	Logger        *zap.Logger
}

// Session is the per-connection protocol state machine: it is
// unauthenticated until a successful handshake, then bound to one user
// for the rest of its life.
type Session struct {
	id            string
	registry      *Registry
	authenticator Authenticator
	poster        MessagePoster
	validate      *validator.Validate
	out           Sink
	logger        *zap.Logger

	mu        sync.Mutex
	userID    string
	closeOnce sync.Once
}

// NewSession constructs a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.ConnectionID == "" {
		return nil, fmt.Errorf("realtime: connection id required")
	}
	if cfg.Registry == nil || cfg.Authenticator == nil || cfg.Out == nil {
		return nil, fmt.Errorf("realtime: registry, authenticator and sink required")
	}
	validate := cfg.Validate
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:            cfg.ConnectionID,
		registry:      cfg.Registry,
		authenticator: cfg.Authenticator,
		poster:        cfg.Poster,
		validate:      validate,
		out:           cfg.Out,
		logger:        logger.With(zap.String("connection_id", cfg.ConnectionID)),
	}, nil
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the bound user, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle processes one raw client frame. Protocol failures are reported to
// the client as frames; they never close the connection.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.out.Deliver(errorFrame(errInvalidFrame))
		return
	}
	frame.Token = strings.TrimSpace(frame.Token)
	frame.RoomID = strings.TrimSpace(frame.RoomID)
	if err := s.validate.Struct(frame); err != nil {
		s.logger.Debug("inbound frame rejected", zap.String("type", frame.Type), zap.Error(err))
		s.out.Deliver(errorFrame(errInvalidFrame))
		return
	}

	switch frame.Type {
	case FrameAuthenticate:
		s.authenticate(ctx, frame.Token)
	case FrameJoinRoom:
		s.joinRoom(ctx, frame.RoomID)
	case FrameLeaveRoom:
		s.leaveRoom(frame.RoomID)
	case FrameSendMessage:
		s.sendMessage(ctx, frame.RoomID, frame.Content)
	}
}

// Close unregisters the connection and tells remaining subscribers the user
// left. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		userID := s.UserID()
		if userID == "" {
			return
		}
		rooms := s.registry.RoomsOf(s.id)
		s.registry.Unregister(s.id)
		for _, roomID := range rooms {
			s.notifyRoom(roomID, presenceFrame(FrameUserLeft, userID, roomID))
		}
	})
}

func (s *Session) authenticate(ctx context.Context, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" {
		s.out.Deliver(authenticatedFrame(ErrAlreadyAuthenticated))
		return
	}
	userID, err := s.authenticator.Authenticate(ctx, token)
	if err != nil || userID == "" {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			s.logger.Info("realtime authentication rejected", zap.Error(err))
		default:
			s.logger.Warn("realtime authentication rejected", zap.Error(err))
		}
		s.out.Deliver(authenticatedFrame(ErrAuthenticationFailed))
		return
	}
	if err := s.registry.Register(s.id, userID, s.out); err != nil {
		s.logger.Warn("realtime registration failed", zap.String("user_id", userID), zap.Error(err))
		s.out.Deliver(authenticatedFrame(ErrAuthenticationFailed))
		return
	}
	s.userID = userID
	s.out.Deliver(authenticatedFrame(nil))
}

func (s *Session) joinRoom(ctx context.Context, roomID string) {
	userID := s.UserID()
	if userID == "" {
		s.out.Deliver(errorFrame(ErrNotAuthenticated))
		return
	}
	added, err := s.registry.Subscribe(ctx, s.id, roomID)
	if err != nil {
		if !errors.Is(err, ErrNotAMember) {
			s.logger.Warn("room subscribe failed", zap.String("room_id", roomID), zap.Error(err))
		}
		s.out.Deliver(errorFrame(publicError(err)))
		return
	}
	s.out.Deliver(roomFrame(FrameJoinedRoom, roomID))
	if added {
		s.notifyRoom(roomID, presenceFrame(FrameUserJoined, userID, roomID))
	}
}

func (s *Session) leaveRoom(roomID string) {
	userID := s.UserID()
	if userID == "" {
		s.out.Deliver(errorFrame(ErrNotAuthenticated))
		return
	}
	removed := s.registry.Unsubscribe(s.id, roomID)
	s.out.Deliver(roomFrame(FrameLeftRoom, roomID))
	if removed {
		s.notifyRoom(roomID, presenceFrame(FrameUserLeft, userID, roomID))
	}
}

func (s *Session) sendMessage(ctx context.Context, roomID, content string) {
	userID := s.UserID()
	if userID == "" {
		s.out.Deliver(errorFrame(ErrNotAuthenticated))
		return
	}
	if !s.registry.IsSubscribed(s.id, roomID) {
		s.out.Deliver(errorFrame(ErrNotSubscribed))
		return
	}
	if s.poster == nil {
		s.out.Deliver(errorFrame(errors.New("realtime: messaging unavailable")))
		return
	}
	if err := s.poster.PostMessage(ctx, userID, roomID, content); err != nil {
		s.logger.Warn("socket message rejected", zap.String("room_id", roomID), zap.Error(err))
		s.out.Deliver(errorFrame(publicError(err)))
	}
}

// notifyRoom sends a presence frame to every other connection in the room.
func (s *Session) notifyRoom(roomID string, frame Frame) {
	for _, target := range s.registry.roomTargets(roomID) {
		if target.connectionID == s.id {
			continue
		}
		target.sink.Deliver(frame)
	}
}

func publicError(err error) error {
	for _, known := range []error{ErrNotAMember, ErrNotSubscribed, ErrConnectionClosed, ErrNotAuthenticated} {
		if errors.Is(err, known) {
			return known
		}
	}
	return errors.New("realtime: request failed")
}
