// Package realtime keeps connected clients consistent with mutations made by
// stateless request handlers: it owns the connection registry, the websocket
// gateway and the dispatcher mutation handlers publish into.
package realtime

import (
	"errors"
	"time"
)

// EventKind enumerates the domain events mutation handlers publish.
type EventKind string

const (
	EventMessageCreated     EventKind = "message_created"
	EventMessageUpdated     EventKind = "message_updated"
	EventMessageDeleted     EventKind = "message_deleted"
	EventAnnouncementPosted EventKind = "announcement_posted"
	EventRoomSummaryChanged EventKind = "room_summary_changed"
	EventNotification       EventKind = "notification"
	EventFriendsChanged     EventKind = "friends_changed"
)

// DomainEvent is a committed state change to push to connected clients. It is
// transient: the relational store keeps the authoritative copy.
type DomainEvent struct {
	Kind          EventKind
	RoomID        string
	TargetUserIDs []string
	// EntityID identifies the pushed entity; notification frames are
	// de-duplicated per connection by it.
	EntityID  string
	Payload   any
	EmittedAt time.Time
}

// Wire frame types, client to server.
const (
	FrameAuthenticate = "authenticate"
	FrameJoinRoom     = "joinRoom"
	FrameLeaveRoom    = "leaveRoom"
	FrameSendMessage  = "sendMessage"
)

// Wire frame types, server to client.
const (
	FrameAuthenticated     = "authenticated"
	FrameJoinedRoom        = "joinedRoom"
	FrameLeftRoom          = "leftRoom"
	FrameUserJoined        = "userJoined"
	FrameUserLeft          = "userLeft"
	FrameError             = "error"
	FrameNewMessage        = "newMessage"
	FrameMessageUpdated    = "messageUpdated"
	FrameMessageDeleted    = "messageDeleted"
	FrameRoomMessageUpdate = "roomMessageUpdate"
	FrameNotification      = "notification"
	FrameFriendsUpdated    = "friendsUpdated"
)

var (
	// ErrAuthenticationFailed reports a rejected handshake token; the connection stays open.
	ErrAuthenticationFailed = errors.New("realtime: authentication failed")
	// ErrNotAuthenticated reports a room operation before a successful handshake.
	ErrNotAuthenticated = errors.New("realtime: not authenticated")
	// ErrAlreadyAuthenticated reports a second handshake on an authenticated connection.
	ErrAlreadyAuthenticated = errors.New("realtime: already authenticated")
	// ErrNotAMember reports a join for a room the user does not belong to.
	ErrNotAMember = errors.New("realtime: not a member of room")
	// ErrNotSubscribed reports a room action on a room the connection has not joined.
	ErrNotSubscribed = errors.New("realtime: not subscribed to room")
	// ErrConnectionClosed reports an operation on an unregistered connection.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrAlreadyRegistered reports a duplicate connection id.
	ErrAlreadyRegistered = errors.New("realtime: connection already registered")
)

// InboundFrame is a client to server message.
type InboundFrame struct {
	Type    string `json:"type" validate:"required,oneof=authenticate joinRoom leaveRoom sendMessage"`
	Token   string `json:"token,omitempty" validate:"required_if=Type authenticate"`
	RoomID  string `json:"roomId,omitempty" validate:"required_if=Type joinRoom,required_if=Type leaveRoom,required_if=Type sendMessage,max=190"`
	Content string `json:"content,omitempty" validate:"required_if=Type sendMessage,max=4000"`
}
