package client

import (
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Actor is the user a notification is about.
type Actor struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profileImageUrl"`
}

// Notification mirrors the notification payload pushed by the server.
type Notification struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Actor         Actor     `json:"actor"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NotificationInbox holds notifications newest first, each id at most once.
type NotificationInbox struct {
	mu    sync.Mutex
	items []Notification
	seen  map[string]struct{}
}

// NewNotificationInbox seeds an inbox, typically from GET /notifications.
// Seed order is kept; later duplicates of an id are ignored.
func NewNotificationInbox(seed []Notification) *NotificationInbox {
	inbox := &NotificationInbox{seen: make(map[string]struct{}, len(seed))}
	for _, notification := range seed {
		id := strings.TrimSpace(notification.ID)
		if id == "" {
			continue
		}
		if _, exists := inbox.seen[id]; exists {
			continue
		}
		inbox.seen[id] = struct{}{}
		inbox.items = append(inbox.items, notification)
	}
	return inbox
}

// Merge prepends the notification unless its id is already present. It
// reports whether the inbox changed.
func (i *NotificationInbox) Merge(notification Notification) bool {
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen == nil {
		i.seen = make(map[string]struct{})
	}
	if _, exists := i.seen[id]; exists {
		return false
	}
	i.seen[id] = struct{}{}
	i.items = append([]Notification{notification}, i.items...)
	return true
}

// Items returns a snapshot, newest first.
func (i *NotificationInbox) Items() []Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Notification, len(i.items))
	copy(out, i.items)
	return out
}

// Unread counts notifications not yet marked read.
func (i *NotificationInbox) Unread() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return lo.CountBy(i.items, func(notification Notification) bool {
		return !notification.Read
	})
}
