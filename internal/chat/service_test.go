package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
)

func TestPostMessagePublishesAfterCommit(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice", "bob")
	teamID := "team-1"
	seedChannel(t, db, Room{ID: "room-1", Name: "general", TeamID: &teamID}, "alice", "bob")
	service.SetRoleResolver(staticRoles{"alice": "owner"})

	view, err := service.PostMessage(context.Background(), "alice", "room-1", "  hello team  ")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if view.Content != "hello team" || view.User.Name != "alice" || view.User.TeamRole != "owner" {
		t.Fatalf("unexpected view %#v", view)
	}

	var stored Message
	if err := db.Where("id = ?", view.ID).Take(&stored).Error; err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	var room Room
	if err := db.Where("id = ?", "room-1").Take(&room).Error; err != nil {
		t.Fatalf("room reload failed: %v", err)
	}
	if room.LastMessageAt == nil || !room.LastMessageAt.Equal(view.CreatedAt) {
		t.Fatalf("expected last message timestamp to advance, got %v", room.LastMessageAt)
	}

	events := publisher.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Kind != realtime.EventMessageCreated || events[0].RoomID != "room-1" || events[0].EntityID != view.ID {
		t.Fatalf("unexpected event %#v", events[0])
	}
}

func TestPostMessageRejectsNonMember(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice", "mallory")
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice")

	_, err := service.PostMessage(context.Background(), "mallory", "room-1", "let me in")
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if code := serviceerr.CodeOf(err); code != "chat.post_message.not_a_member" {
		t.Fatalf("unexpected error code %q", code)
	}
	if len(publisher.snapshot()) != 0 {
		t.Fatalf("expected no event for rejected post")
	}
	var count int64
	db.Model(&Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no persisted message, got %d", count)
	}
}

func TestPostMessageValidatesContent(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	seedUsers(t, db, "alice")
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice")

	for _, content := range []string{"", "   ", strings.Repeat("x", maxMessageLength+1)} {
		if _, err := service.PostMessage(context.Background(), "alice", "room-1", content); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected invalid content error for %d chars, got %v", len(content), err)
		}
	}
	if _, err := service.PostMessage(context.Background(), "alice", "missing", "hi"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}
}

func TestAnnouncementsChannelRejectsRegularPosts(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice")
	seedChannel(t, db, Room{ID: "room-a", Name: "announcements", Announcements: true}, "alice")

	if _, err := service.PostMessage(context.Background(), "alice", "room-a", "hi"); !errors.Is(err, ErrReadOnlyRoom) {
		t.Fatalf("expected read only error, got %v", err)
	}
	if _, err := service.PostAnnouncement(context.Background(), "alice", "room-a", "release day"); err != nil {
		t.Fatalf("announcement failed: %v", err)
	}
	events := publisher.snapshot()
	if len(events) != 1 || events[0].Kind != realtime.EventAnnouncementPosted {
		t.Fatalf("expected announcement event, got %#v", events)
	}
}

func TestEditAndDeleteRequireAuthor(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice", "bob")
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice", "bob")
	ctx := context.Background()

	view, err := service.PostMessage(ctx, "alice", "room-1", "draft")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	if _, err := service.EditMessage(ctx, "bob", view.ID, "hijacked"); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor on edit, got %v", err)
	}
	if err := service.DeleteMessage(ctx, "bob", view.ID); !errors.Is(err, ErrNotAuthor) {
		t.Fatalf("expected ErrNotAuthor on delete, got %v", err)
	}

	edited, err := service.EditMessage(ctx, "alice", view.ID, "final")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if edited.Content != "final" || edited.UpdatedAt == nil {
		t.Fatalf("unexpected edited view %#v", edited)
	}
	if err := service.DeleteMessage(ctx, "alice", view.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.DeleteMessage(ctx, "alice", view.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound after delete, got %v", err)
	}

	kinds := []realtime.EventKind{}
	for _, event := range publisher.snapshot() {
		kinds = append(kinds, event.Kind)
	}
	expected := []realtime.EventKind{realtime.EventMessageCreated, realtime.EventMessageUpdated, realtime.EventMessageDeleted}
	if len(kinds) != len(expected) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for index := range expected {
		if kinds[index] != expected[index] {
			t.Fatalf("unexpected events %v", kinds)
		}
	}
	deleted, ok := publisher.snapshot()[2].Payload.(MessageView)
	if !ok || deleted.ID != view.ID || deleted.RoomID != "room-1" || deleted.Content != "final" || deleted.User.Name != "alice" {
		t.Fatalf("unexpected delete payload %#v", publisher.snapshot()[2].Payload)
	}
}

func TestListMessagesNewestFirstWithPaging(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	seedUsers(t, db, "alice", "bob")
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice")
	ctx := context.Background()

	var posted []MessageView
	for _, content := range []string{"one", "two", "three"} {
		view, err := service.PostMessage(ctx, "alice", "room-1", content)
		if err != nil {
			t.Fatalf("post failed: %v", err)
		}
		posted = append(posted, view)
	}

	page, err := service.ListMessages(ctx, "alice", "room-1", time.Time{}, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page) != 2 || page[0].Content != "three" || page[1].Content != "two" {
		t.Fatalf("unexpected first page %#v", page)
	}
	older, err := service.ListMessages(ctx, "alice", "room-1", page[1].CreatedAt, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(older) != 1 || older[0].ID != posted[0].ID {
		t.Fatalf("unexpected second page %#v", older)
	}

	if _, err := service.ListMessages(ctx, "bob", "room-1", time.Time{}, 10); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember for outsider, got %v", err)
	}
}

func TestListRoomsOrdersByActivity(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	seedUsers(t, db, "alice", "bob")
	seedChannel(t, db, Room{ID: "room-quiet", Name: "quiet"}, "alice")
	seedChannel(t, db, Room{ID: "room-busy", Name: "busy"}, "alice", "bob")
	seedChannel(t, db, Room{ID: "room-other", Name: "other"}, "bob")

	if _, err := service.PostMessage(context.Background(), "alice", "room-busy", "ping"); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	rooms, err := service.ListRooms(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list rooms failed: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != "room-busy" || rooms[1].ID != "room-quiet" {
		t.Fatalf("unexpected rooms %#v", rooms)
	}
	if rooms[0].MemberCount != 2 || rooms[1].MemberCount != 1 {
		t.Fatalf("unexpected member counts %d/%d", rooms[0].MemberCount, rooms[1].MemberCount)
	}
	count, err := service.CountRooms(context.Background(), "alice")
	if err != nil || count != 2 {
		t.Fatalf("unexpected room count %d (%v)", count, err)
	}
}

func TestCreateDirectRoomReusesConversation(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice", "bob")
	ctx := context.Background()

	first, err := service.CreateDirectRoom(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := service.CreateDirectRoom(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.ID != second.ID || first.Kind != RoomKindDirect {
		t.Fatalf("expected one shared dm, got %q and %q", first.ID, second.ID)
	}
	members, err := service.RoomMemberIDs(ctx, first.ID)
	if err != nil || len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("unexpected members %v (%v)", members, err)
	}
	events := publisher.snapshot()
	if len(events) != 1 || events[0].Kind != realtime.EventRoomSummaryChanged || len(events[0].TargetUserIDs) != 2 {
		t.Fatalf("expected a single summary event, got %#v", events)
	}

	if _, err := service.CreateDirectRoom(ctx, "alice", "alice"); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("expected invalid room for self dm, got %v", err)
	}
	if _, err := service.CreateDirectRoom(ctx, "alice", "ghost"); err == nil {
		t.Fatalf("expected unknown participant error")
	}
}

func TestIsMember(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice")

	member, err := service.IsMember(context.Background(), "alice", "room-1")
	if err != nil || !member {
		t.Fatalf("expected alice to be a member (%v)", err)
	}
	member, err = service.IsMember(context.Background(), "bob", "room-1")
	if err != nil || member {
		t.Fatalf("expected bob not to be a member (%v)", err)
	}
}

func TestMembershipDirectoryListsMembersSorted(t *testing.T) {
	db := openTestDatabase(t)
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "carol", "alice", "bob")
	seedChannel(t, db, Room{ID: "room-2", Name: "random"}, "dave")

	directory, err := NewMembershipDirectory(db, nil)
	if err != nil {
		t.Fatalf("failed to create membership directory: %v", err)
	}
	memberIDs, err := directory.RoomMemberIDs(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("failed to list members: %v", err)
	}
	if len(memberIDs) != 3 || memberIDs[0] != "alice" || memberIDs[1] != "bob" || memberIDs[2] != "carol" {
		t.Fatalf("unexpected members %v", memberIDs)
	}
	empty, err := directory.RoomMemberIDs(context.Background(), "room-missing")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no members for unknown room, got %v (%v)", empty, err)
	}
	if _, err := NewMembershipDirectory(nil, nil); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
}

func TestMessageViewWireShape(t *testing.T) {
	db := openTestDatabase(t)
	publisher := &capturingPublisher{}
	service := newTestService(t, db, publisher)
	seedUsers(t, db, "alice")
	seedChannel(t, db, Room{ID: "room-1", Name: "general"}, "alice")
	ctx := context.Background()

	posted, err := service.PostMessage(ctx, "alice", "room-1", "hello")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if _, err := service.EditMessage(ctx, "alice", posted.ID, "hello again"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if err := service.DeleteMessage(ctx, "alice", posted.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	events := publisher.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected three events, got %d", len(events))
	}
	for index, event := range events {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			t.Fatalf("event %d: failed to encode payload: %v", index, err)
		}
		var body map[string]any
		if err := json.Unmarshal(encoded, &body); err != nil {
			t.Fatalf("event %d: failed to decode payload: %v", index, err)
		}
		for _, key := range []string{"id", "content", "userId", "chatRoomId", "createdAt", "user"} {
			if _, ok := body[key]; !ok {
				t.Fatalf("event %d (%s): missing %q in %s", index, event.Kind, key, encoded)
			}
		}
		if body["userId"] != "alice" || body["chatRoomId"] != "room-1" {
			t.Fatalf("event %d (%s): unexpected identifiers in %s", index, event.Kind, encoded)
		}
		_, hasUpdatedAt := body["updatedAt"]
		if event.Kind == realtime.EventMessageCreated && hasUpdatedAt {
			t.Fatalf("expected no updatedAt before an edit, got %s", encoded)
		}
		if event.Kind != realtime.EventMessageCreated && !hasUpdatedAt {
			t.Fatalf("event %d (%s): expected updatedAt after an edit, got %s", index, event.Kind, encoded)
		}
		user, ok := body["user"].(map[string]any)
		if !ok {
			t.Fatalf("event %d: user is not an object in %s", index, encoded)
		}
		for _, key := range []string{"id", "email", "name", "profileImageUrl"} {
			if _, ok := user[key]; !ok {
				t.Fatalf("event %d: user missing %q in %s", index, key, encoded)
			}
		}
	}
	if events[2].Kind != realtime.EventMessageDeleted {
		t.Fatalf("expected delete event last, got %s", events[2].Kind)
	}
}
