package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

type failingMembers struct{}

func (failingMembers) RoomMemberIDs(context.Context, string) ([]string, error) {
	return nil, errors.New("database unavailable")
}

func newTestDispatcher(t *testing.T, registry *Registry, members MemberDirectory, logger *zap.Logger) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry: registry,
		Members:  members,
		Clock:    func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher
}

func subscribe(t *testing.T, registry *Registry, connectionID, userID string, sink Sink, rooms ...string) {
	t.Helper()
	if err := registry.Register(connectionID, userID, sink); err != nil {
		t.Fatalf("register %s: %v", connectionID, err)
	}
	for _, roomID := range rooms {
		if _, err := registry.Subscribe(context.Background(), connectionID, roomID); err != nil {
			t.Fatalf("subscribe %s to %s: %v", connectionID, roomID, err)
		}
	}
}

func TestDispatcherMessageCreatedReachesSubscribersAndMembers(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice", "bob", "carol")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, members, nil)

	aliceSink := &recordingSink{}
	bobSink := &recordingSink{}
	carolSink := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", aliceSink, "room-1")
	subscribe(t, registry, "bob-1", "bob", bobSink, "room-1")
	subscribe(t, registry, "carol-1", "carol", carolSink)

	dispatcher.Publish(context.Background(), DomainEvent{
		Kind:     EventMessageCreated,
		RoomID:   "room-1",
		EntityID: "message-1",
		Payload:  map[string]string{"id": "message-1", "content": "hello"},
	})

	for name, sink := range map[string]*recordingSink{"alice": aliceSink, "bob": bobSink} {
		kinds := sink.types()
		if len(kinds) != 2 || kinds[0] != FrameNewMessage || kinds[1] != FrameRoomMessageUpdate {
			t.Fatalf("%s expected newMessage then roomMessageUpdate, got %v", name, kinds)
		}
	}
	carolKinds := carolSink.types()
	if len(carolKinds) != 1 || carolKinds[0] != FrameRoomMessageUpdate {
		t.Fatalf("carol expected only roomMessageUpdate, got %v", carolKinds)
	}
	body := decodeFrame(t, carolSink.last())
	if body["roomId"] != "room-1" {
		t.Fatalf("unexpected room id in summary: %v", body["roomId"])
	}
	lastMessage, ok := body["lastMessage"].(map[string]any)
	if !ok || lastMessage["content"] != "hello" {
		t.Fatalf("unexpected last message %v", body["lastMessage"])
	}
}

func TestDispatcherDoesNotBroadcastToNonSubscribers(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice")
	members.grant("room-2", "mallory")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, members, nil)

	mallory := &recordingSink{}
	subscribe(t, registry, "mallory-1", "mallory", mallory, "room-2")

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageUpdated, RoomID: "room-1", Payload: map[string]string{"id": "m"}})
	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageDeleted, RoomID: "room-1", Payload: map[string]string{"id": "m"}})

	if got := mallory.types(); len(got) != 0 {
		t.Fatalf("expected no frames for non-subscriber, got %v", got)
	}
}

func TestDispatcherPreservesPerRoomOrder(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, nil, nil)

	sink := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", sink, "room-1")

	for index := 0; index < 20; index++ {
		dispatcher.Publish(context.Background(), DomainEvent{
			Kind:    EventMessageUpdated,
			RoomID:  "room-1",
			Payload: map[string]int{"sequence": index},
		})
	}

	frames := sink.snapshot()
	if len(frames) != 20 {
		t.Fatalf("expected 20 frames, got %d", len(frames))
	}
	for index, frame := range frames {
		message := decodeFrame(t, frame)["message"].(map[string]any)
		if int(message["sequence"].(float64)) != index {
			t.Fatalf("frame %d out of order: %v", index, message)
		}
	}
}

func TestDispatcherNotificationUnicastsToEveryConnection(t *testing.T) {
	registry := newTestRegistry(t, newMembershipTable())
	dispatcher := newTestDispatcher(t, registry, nil, nil)

	phone := &recordingSink{}
	laptop := &recordingSink{}
	bystander := &recordingSink{}
	subscribe(t, registry, "bob-phone", "bob", phone)
	subscribe(t, registry, "bob-laptop", "bob", laptop)
	subscribe(t, registry, "eve-1", "eve", bystander)

	dispatcher.Publish(context.Background(), DomainEvent{
		Kind:          EventNotification,
		TargetUserIDs: []string{"bob", "bob"},
		EntityID:      "notification-1",
		Payload:       map[string]string{"id": "notification-1"},
	})

	for name, sink := range map[string]*recordingSink{"phone": phone, "laptop": laptop} {
		frames := sink.snapshot()
		if len(frames) != 1 || frames[0].Type != FrameNotification {
			t.Fatalf("%s expected one notification frame, got %v", name, sink.types())
		}
		if frames[0].DedupeKey != "notification-1" {
			t.Fatalf("%s expected dedupe key, got %q", name, frames[0].DedupeKey)
		}
	}
	if len(bystander.snapshot()) != 0 {
		t.Fatalf("expected bystander to receive nothing")
	}
}

func TestDispatcherFriendsChangedSignalsTargets(t *testing.T) {
	registry := newTestRegistry(t, newMembershipTable())
	dispatcher := newTestDispatcher(t, registry, nil, nil)

	alice := &recordingSink{}
	bob := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", alice)
	subscribe(t, registry, "bob-1", "bob", bob)

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventFriendsChanged, TargetUserIDs: []string{"alice", "bob"}})

	if alice.last().Type != FrameFriendsUpdated || bob.last().Type != FrameFriendsUpdated {
		t.Fatalf("expected friendsUpdated for both users, got %v / %v", alice.types(), bob.types())
	}
}

func TestDispatcherRoomSummaryUsesExplicitTargets(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice", "bob")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, members, nil)

	alice := &recordingSink{}
	bob := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", alice)
	subscribe(t, registry, "bob-1", "bob", bob)

	dispatcher.Publish(context.Background(), DomainEvent{
		Kind:          EventRoomSummaryChanged,
		RoomID:        "room-1",
		TargetUserIDs: []string{"bob"},
	})

	if len(alice.snapshot()) != 0 {
		t.Fatalf("expected alice to be skipped, got %v", alice.types())
	}
	if bob.last().Type != FrameRoomMessageUpdate {
		t.Fatalf("expected bob to receive summary, got %v", bob.types())
	}
}

func TestDispatcherMemberLookupFailureKeepsBroadcast(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice")
	registry := newTestRegistry(t, members)
	core, logs := observer.New(zapcore.WarnLevel)
	dispatcher := newTestDispatcher(t, registry, failingMembers{}, zap.New(core))

	sink := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", sink, "room-1")

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageCreated, RoomID: "room-1", Payload: "hi"})

	if kinds := sink.types(); len(kinds) != 1 || kinds[0] != FrameNewMessage {
		t.Fatalf("expected only the broadcast, got %v", kinds)
	}
	if logs.FilterMessage("room member lookup failed").Len() != 1 {
		t.Fatalf("expected member lookup failure to be logged")
	}
}

func TestDispatcherIsolatesFailingSinks(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice", "bob")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, nil, nil)

	broken := &recordingSink{reject: true}
	healthy := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", broken, "room-1")
	subscribe(t, registry, "bob-1", "bob", healthy, "room-1")

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageUpdated, RoomID: "room-1", Payload: "x"})

	if healthy.last().Type != FrameMessageUpdated {
		t.Fatalf("expected healthy sink to receive update, got %v", healthy.types())
	}
}

func TestDispatcherDropsUnknownEvents(t *testing.T) {
	registry := newTestRegistry(t, newMembershipTable())
	core, logs := observer.New(zapcore.WarnLevel)
	dispatcher := newTestDispatcher(t, registry, nil, zap.New(core))

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventKind("bogus"), RoomID: "room-1"})
	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageCreated})

	if logs.FilterMessage("realtime event dropped").Len() != 2 {
		t.Fatalf("expected two dropped events, got %d", logs.Len())
	}
}

type capturingRelay struct {
	envelopes []Envelope
	err       error
}

func (r *capturingRelay) Publish(_ context.Context, envelope Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func TestDispatcherHandsEnvelopesToRelay(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, nil, nil)
	relay := &capturingRelay{}
	dispatcher.SetRelay(relay)

	sink := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", sink, "room-1")

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageUpdated, RoomID: "room-1", Payload: "x"})

	if len(relay.envelopes) != 1 {
		t.Fatalf("expected relay to receive envelope, got %d", len(relay.envelopes))
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected local delivery to wait for relay echo")
	}

	dispatcher.Deliver(relay.envelopes[0])
	if sink.last().Type != FrameMessageUpdated {
		t.Fatalf("expected delivery after relay echo, got %v", sink.types())
	}
}

func TestDispatcherFallsBackToLocalDeliveryWhenRelayFails(t *testing.T) {
	members := newMembershipTable()
	members.grant("room-1", "alice")
	registry := newTestRegistry(t, members)
	dispatcher := newTestDispatcher(t, registry, nil, nil)
	dispatcher.SetRelay(&capturingRelay{err: fmt.Errorf("redis down")})

	sink := &recordingSink{}
	subscribe(t, registry, "alice-1", "alice", sink, "room-1")

	dispatcher.Publish(context.Background(), DomainEvent{Kind: EventMessageUpdated, RoomID: "room-1", Payload: "x"})
	if sink.last().Type != FrameMessageUpdated {
		t.Fatalf("expected local fallback delivery, got %v", sink.types())
	}
}
