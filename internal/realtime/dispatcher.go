package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const defaultStripeCount = 64

var errMissingRegistry = errors.New("realtime: registry required")

// MemberDirectory lists the persisted members of a room.
type MemberDirectory interface {
	RoomMemberIDs(ctx context.Context, roomID string) ([]string, error)
}

// Publisher is the narrow interface mutation handlers depend on.
type Publisher interface {
	Publish(ctx context.Context, event DomainEvent)
}

// Relay carries routed envelopes between processes. Every process,
// including the origin, receives each envelope back through Deliver.
type Relay interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// Envelope is a fully routed event: an optional room broadcast plus an
// optional unicast of one frame to a set of users.
type Envelope struct {
	RoomID         string   `json:"roomId,omitempty"`
	Broadcast      *Frame   `json:"broadcast,omitempty"`
	UnicastUserIDs []string `json:"unicastUserIds,omitempty"`
	Unicast        *Frame   `json:"unicast,omitempty"`
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Members  MemberDirectory
	Relay    Relay
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Dispatcher is the single entry point mutation handlers call after a
// committed write. Publishing never blocks on clients and never fails the
// caller: per-target failures stay isolated.
type Dispatcher struct {
	registry *Registry
	members  MemberDirectory
	relay    Relay
	clock    func() time.Time
	logger   *zap.Logger
	stripes  []sync.Mutex
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		members:  cfg.Members,
		relay:    cfg.Relay,
		clock:    clock,
		logger:   logger,
		stripes:  make([]sync.Mutex, defaultStripeCount),
	}, nil
}

// SetRelay attaches a cross-process relay.
func (d *Dispatcher) SetRelay(relay Relay) {
	d.relay = relay
}

// Publish routes the event and delivers it to every current recipient.
func (d *Dispatcher) Publish(ctx context.Context, event DomainEvent) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = d.clock().UTC()
	}
	envelope, err := d.route(ctx, event)
	if err != nil {
		d.logger.Warn("realtime event dropped",
			zap.String("kind", string(event.Kind)),
			zap.String("room_id", event.RoomID),
			zap.Error(err))
		return
	}
	if envelope.Broadcast == nil && envelope.Unicast == nil {
		return
	}

	if d.relay != nil {
		err := d.relay.Publish(ctx, envelope)
		if err == nil {
			return
		}
		d.logger.Warn("realtime relay publish failed, delivering locally",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
	d.Deliver(envelope)
}

// Deliver pushes a routed envelope to this process's connections. Envelopes
// for the same room are enqueued to every subscriber in call order.
func (d *Dispatcher) Deliver(envelope Envelope) {
	if envelope.RoomID != "" {
		stripe := &d.stripes[shardIndex(envelope.RoomID, len(d.stripes))]
		stripe.Lock()
		defer stripe.Unlock()
	}

	if envelope.Broadcast != nil && envelope.RoomID != "" {
		d.broadcast(envelope.RoomID, *envelope.Broadcast)
	}
	if envelope.Unicast != nil {
		for _, userID := range envelope.UnicastUserIDs {
			d.unicast(userID, *envelope.Unicast)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, event DomainEvent) (Envelope, error) {
	envelope := Envelope{RoomID: event.RoomID}

	switch event.Kind {
	case EventMessageCreated, EventAnnouncementPosted:
		frame, err := encodeFrame(FrameNewMessage, "", messageBody{Type: FrameNewMessage, Message: event.Payload})
		if err != nil {
			return Envelope{}, err
		}
		envelope.Broadcast = &frame
		if err := d.attachRoomSummary(ctx, &envelope, event, nil); err != nil {
			return Envelope{}, err
		}
	case EventMessageUpdated:
		frame, err := encodeFrame(FrameMessageUpdated, "", messageBody{Type: FrameMessageUpdated, Message: event.Payload})
		if err != nil {
			return Envelope{}, err
		}
		envelope.Broadcast = &frame
	case EventMessageDeleted:
		frame, err := encodeFrame(FrameMessageDeleted, "", messageBody{Type: FrameMessageDeleted, Message: event.Payload})
		if err != nil {
			return Envelope{}, err
		}
		envelope.Broadcast = &frame
	case EventRoomSummaryChanged:
		if err := d.attachRoomSummary(ctx, &envelope, event, event.TargetUserIDs); err != nil {
			return Envelope{}, err
		}
	case EventNotification:
		frame, err := encodeFrame(FrameNotification, event.EntityID, notificationBody{Type: FrameNotification, Notification: event.Payload})
		if err != nil {
			return Envelope{}, err
		}
		envelope.RoomID = ""
		envelope.Unicast = &frame
		envelope.UnicastUserIDs = lo.Uniq(event.TargetUserIDs)
	case EventFriendsChanged:
		frame, err := encodeFrame(FrameFriendsUpdated, "", signalBody{Type: FrameFriendsUpdated})
		if err != nil {
			return Envelope{}, err
		}
		envelope.RoomID = ""
		envelope.Unicast = &frame
		envelope.UnicastUserIDs = lo.Uniq(event.TargetUserIDs)
	default:
		return Envelope{}, errors.New("realtime: unknown event kind")
	}
	return envelope, nil
}

// attachRoomSummary adds the roomMessageUpdate unicast. Members are looked
// up when no explicit targets are given; a failed lookup keeps the
// broadcast and drops only the summary.
func (d *Dispatcher) attachRoomSummary(ctx context.Context, envelope *Envelope, event DomainEvent, targets []string) error {
	if event.RoomID == "" {
		return errors.New("realtime: room id required")
	}
	if len(targets) == 0 {
		if d.members == nil {
			return nil
		}
		memberIDs, err := d.members.RoomMemberIDs(ctx, event.RoomID)
		if err != nil {
			d.logger.Warn("room member lookup failed",
				zap.String("room_id", event.RoomID),
				zap.Error(err))
			return nil
		}
		targets = memberIDs
	}
	if len(targets) == 0 {
		return nil
	}
	frame, err := encodeFrame(FrameRoomMessageUpdate, "", roomMessageUpdateBody{
		Type:        FrameRoomMessageUpdate,
		RoomID:      event.RoomID,
		LastMessage: event.Payload,
		UpdatedAt:   event.EmittedAt,
	})
	if err != nil {
		return err
	}
	envelope.Unicast = &frame
	envelope.UnicastUserIDs = lo.Uniq(targets)
	return nil
}

func (d *Dispatcher) broadcast(roomID string, frame Frame) int {
	delivered := 0
	for _, target := range d.registry.roomTargets(roomID) {
		if target.sink.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) unicast(userID string, frame Frame) int {
	delivered := 0
	for _, target := range d.registry.userTargets(userID) {
		if target.sink.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}
