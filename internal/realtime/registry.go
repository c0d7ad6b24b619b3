package realtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/samber/lo"
)

const defaultShardCount = 32

// Sink receives frames for one connection. Deliver never blocks; it returns
// false when the frame could not be queued.
type Sink interface {
	Deliver(frame Frame) bool
}

// MembershipChecker confirms persisted room membership.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// MembershipCheckerFunc adapts a function to MembershipChecker.
type MembershipCheckerFunc func(ctx context.Context, userID, roomID string) (bool, error)

// IsMember calls f.
func (f MembershipCheckerFunc) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return f(ctx, userID, roomID)
}

type connectionRecord struct {
	mu     sync.Mutex
	id     string
	userID string
	sink   Sink
	rooms  map[string]struct{}
	closed bool
}

type connectionShard struct {
	mu      sync.RWMutex
	records map[string]*connectionRecord
}

type userShard struct {
	mu          sync.RWMutex
	connections map[string]map[string]struct{}
	// epochs counts membership revocations per user; a subscribe whose
	// membership check straddles a revocation is re-checked.
	epochs map[string]uint64
}

type roomShard struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]string
}

type target struct {
	connectionID string
	userID       string
	sink         Sink
}

// Registry maps users to their live connections and rooms to their
// subscribed connections. State is split over independently locked shards
// keyed by connection, user and room id.
//
// Lock order: a connection record lock may be held while taking a room or
// user shard lock, never the reverse.
type Registry struct {
	membership  MembershipChecker
	connections []*connectionShard
	users       []*userShard
	rooms       []*roomShard
}

// NewRegistry builds a registry with the given shard count.
func NewRegistry(membership MembershipChecker, shards int) (*Registry, error) {
	if membership == nil {
		return nil, fmt.Errorf("realtime: membership checker required")
	}
	if shards <= 0 {
		shards = defaultShardCount
	}
	registry := &Registry{
		membership:  membership,
		connections: make([]*connectionShard, shards),
		users:       make([]*userShard, shards),
		rooms:       make([]*roomShard, shards),
	}
	for index := 0; index < shards; index++ {
		registry.connections[index] = &connectionShard{records: make(map[string]*connectionRecord)}
		registry.users[index] = &userShard{connections: make(map[string]map[string]struct{}), epochs: make(map[string]uint64)}
		registry.rooms[index] = &roomShard{subscribers: make(map[string]map[string]string)}
	}
	return registry, nil
}

// Register binds an authenticated connection to its user.
func (r *Registry) Register(connectionID, userID string, sink Sink) error {
	if connectionID == "" || userID == "" || sink == nil {
		return fmt.Errorf("realtime: connection id, user id and sink required")
	}
	record := &connectionRecord{
		id:     connectionID,
		userID: userID,
		sink:   sink,
		rooms:  make(map[string]struct{}),
	}

	connShard := r.connectionShard(connectionID)
	connShard.mu.Lock()
	if _, exists := connShard.records[connectionID]; exists {
		connShard.mu.Unlock()
		return ErrAlreadyRegistered
	}
	connShard.records[connectionID] = record
	connShard.mu.Unlock()

	users := r.userShard(userID)
	users.mu.Lock()
	if _, ok := users.connections[userID]; !ok {
		users.connections[userID] = make(map[string]struct{})
	}
	users.connections[userID][connectionID] = struct{}{}
	users.mu.Unlock()
	return nil
}

// Unregister removes the connection and all its subscriptions. It reports
// whether the connection was registered; repeated calls are no-ops.
func (r *Registry) Unregister(connectionID string) bool {
	connShard := r.connectionShard(connectionID)
	connShard.mu.Lock()
	record, ok := connShard.records[connectionID]
	if ok {
		delete(connShard.records, connectionID)
	}
	connShard.mu.Unlock()
	if !ok {
		return false
	}

	record.mu.Lock()
	record.closed = true
	rooms := lo.Keys(record.rooms)
	record.rooms = make(map[string]struct{})
	record.mu.Unlock()

	for _, roomID := range rooms {
		r.removeSubscriber(roomID, connectionID)
	}

	users := r.userShard(record.userID)
	users.mu.Lock()
	if connections := users.connections[record.userID]; connections != nil {
		delete(connections, connectionID)
		if len(connections) == 0 {
			delete(users.connections, record.userID)
			delete(users.epochs, record.userID)
		}
	}
	users.mu.Unlock()
	return true
}

// Subscribe joins the connection to the room after re-checking persisted
// membership. It reports whether the subscription is new. A revocation that
// lands while the check is in flight forces the check to run again.
func (r *Registry) Subscribe(ctx context.Context, connectionID, roomID string) (bool, error) {
	record, ok := r.record(connectionID)
	if !ok {
		return false, ErrConnectionClosed
	}

	for {
		epoch := r.revocationEpoch(record.userID)
		member, err := r.membership.IsMember(ctx, record.userID, roomID)
		if err != nil {
			return false, fmt.Errorf("realtime: membership check: %w", err)
		}
		if !member {
			return false, ErrNotAMember
		}

		added, current, err := r.insertSubscription(record, roomID, epoch)
		if err != nil || current {
			return added, err
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
}

// insertSubscription adds the room under the record lock unless the user's
// revocation epoch moved since the membership check. current is false when
// the check must be repeated.
func (r *Registry) insertSubscription(record *connectionRecord, roomID string, epoch uint64) (added, current bool, err error) {
	record.mu.Lock()
	defer record.mu.Unlock()
	if record.closed {
		return false, true, ErrConnectionClosed
	}
	if r.revocationEpoch(record.userID) != epoch {
		return false, false, nil
	}
	if _, already := record.rooms[roomID]; already {
		return false, true, nil
	}
	record.rooms[roomID] = struct{}{}

	rooms := r.roomShard(roomID)
	rooms.mu.Lock()
	if _, exists := rooms.subscribers[roomID]; !exists {
		rooms.subscribers[roomID] = make(map[string]string)
	}
	rooms.subscribers[roomID][record.id] = record.userID
	rooms.mu.Unlock()
	return true, true, nil
}

// Unsubscribe removes the connection from the room and reports whether it was subscribed.
func (r *Registry) Unsubscribe(connectionID, roomID string) bool {
	record, ok := r.record(connectionID)
	if !ok {
		return false
	}
	record.mu.Lock()
	_, subscribed := record.rooms[roomID]
	delete(record.rooms, roomID)
	if subscribed {
		r.removeSubscriber(roomID, connectionID)
	}
	record.mu.Unlock()
	return subscribed
}

// UnsubscribeUser drops every connection of the user from the listed rooms
// and returns how many subscriptions were removed. Used when membership is
// revoked so existing subscriptions stop receiving broadcasts.
func (r *Registry) UnsubscribeUser(userID string, roomIDs ...string) int {
	users := r.userShard(userID)
	users.mu.Lock()
	users.epochs[userID]++
	users.mu.Unlock()

	removed := 0
	for _, connectionID := range r.ConnectionsFor(userID) {
		for _, roomID := range roomIDs {
			if r.Unsubscribe(connectionID, roomID) {
				removed++
			}
		}
	}
	return removed
}

// IsSubscribed reports whether the connection currently holds a subscription to the room.
func (r *Registry) IsSubscribed(connectionID, roomID string) bool {
	rooms := r.roomShard(roomID)
	rooms.mu.RLock()
	defer rooms.mu.RUnlock()
	_, ok := rooms.subscribers[roomID][connectionID]
	return ok
}

// ConnectionsFor returns the live connection ids of the user.
func (r *Registry) ConnectionsFor(userID string) []string {
	users := r.userShard(userID)
	users.mu.RLock()
	defer users.mu.RUnlock()
	return lo.Keys(users.connections[userID])
}

// SubscribersOf returns the distinct users with at least one connection subscribed to the room.
func (r *Registry) SubscribersOf(roomID string) []string {
	rooms := r.roomShard(roomID)
	rooms.mu.RLock()
	defer rooms.mu.RUnlock()
	return lo.Uniq(lo.Values(rooms.subscribers[roomID]))
}

// SubscribedConnections returns the connection ids subscribed to the room.
func (r *Registry) SubscribedConnections(roomID string) []string {
	rooms := r.roomShard(roomID)
	rooms.mu.RLock()
	defer rooms.mu.RUnlock()
	return lo.Keys(rooms.subscribers[roomID])
}

// RoomsOf returns the rooms the connection is subscribed to.
func (r *Registry) RoomsOf(connectionID string) []string {
	record, ok := r.record(connectionID)
	if !ok {
		return nil
	}
	record.mu.Lock()
	defer record.mu.Unlock()
	return lo.Keys(record.rooms)
}

// UserOf returns the user bound to a registered connection.
func (r *Registry) UserOf(connectionID string) (string, bool) {
	record, ok := r.record(connectionID)
	if !ok {
		return "", false
	}
	return record.userID, true
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	total := 0
	for _, shard := range r.connections {
		shard.mu.RLock()
		total += len(shard.records)
		shard.mu.RUnlock()
	}
	return total
}

func (r *Registry) roomTargets(roomID string) []target {
	rooms := r.roomShard(roomID)
	rooms.mu.RLock()
	subscribers := make(map[string]string, len(rooms.subscribers[roomID]))
	for connectionID, userID := range rooms.subscribers[roomID] {
		subscribers[connectionID] = userID
	}
	rooms.mu.RUnlock()

	targets := make([]target, 0, len(subscribers))
	for connectionID, userID := range subscribers {
		if record, ok := r.record(connectionID); ok {
			targets = append(targets, target{connectionID: connectionID, userID: userID, sink: record.sink})
		}
	}
	return targets
}

func (r *Registry) userTargets(userID string) []target {
	connectionIDs := r.ConnectionsFor(userID)
	targets := make([]target, 0, len(connectionIDs))
	for _, connectionID := range connectionIDs {
		if record, ok := r.record(connectionID); ok {
			targets = append(targets, target{connectionID: connectionID, userID: userID, sink: record.sink})
		}
	}
	return targets
}

func (r *Registry) removeSubscriber(roomID, connectionID string) {
	rooms := r.roomShard(roomID)
	rooms.mu.Lock()
	if subscribers := rooms.subscribers[roomID]; subscribers != nil {
		delete(subscribers, connectionID)
		if len(subscribers) == 0 {
			delete(rooms.subscribers, roomID)
		}
	}
	rooms.mu.Unlock()
}

func (r *Registry) revocationEpoch(userID string) uint64 {
	users := r.userShard(userID)
	users.mu.RLock()
	defer users.mu.RUnlock()
	return users.epochs[userID]
}

func (r *Registry) record(connectionID string) (*connectionRecord, bool) {
	shard := r.connectionShard(connectionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	record, ok := shard.records[connectionID]
	return record, ok
}

func (r *Registry) connectionShard(key string) *connectionShard {
	return r.connections[shardIndex(key, len(r.connections))]
}

func (r *Registry) userShard(key string) *userShard {
	return r.users[shardIndex(key, len(r.users))]
}

func (r *Registry) roomShard(key string) *roomShard {
	return r.rooms[shardIndex(key, len(r.rooms))]
}

func shardIndex(key string, count int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(count))
}
