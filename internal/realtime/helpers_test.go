package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	reject bool
}

func (s *recordingSink) Deliver(frame Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *recordingSink) snapshot() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *recordingSink) types() []string {
	frames := s.snapshot()
	kinds := make([]string, 0, len(frames))
	for _, frame := range frames {
		kinds = append(kinds, frame.Type)
	}
	return kinds
}

func (s *recordingSink) last() Frame {
	frames := s.snapshot()
	if len(frames) == 0 {
		return Frame{}
	}
	return frames[len(frames)-1]
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type membershipTable struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	checks  int
}

func newMembershipTable() *membershipTable {
	return &membershipTable{members: make(map[string]map[string]bool)}
}

func (m *membershipTable) grant(roomID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	for _, userID := range userIDs {
		m.members[roomID][userID] = true
	}
}

func (m *membershipTable) revoke(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[roomID], userID)
}

func (m *membershipTable) IsMember(_ context.Context, userID, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	return m.members[roomID][userID], nil
}

func (m *membershipTable) RoomMemberIDs(_ context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.members[roomID]))
	for userID := range m.members[roomID] {
		ids = append(ids, userID)
	}
	return ids, nil
}

func newTestRegistry(t *testing.T, members *membershipTable) *Registry {
	t.Helper()
	registry, err := NewRegistry(members, 4)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func decodeFrame(t *testing.T, frame Frame) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(frame.Data, &body); err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame.Type, err)
	}
	return body
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}
