package chat

import (
	"context"
	"sync"
	"testing"
)

func newTestResolver(t *testing.T, service *Service, prefix string) *PersonalSpaceResolver {
	t.Helper()
	resolver, err := NewPersonalSpaceResolver(PersonalSpaceResolverConfig{
		Database:   service.db,
		IDProvider: &sequenceIDs{prefix: prefix},
		Clock:      fixedClock(),
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolver
}

func TestPersonalSpaceResolveCreatesOnce(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	resolver := newTestResolver(t, service, "self")
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first.Kind != RoomKindSelf {
		t.Fatalf("expected self room, got %q", first.Kind)
	}
	second, err := resolver.Resolve(ctx, "alice")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same personal space, got %q and %q", first.ID, second.ID)
	}
	members, err := service.RoomMemberIDs(ctx, first.ID)
	if err != nil || len(members) != 1 || members[0] != "alice" {
		t.Fatalf("expected alice as the only member, got %v (%v)", members, err)
	}
}

func TestPersonalSpaceConcurrentResolversConverge(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	resolvers := []*PersonalSpaceResolver{
		newTestResolver(t, service, "node-a"),
		newTestResolver(t, service, "node-b"),
		newTestResolver(t, service, "node-c"),
	}

	const callsPerResolver = 8
	results := make(chan string, len(resolvers)*callsPerResolver)
	errs := make(chan error, len(resolvers)*callsPerResolver)
	var wg sync.WaitGroup
	for _, resolver := range resolvers {
		for call := 0; call < callsPerResolver; call++ {
			wg.Add(1)
			go func(resolver *PersonalSpaceResolver) {
				defer wg.Done()
				room, err := resolver.Resolve(context.Background(), "alice")
				if err != nil {
					errs <- err
					return
				}
				results <- room.ID
			}(resolver)
		}
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("resolve failed: %v", err)
	}
	distinct := map[string]struct{}{}
	for roomID := range results {
		distinct[roomID] = struct{}{}
	}
	if len(distinct) != 1 {
		t.Fatalf("expected a single personal space, got %v", distinct)
	}

	var count int64
	db.Model(&Room{}).Where("kind = ?", RoomKindSelf).Count(&count)
	if count != 1 {
		t.Fatalf("expected one persisted self room, got %d", count)
	}
}

func TestPersonalSpaceSurvivesCallerCancellation(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	resolver := newTestResolver(t, service, "self")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := resolver.Resolve(ctx, "alice"); err != nil {
		t.Fatalf("expected resolve to finish for a cancelled caller, got %v", err)
	}

	room, err := resolver.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	var count int64
	db.Model(&Room{}).Where("kind = ? AND self_key = ?", RoomKindSelf, "alice").Count(&count)
	if count != 1 || room.SelfKey == nil || *room.SelfKey != "alice" {
		t.Fatalf("expected one keyed personal space, got count %d room %#v", count, room)
	}
}

func TestPersonalSpaceRequiresUser(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	resolver := newTestResolver(t, service, "self")
	if _, err := resolver.Resolve(context.Background(), "  "); err == nil {
		t.Fatalf("expected missing user error")
	}
}
