package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestRoster(testContext *testing.T, clock func() time.Time) *Roster {
	testContext.Helper()

	server := miniredis.RunT(testContext)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	testContext.Cleanup(func() { _ = client.Close() })

	roster, err := NewRoster(RosterConfig{Client: client, TTL: 30 * time.Second, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to build roster: %v", err)
	}
	return roster
}

func TestNewRosterRequiresClient(testContext *testing.T) {
	if _, err := NewRoster(RosterConfig{}); err != ErrMissingClient {
		testContext.Fatalf("expected ErrMissingClient, got %v", err)
	}
}

func TestAnnounceListsMember(testContext *testing.T) {
	roster := newTestRoster(testContext, nil)
	ctx := context.Background()

	if err := roster.Announce(ctx, "s1::main.js", "conn-1", "Ada"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}

	members, err := roster.Active(ctx, "s1::main.js")
	if err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 1 {
		testContext.Fatalf("expected one member, got %d", len(members))
	}
	if members[0].ConnectionID != "conn-1" || members[0].DisplayName != "Ada" {
		testContext.Fatalf("unexpected member %+v", members[0])
	}
}

func TestWithdrawRemovesMember(testContext *testing.T) {
	roster := newTestRoster(testContext, nil)
	ctx := context.Background()

	if err := roster.Announce(ctx, "s1::main.js", "conn-1", "Ada"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}
	if err := roster.Announce(ctx, "s1::main.js", "conn-2", "Grace"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}
	if err := roster.Withdraw(ctx, "s1::main.js", "conn-1"); err != nil {
		testContext.Fatalf("failed to withdraw: %v", err)
	}

	members, err := roster.Active(ctx, "s1::main.js")
	if err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 1 {
		testContext.Fatalf("expected one member after withdraw, got %d", len(members))
	}
	if members[0].ConnectionID != "conn-2" {
		testContext.Fatalf("expected conn-2 to remain, got %+v", members[0])
	}
}

func TestStaleMembersPrunedOnRead(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	clock := func() time.Time { return now }
	roster := newTestRoster(testContext, clock)
	ctx := context.Background()

	if err := roster.Announce(ctx, "s1::main.js", "conn-1", "Ada"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}

	now = now.Add(45 * time.Second)

	members, err := roster.Active(ctx, "s1::main.js")
	if err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 0 {
		testContext.Fatalf("expected stale member to be pruned, got %+v", members)
	}
}

func TestHeartbeatExtendsMembership(testContext *testing.T) {
	now := time.Unix(1_000_000, 0)
	clock := func() time.Time { return now }
	roster := newTestRoster(testContext, clock)
	ctx := context.Background()

	if err := roster.Announce(ctx, "s1::main.js", "conn-1", "Ada"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}

	now = now.Add(20 * time.Second)
	if err := roster.Heartbeat(ctx, "s1::main.js", "conn-1"); err != nil {
		testContext.Fatalf("failed to heartbeat: %v", err)
	}

	now = now.Add(20 * time.Second)

	members, err := roster.Active(ctx, "s1::main.js")
	if err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 1 {
		testContext.Fatalf("expected heartbeat to keep member alive, got %d members", len(members))
	}
	if members[0].DisplayName != "Ada" {
		testContext.Fatalf("expected display name to survive heartbeat, got %+v", members[0])
	}
}

func TestRoomsIsolated(testContext *testing.T) {
	roster := newTestRoster(testContext, nil)
	ctx := context.Background()

	if err := roster.Announce(ctx, "s1::main.js", "conn-1", "Ada"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}
	if err := roster.Announce(ctx, "s1::util.js", "conn-2", "Grace"); err != nil {
		testContext.Fatalf("failed to announce: %v", err)
	}

	members, err := roster.Active(ctx, "s1::main.js")
	if err != nil {
		testContext.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 1 || members[0].ConnectionID != "conn-1" {
		testContext.Fatalf("expected only conn-1 in s1::main.js, got %+v", members)
	}
}

func TestRosterValidatesInput(testContext *testing.T) {
	roster := newTestRoster(testContext, nil)
	ctx := context.Background()

	if err := roster.Announce(ctx, "  ", "conn-1", "Ada"); err == nil {
		testContext.Fatalf("expected error for empty room")
	}
	if err := roster.Announce(ctx, "s1::main.js", "", "Ada"); err == nil {
		testContext.Fatalf("expected error for empty connection id")
	}
	if _, err := roster.Active(ctx, ""); err == nil {
		testContext.Fatalf("expected error for empty room")
	}
}
