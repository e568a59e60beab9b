// Package presence tracks which connections are active in each room. It is a
// best-effort roster for UI display and carries none of the awareness payloads
// relayed over the room streams.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultTTL = 60 * time.Second

var (
	// ErrMissingClient indicates that the roster was built without a redis client.
	ErrMissingClient = errors.New("presence: redis client is required")
	// ErrInvalidRoom indicates that a room identifier is empty.
	ErrInvalidRoom = errors.New("presence: invalid room")
	// ErrInvalidConnection indicates that a connection identifier is empty.
	ErrInvalidConnection = errors.New("presence: invalid connection id")
)

// Member describes one active connection in a room.
type Member struct {
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
}

// RosterConfig describes the inputs required to build a Roster.
type RosterConfig struct {
	Client *redis.Client
	TTL    time.Duration
	Clock  func() time.Time
}

// Roster records room membership in redis. Each room holds a sorted set scored
// by expiry time plus a hash of display names, so a backend that dies without
// withdrawing its connections leaves entries that age out on their own.
type Roster struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
}

// NewRoster validates the configuration and returns a Roster.
func NewRoster(cfg RosterConfig) (*Roster, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Roster{client: cfg.Client, ttl: ttl, clock: clock}, nil
}

// Announce registers a connection in a room with its display name.
func (roster *Roster) Announce(ctx context.Context, room, connectionID, displayName string) error {
	roomKey, connection, err := validateMember(room, connectionID)
	if err != nil {
		return err
	}

	expireAt := roster.clock().Add(roster.ttl).Unix()
	pipeline := roster.client.TxPipeline()
	pipeline.ZAdd(ctx, membersKey(roomKey), redis.Z{Score: float64(expireAt), Member: connection})
	pipeline.HSet(ctx, namesKey(roomKey), connection, displayName)
	pipeline.Expire(ctx, membersKey(roomKey), 2*roster.ttl)
	pipeline.Expire(ctx, namesKey(roomKey), 2*roster.ttl)
	_, err = pipeline.Exec(ctx)
	return err
}

// Heartbeat extends a connection's roster entry. Connections that stop sending
// heartbeats drop off the roster once their score passes.
func (roster *Roster) Heartbeat(ctx context.Context, room, connectionID string) error {
	roomKey, connection, err := validateMember(room, connectionID)
	if err != nil {
		return err
	}

	expireAt := roster.clock().Add(roster.ttl).Unix()
	pipeline := roster.client.TxPipeline()
	pipeline.ZAdd(ctx, membersKey(roomKey), redis.Z{Score: float64(expireAt), Member: connection})
	pipeline.Expire(ctx, membersKey(roomKey), 2*roster.ttl)
	pipeline.Expire(ctx, namesKey(roomKey), 2*roster.ttl)
	_, err = pipeline.Exec(ctx)
	return err
}

// Withdraw removes a connection from a room's roster.
func (roster *Roster) Withdraw(ctx context.Context, room, connectionID string) error {
	roomKey, connection, err := validateMember(room, connectionID)
	if err != nil {
		return err
	}

	pipeline := roster.client.TxPipeline()
	pipeline.ZRem(ctx, membersKey(roomKey), connection)
	pipeline.HDel(ctx, namesKey(roomKey), connection)
	_, err = pipeline.Exec(ctx)
	return err
}

// Active lists the connections still alive in a room, pruning entries whose
// expiry has passed.
func (roster *Roster) Active(ctx context.Context, room string) ([]Member, error) {
	roomKey := strings.TrimSpace(room)
	if roomKey == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRoom)
	}

	now := roster.clock().Unix()
	nowBound := fmt.Sprintf("%d", now)

	expired, err := roster.client.ZRangeByScore(ctx, membersKey(roomKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: nowBound,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(expired) > 0 {
		pipeline := roster.client.TxPipeline()
		pipeline.ZRemRangeByScore(ctx, membersKey(roomKey), "-inf", nowBound)
		pipeline.HDel(ctx, namesKey(roomKey), expired...)
		if _, err := pipeline.Exec(ctx); err != nil {
			return nil, err
		}
	}

	alive, err := roster.client.ZRangeByScore(ctx, membersKey(roomKey), &redis.ZRangeBy{
		Min: "(" + nowBound,
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := roster.client.HMGet(ctx, namesKey(roomKey), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	members := make([]Member, 0, len(alive))
	for index, connection := range alive {
		name := ""
		if index < len(names) && names[index] != nil {
			name, _ = names[index].(string)
		}
		members = append(members, Member{ConnectionID: connection, DisplayName: name})
	}
	return members, nil
}

func membersKey(room string) string {
	return "presence:" + room + ":members"
}

func namesKey(room string) string {
	return "presence:" + room + ":names"
}

func validateMember(room, connectionID string) (string, string, error) {
	roomKey := strings.TrimSpace(room)
	if roomKey == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidRoom)
	}
	connection := strings.TrimSpace(connectionID)
	if connection == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidConnection)
	}
	return roomKey, connection, nil
}
