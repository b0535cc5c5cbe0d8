// internal/relay/presence.go

package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const presenceKeyPrefix = "presence:online:"

// presenceTTL bounds how stale an online marker can get if a relay dies
// without cleaning up.
const presenceTTL = 5 * time.Minute

// Presence mirrors the hub's connected set into redis so REST reads (the
// directory, conversation lists) can report who is online.
type Presence struct {
	client *redis.Client
}

var _ PresenceTracker = (*Presence)(nil)

func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func (p *Presence) SetOnline(ctx context.Context, userID int64) {
	if err := p.client.Set(ctx, presenceKey(userID), 1, presenceTTL).Err(); err != nil {
		log.Printf("Error setting presence for user %d: %v", userID, err)
	}
}

func (p *Presence) SetOffline(ctx context.Context, userID int64) {
	if err := p.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		log.Printf("Error clearing presence for user %d: %v", userID, err)
	}
}

// Refresh extends the online marker; the hub calls this on pong traffic.
func (p *Presence) Refresh(ctx context.Context, userID int64) {
	p.client.Expire(ctx, presenceKey(userID), presenceTTL)
}

func (p *Presence) IsOnline(ctx context.Context, userID int64) bool {
	n, err := p.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// OnlineStatus resolves the online flag for a batch of users in one round
// trip.
func (p *Presence) OnlineStatus(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	if len(userIDs) == 0 {
		return map[int64]bool{}, nil
	}

	pipe := p.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	status := make(map[int64]bool, len(userIDs))
	for i, id := range userIDs {
		status[id] = cmds[i].Val() > 0
	}
	return status, nil
}

func presenceKey(userID int64) string {
	return fmt.Sprintf("%s%d", presenceKeyPrefix, userID)
}
