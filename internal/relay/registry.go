// internal/relay/registry.go

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	callKeyPrefix     = "call:session:"
	callUserKeyPrefix = "call:user:"
)

// redisCallRegistry keeps call state in redis. Ringing calls carry a TTL so
// an abandoned ring can never wedge a user in the busy state; accepting a
// call lifts the TTL.
type redisCallRegistry struct {
	client *redis.Client
}

func NewRedisCallRegistry(client *redis.Client) CallRegistry {
	return &redisCallRegistry{client: client}
}

func (r *redisCallRegistry) Create(ctx context.Context, call *CallState, ringTTL time.Duration) error {
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}

	// The extra slack over the ring timeout covers the router's own timer
	// firing first; the TTL is only a backstop.
	ttl := ringTTL + 10*time.Second

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKeyPrefix+call.CallID, data, ttl)
	pipe.Set(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CallerID), call.CallID, ttl)
	pipe.Set(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CalleeID), call.CallID, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisCallRegistry) Get(ctx context.Context, callID string) (*CallState, error) {
	data, err := r.client.Get(ctx, callKeyPrefix+callID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}

	var call CallState
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (r *redisCallRegistry) MarkAccepted(ctx context.Context, callID string) error {
	call, err := r.Get(ctx, callID)
	if err != nil {
		return err
	}
	call.Accepted = true

	data, err := json.Marshal(call)
	if err != nil {
		return err
	}

	// Active calls outlive the ring TTL; cleared explicitly on end or
	// disconnect
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, callKeyPrefix+callID, data, 0)
	pipe.Persist(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CallerID))
	pipe.Persist(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CalleeID))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisCallRegistry) Delete(ctx context.Context, callID string) error {
	call, err := r.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil
		}
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, callKeyPrefix+callID)
	pipe.Del(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CallerID))
	pipe.Del(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, call.CalleeID))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisCallRegistry) ActiveCallFor(ctx context.Context, userID int64) (string, error) {
	callID, err := r.client.Get(ctx, fmt.Sprintf("%s%d", callUserKeyPrefix, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return callID, nil
}
