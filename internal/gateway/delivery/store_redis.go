package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Redis key layout
	eventKeyPrefix   = "offline:event:"   // offline:event:{deliveryID} -> Event JSON
	pendingKeyPrefix = "offline:pending:" // offline:pending:{principal} -> ZSET(deliveryID, createdAt)
	pendingAllKey    = "offline:pending_all"
	deliveredKey     = "offline:delivered" // ZSET(deliveryID, deliveredAt)
)

// RedisStore is the production durable queue. Pending events live in a
// per-principal sorted set scored by creation time, plus a global index
// used by the abandoned-event purge. Delivered events move to a
// retention sorted set scored by delivery time.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}, nil
}

// storageErr tags any redis failure as retryable storage unavailability.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func (s *RedisStore) PersistEvent(ctx context.Context, principal, eventType string, payload []byte, createdAt time.Time) (string, error) {
	id := uuid.NewString()
	event := Event{
		DeliveryID: id,
		Principal:  principal,
		Type:       eventType,
		Payload:    append([]byte(nil), payload...),
		CreatedAt:  createdAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	score := float64(createdAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKeyPrefix+id, data, 0)
	pipe.ZAdd(ctx, pendingKeyPrefix+principal, redis.Z{Score: score, Member: id})
	pipe.ZAdd(ctx, pendingAllKey, redis.Z{Score: score, Member: id})
	if _, err = pipe.Exec(ctx); err != nil {
		return "", storageErr("persist", err)
	}

	s.logger.Debug("event persisted",
		zap.String("delivery_id", id),
		zap.String("principal", principal),
		zap.String("type", eventType))

	return id, nil
}

func (s *RedisStore) LoadUndelivered(ctx context.Context, principal string, max int) ([]Event, error) {
	stop := int64(-1)
	if max > 0 {
		stop = int64(max) - 1
	}

	ids, err := s.client.ZRange(ctx, pendingKeyPrefix+principal, 0, stop).Result()
	if err != nil {
		return nil, storageErr("load", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("load", err)
	}

	events := make([]Event, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a body: purged concurrently.
			s.logger.Warn("dangling pending index entry", zap.String("delivery_id", ids[i]))
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.logger.Error("corrupt event record",
				zap.String("delivery_id", ids[i]),
				zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, deliveryIDs []string) error {
	if len(deliveryIDs) == 0 {
		return nil
	}

	keys := make([]string, len(deliveryIDs))
	for i, id := range deliveryIDs {
		keys[i] = eventKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return storageErr("mark", err)
	}

	now := float64(time.Now().UnixMilli())
	pipe := s.client.TxPipeline()
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		pipe.ZRem(ctx, pendingKeyPrefix+event.Principal, deliveryIDs[i])
		pipe.ZRem(ctx, pendingAllKey, deliveryIDs[i])
		pipe.ZAdd(ctx, deliveredKey, redis.Z{Score: now, Member: deliveryIDs[i]})
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return storageErr("mark", err)
	}
	return nil
}

func (s *RedisStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", olderThan.UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, deliveredKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, storageErr("purge delivered", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, eventKeyPrefix+id)
		pipe.ZRem(ctx, deliveredKey, id)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, storageErr("purge delivered", err)
	}

	s.logger.Info("purged delivered events", zap.Int("count", len(ids)))
	return len(ids), nil
}

func (s *RedisStore) PurgeAbandoned(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := fmt.Sprintf("%d", olderThan.UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, pendingAllKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, storageErr("purge abandoned", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, storageErr("purge abandoned", err)
	}

	pipe := s.client.TxPipeline()
	for i, v := range values {
		if raw, ok := v.(string); ok {
			var event Event
			if err := json.Unmarshal([]byte(raw), &event); err == nil {
				pipe.ZRem(ctx, pendingKeyPrefix+event.Principal, ids[i])
			}
		}
		pipe.Del(ctx, eventKeyPrefix+ids[i])
		pipe.ZRem(ctx, pendingAllKey, ids[i])
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, storageErr("purge abandoned", err)
	}

	s.logger.Info("purged abandoned events", zap.Int("count", len(ids)))
	return len(ids), nil
}

// Ping checks whether redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
