package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

const (
	redisKeyPrefix = "capacity:"
	redisIndexKey  = "capacity:index"

	scriptUnknown   = -2
	scriptExhausted = -1
)

// reserveScript checks and decrements in one EVAL. Returns the remaining
// count, -1 when there is not enough room or the event is inactive, -2 when
// the event does not exist.
var reserveScript = redis.NewScript(`
local remaining = redis.call('HGET', KEYS[1], 'remaining')
if not remaining then
  return -2
end
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
  return -1
end
local places = tonumber(ARGV[1])
if tonumber(remaining) < places then
  return -1
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return redis.call('HINCRBY', KEYS[1], 'remaining', -places)
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return redis.call('HINCRBY', KEYS[1], 'remaining', tonumber(ARGV[1]))
`)

// RedisStore keeps each event as a hash under capacity:<kind>:<event id>.
type RedisStore struct {
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{client: client, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func redisKey(kind models.BookingKind, eventID string) string {
	return redisKeyPrefix + string(kind) + ":" + eventID
}

func (s *RedisStore) Reserve(ctx context.Context, kind models.BookingKind, eventID string, places int) (Reservation, error) {
	if places <= 0 {
		return Reservation{}, ErrInvalidPlaces
	}

	result, err := reserveScript.Run(ctx, s.client, []string{redisKey(kind, eventID)}, places, s.now().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve script: %w", err)
	}

	switch result {
	case scriptUnknown:
		return Reservation{}, ErrUnknownEvent
	case scriptExhausted:
		s.log.Debug("REDIS", fmt.Sprintf("%s/%s exhausted for %d places", kind, eventID, places))
		return Reservation{}, nil
	}

	s.log.Debug("REDIS", fmt.Sprintf("%s/%s reserved %d places, %d left", kind, eventID, places, result))
	return Reservation{Reserved: true, RemainingAfter: result}, nil
}

func (s *RedisStore) Release(ctx context.Context, kind models.BookingKind, eventID string, places int) error {
	if places <= 0 {
		return ErrInvalidPlaces
	}

	result, err := releaseScript.Run(ctx, s.client, []string{redisKey(kind, eventID)}, places, s.now().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	if result == scriptUnknown {
		return ErrUnknownEvent
	}
	return nil
}

func (s *RedisStore) Provision(ctx context.Context, record models.EventCapacity) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	key := redisKey(record.Kind, record.EventID)

	active := "0"
	if record.Active {
		active = "1"
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"kind":       string(record.Kind),
			"event_id":   record.EventID,
			"title":      record.Title,
			"date":       record.Date,
			"remaining":  record.Remaining,
			"active":     active,
			"updated_at": s.now().Format(time.RFC3339Nano),
		})
		pipe.SAdd(ctx, redisIndexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("provision capacity %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, kind models.BookingKind, eventID string) (*models.EventCapacity, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(kind, eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get capacity %s/%s: %w", kind, eventID, err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownEvent
	}
	return decodeRecord(fields)
}

func (s *RedisStore) List(ctx context.Context) ([]models.EventCapacity, error) {
	keys, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list capacity index: %w", err)
	}
	sort.Strings(keys)

	records := make([]models.EventCapacity, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		record, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func decodeRecord(fields map[string]string) (*models.EventCapacity, error) {
	remaining, err := strconv.Atoi(fields["remaining"])
	if err != nil {
		return nil, fmt.Errorf("decode remaining: %w", err)
	}
	record := &models.EventCapacity{
		Kind:      models.BookingKind(fields["kind"]),
		EventID:   fields["event_id"],
		Title:     fields["title"],
		Date:      fields["date"],
		Remaining: remaining,
		Active:    fields["active"] == "1",
	}
	if ts := fields["updated_at"]; ts != "" {
		record.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Join(ErrInvalidRecord, err)
		}
	}
	return record, nil
}
