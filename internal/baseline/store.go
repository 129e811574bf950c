package baseline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "flowsentry:baseline:"
	defaultMaxSize = 100
)

// Store keeps rolling per-rule baseline samples in redis lists, newest first.
// AppendBaseline trims the list to maxSize and refreshes its TTL so idle
// rules age out on their own.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewStore(redis.NewClient(opts)), nil
}

// GetBaseline returns the stored samples oldest first, the order the
// detectors expect.
func (s *Store) GetBaseline(ctx context.Context, ruleID string) ([]float64, error) {
	raw, err := s.client.LRange(ctx, keyPrefix+ruleID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("baseline lrange: %w", err)
	}
	values := make([]float64, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		v, err := strconv.ParseFloat(raw[i], 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values, nil
}

func (s *Store) AppendBaseline(ctx context.Context, ruleID string, value float64, maxSize int, ttl time.Duration) error {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	key := keyPrefix + ruleID
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(value, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, int64(maxSize-1))
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("baseline append: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
