// Package presence tracks which users currently hold an open channel, and
// on which relay instance, backed by Redis. The relay is the source of
// truth for presence; clients only ever derive it from STATUS frames.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "online:"

	// EntryTTL is the time-to-live for presence keys. The relay's idle
	// reaper refreshes it while the connection stays healthy, so a crashed
	// instance's users fall offline on their own.
	EntryTTL = 2 * time.Minute
)

// Entry represents a user's presence record.
type Entry struct {
	User        string `redis:"user"`
	Instance    string `redis:"instance"`     // which relay instance holds the channel
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client   *redis.Client
	instance string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, instance string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, instance: instance}, nil
}

// Client exposes the underlying Redis client so other Redis-backed
// components can share the connection.
func (s *Store) Client() *redis.Client {
	return s.client
}

// SetOnline records the user as connected to this instance.
func (s *Store) SetOnline(ctx context.Context, user string) error {
	key := KeyPrefix + user

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user":         user,
		"instance":     s.instance,
		"connected_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL on a user's presence entry.
func (s *Store) Refresh(ctx context.Context, user string) error {
	return s.client.Expire(ctx, KeyPrefix+user, EntryTTL).Err()
}

// SetOffline removes the user's presence entry.
func (s *Store) SetOffline(ctx context.Context, user string) error {
	return s.client.Del(ctx, KeyPrefix+user).Err()
}

// Get retrieves a user's presence entry. Returns nil if the user is not
// online anywhere.
func (s *Store) Get(ctx context.Context, user string) (*Entry, error) {
	var entry Entry
	err := s.client.HGetAll(ctx, KeyPrefix+user).Scan(&entry)
	if err != nil {
		return nil, err
	}
	if entry.User == "" {
		return nil, nil // not found
	}
	return &entry, nil
}

// IsOnline reports whether the user holds an open channel on any instance.
func (s *Store) IsOnline(ctx context.Context, user string) (bool, error) {
	entry, err := s.Get(ctx, user)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Instance returns this store's relay instance identifier.
func (s *Store) Instance() string {
	return s.instance
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
