// Package cache publishes the advisory taken-seat set of each assignment to
// Redis. Seat maps of finished assignments fall back to it when storage is
// unreachable; the in-process seat ledger stays authoritative.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bus-journeys/internal/seats"
)

const keyPrefix = "journeys:"

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, o Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		MaxRetries:   3,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", o.Addr, err)
	}
	return client, nil
}

// RedisSnapshots implements booking.SeatSnapshots.
type RedisSnapshots struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSnapshots(client redis.Cmdable, ttl time.Duration) *RedisSnapshots {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSnapshots{client: client, ttl: ttl}
}

func seatsKey(assignmentID string) string   { return keyPrefix + "seats:" + assignmentID }
func updatedKey(assignmentID string) string { return keyPrefix + "seats:" + assignmentID + ":updated" }

// SaveSnapshot replaces the stored set with taken in one MULTI/EXEC.
func (r *RedisSnapshots) SaveSnapshot(ctx context.Context, assignmentID string, taken []string) error {
	key := seatsKey(assignmentID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(taken) > 0 {
			members := make([]any, len(taken))
			for i, s := range taken {
				members[i] = s
			}
			pipe.SAdd(ctx, key, members...)
			pipe.Expire(ctx, key, r.ttl)
		}
		pipe.Set(ctx, updatedKey(assignmentID), time.Now().UTC().Format(time.RFC3339Nano), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save seat snapshot %s: %w", assignmentID, err)
	}
	return nil
}

// Snapshot returns the stored taken seats in ledger order and whether a
// snapshot exists at all.
func (r *RedisSnapshots) Snapshot(ctx context.Context, assignmentID string) ([]string, bool, error) {
	n, err := r.client.Exists(ctx, updatedKey(assignmentID)).Result()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}
	members, err := r.client.SMembers(ctx, seatsKey(assignmentID)).Result()
	if err != nil {
		return nil, false, err
	}
	seats.SortLabels(members)
	return members, true, nil
}
