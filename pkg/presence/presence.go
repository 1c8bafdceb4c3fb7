package presence

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/redis/go-redis/v9"
)

// Store keeps the addresses present in each channel in a redis set.
type Store struct {
	rdb redis.Cmdable
}

func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewWithClient(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

func Key(channelID string) string {
	return "channel:" + channelID + ":users"
}

func (s *Store) Join(ctx context.Context, channelID, address string) error {
	if err := s.rdb.SAdd(ctx, Key(channelID), address).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", address, err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, channelID, address string) error {
	if err := s.rdb.SRem(ctx, Key(channelID), address).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", address, err)
	}
	return nil
}

// Members returns the present addresses in sorted order.
func (s *Store) Members(ctx context.Context, channelID string) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, Key(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence for channel %s: %w", channelID, err)
	}
	slices.Sort(users)
	return users, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if c, ok := s.rdb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
