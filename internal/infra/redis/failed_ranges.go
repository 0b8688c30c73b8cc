package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chainsync/internal/core/interval"
)

// FailedRangeRepo journals pass ranges that ended in a fatal error, so a
// later run can retry them first.
type FailedRangeRepo struct {
	rdb   *redis.Client
	chain string
}

// NewFailedRangeRepo creates a Redis-backed journal for chain.
func NewFailedRangeRepo(client *Client, chain string) *FailedRangeRepo {
	return &FailedRangeRepo{
		rdb:   client.rdb,
		chain: chain,
	}
}

func failedRangesKey(chain string) string {
	return fmt.Sprintf("failed_ranges:%s", chain)
}

// Add records iv. The score is the range start, so the oldest range is
// retried first.
func (r *FailedRangeRepo) Add(ctx context.Context, iv interval.Interval) error {
	if err := r.rdb.ZAdd(ctx, failedRangesKey(r.chain), redis.Z{
		Score:  float64(iv.Start),
		Member: iv.String(),
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Pop removes and returns the lowest failed range.
func (r *FailedRangeRepo) Pop(ctx context.Context) (interval.Interval, bool, error) {
	results, err := r.rdb.ZPopMin(ctx, failedRangesKey(r.chain), 1).Result()
	if err != nil {
		return interval.Interval{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return interval.Interval{}, false, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return interval.Interval{}, false, fmt.Errorf("unexpected member %v", results[0].Member)
	}
	iv, err := interval.Parse(member)
	if err != nil {
		return interval.Interval{}, false, err
	}
	return iv, true, nil
}

// All returns the failed ranges merged into a set.
func (r *FailedRangeRepo) All(ctx context.Context) ([]interval.Interval, error) {
	members, err := r.rdb.ZRange(ctx, failedRangesKey(r.chain), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	ivs := make([]interval.Interval, 0, len(members))
	for _, m := range members {
		iv, err := interval.Parse(m)
		if err != nil {
			continue
		}
		ivs = append(ivs, iv)
	}
	return interval.Union(ivs)
}

// Count returns the number of journaled ranges.
func (r *FailedRangeRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, failedRangesKey(r.chain)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
