package usage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vdavid/aliasmail/internal/models"
)

const (
	fieldQuota    = "quota_used"
	fieldAliases  = "alias_count"
	fieldLastUsed = "last_used"
)

// RedisSink mirrors usage counters into one hash per account so other processes
// can read live numbers without touching the database.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink creates a sink writing keys under prefix.
func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "aliasmail:usage:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) key(accountID string) string {
	return s.prefix + accountID
}

// ApplyUsage increments the counters of every account in one transaction.
func (s *RedisSink) ApplyUsage(ctx context.Context, deltas []models.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, delta := range deltas {
		key := s.key(delta.AccountID)
		if delta.QuotaDelta != 0 {
			pipe.HIncrBy(ctx, key, fieldQuota, delta.QuotaDelta)
		}
		if delta.AliasDelta != 0 {
			pipe.HIncrBy(ctx, key, fieldAliases, int64(delta.AliasDelta))
		}
		if !delta.LastUsed.IsZero() {
			pipe.HSet(ctx, key, fieldLastUsed, delta.LastUsed.Unix())
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to apply usage to redis: %w", err)
	}
	return nil
}

// Counters is the mirrored usage of one account.
type Counters struct {
	QuotaUsed  int64
	AliasCount int64
	LastUsed   int64
}

// Get reads the mirrored counters of an account. Missing accounts read as zero.
func (s *RedisSink) Get(ctx context.Context, accountID string) (Counters, error) {
	values, err := s.client.HGetAll(ctx, s.key(accountID)).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("failed to read usage from redis: %w", err)
	}

	var counters Counters
	for field, target := range map[string]*int64{
		fieldQuota:    &counters.QuotaUsed,
		fieldAliases:  &counters.AliasCount,
		fieldLastUsed: &counters.LastUsed,
	} {
		raw, ok := values[field]
		if !ok {
			continue
		}
		if *target, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Counters{}, fmt.Errorf("invalid %s for account %s: %w", field, accountID, err)
		}
	}
	return counters, nil
}

// Reset clears the alias counter of every mirrored account. Aliases do not
// survive a restart, so neither does their count.
func (s *RedisSink) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.HDel(ctx, iter.Val(), fieldAliases).Err(); err != nil {
			return fmt.Errorf("failed to reset alias count: %w", err)
		}
	}
	return iter.Err()
}
