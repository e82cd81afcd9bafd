// Package cache provides a Redis-backed memo of classifier verdicts, so
// identical author+text pairs (reposted news, bot spam) don't burn repeated
// classifier calls. The cache is optional; the pipeline treats every cache
// error as a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

const DefaultTTL = 24 * time.Hour

// VerdictCache implements domain.VerdictCache on Redis.
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewVerdictCache connects to Redis at addr and verifies the connection.
func NewVerdictCache(ctx context.Context, addr string, ttl time.Duration) (*VerdictCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &VerdictCache{client: client, ttl: ttl}, nil
}

// GetVerdict looks up a memoized verdict for the author+text pair.
func (c *VerdictCache) GetVerdict(ctx context.Context, author, text string) (domain.Verdict, bool, error) {
	val, err := c.client.Get(ctx, verdictKey(author, text)).Result()
	if err == redis.Nil {
		return domain.VerdictAbsent, false, nil
	}
	if err != nil {
		return domain.VerdictAbsent, false, fmt.Errorf("cache get: %w", err)
	}

	switch val {
	case "yes":
		return domain.VerdictYes, true, nil
	case "no":
		return domain.VerdictNo, true, nil
	default:
		// Unknown payload, drop it and report a miss.
		c.client.Del(ctx, verdictKey(author, text))
		return domain.VerdictAbsent, false, nil
	}
}

// SetVerdict memoizes a definite verdict. Absent verdicts are not cached:
// an outage must not pin a rejection past the outage itself.
func (c *VerdictCache) SetVerdict(ctx context.Context, author, text string, v domain.Verdict) error {
	if v == domain.VerdictAbsent {
		return nil
	}
	if err := c.client.Set(ctx, verdictKey(author, text), v.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *VerdictCache) Close() error {
	return c.client.Close()
}

func verdictKey(author, text string) string {
	sum := sha256.Sum256([]byte(author + "\n" + text))
	return fmt.Sprintf("verdict:%x", sum[:16])
}
