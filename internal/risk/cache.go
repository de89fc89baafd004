package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// CacheStats represents cache performance statistics.
type CacheStats struct {
	MemoryHits   int64 `json:"memory_hits"`
	MemoryMisses int64 `json:"memory_misses"`
	RedisHits    int64 `json:"redis_hits"`
	RedisMisses  int64 `json:"redis_misses"`
	Computations int64 `json:"computations"`
}

// AssessmentCache is a two-tier cache in front of the risk engine: an
// in-memory LRU for hot keys and an optional Redis tier shared between
// instances. A nil Redis client degrades to memory-only.
//
// Keys embed the evidence version, so activating a new version naturally
// invalidates every cached assessment without an explicit flush.
type AssessmentCache struct {
	engine *Engine
	memory *expirable.LRU[string, *domain.RiskAssessment]
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	statsMu sync.Mutex
	stats   CacheStats
}

// NewAssessmentCache wraps the engine with caching. Zero-valued config
// fields fall back to 1024 entries and a 15 minute TTL.
func NewAssessmentCache(engine *Engine, redisClient *redis.Client, cfg domain.CacheConfig, logger *logrus.Logger) *AssessmentCache {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 1024
	}
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}

	return &AssessmentCache{
		engine: engine,
		memory: expirable.NewLRU[string, *domain.RiskAssessment](cfg.MemorySize, nil, cfg.TTL),
		redis:  redisClient,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// CalculateRisk returns a cached assessment when one exists for the same
// request under the active evidence version, computing and caching it
// otherwise. Cache tier failures are logged and treated as misses; the
// engine is always authoritative.
func (c *AssessmentCache) CalculateRisk(ctx context.Context, outcome, popContext string, modifiers []string) (*domain.RiskAssessment, error) {
	version, err := c.engine.store.ActiveVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("assessment cache: resolving active evidence version: %w", err)
	}

	key := cacheKey(version, outcome, popContext, modifiers)

	if assessment, ok := c.memory.Get(key); ok {
		c.bump(func(s *CacheStats) { s.MemoryHits++ })
		return assessment, nil
	}
	c.bump(func(s *CacheStats) { s.MemoryMisses++ })

	if assessment := c.redisGet(ctx, key); assessment != nil {
		c.memory.Add(key, assessment)
		return assessment, nil
	}

	assessment, err := c.engine.CalculateRisk(ctx, outcome, popContext, modifiers)
	if err != nil {
		return nil, err
	}
	c.bump(func(s *CacheStats) { s.Computations++ })

	c.memory.Add(key, assessment)
	c.redisSet(ctx, key, assessment)

	return assessment, nil
}

// Stats returns a copy of the current cache statistics.
func (c *AssessmentCache) Stats() CacheStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *AssessmentCache) bump(f func(*CacheStats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (c *AssessmentCache) redisGet(ctx context.Context, key string) *domain.RiskAssessment {
	if c.redis == nil {
		return nil
	}

	payload, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("Redis cache read failed, treating as miss")
		}
		c.bump(func(s *CacheStats) { s.RedisMisses++ })
		return nil
	}

	assessment := &domain.RiskAssessment{}
	if err := json.Unmarshal(payload, assessment); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cached assessment")
		c.bump(func(s *CacheStats) { s.RedisMisses++ })
		return nil
	}

	c.bump(func(s *CacheStats) { s.RedisHits++ })
	return assessment
}

func (c *AssessmentCache) redisSet(ctx context.Context, key string, assessment *domain.RiskAssessment) {
	if c.redis == nil {
		return
	}

	payload, err := json.Marshal(assessment)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode assessment for caching")
		return
	}
	if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Redis cache write failed")
	}
}

// cacheKey is stable under modifier reordering and duplication: the same
// clinical question always maps to the same entry.
func cacheKey(version, outcome, popContext string, modifiers []string) string {
	tokens := dedupTokens(modifiers)
	sorted := make([]string, len(tokens))
	copy(sorted, tokens)
	sort.Strings(sorted)

	return fmt.Sprintf("assessment:%s:%s:%s:%s", version, outcome, popContext, strings.Join(sorted, ","))
}
