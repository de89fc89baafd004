package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periop-risk-server/internal/domain"
)

func TestAssessmentCacheMemoryTier(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())
	cache := NewAssessmentCache(engine, nil, domain.CacheConfig{}, testLogger())
	ctx := context.Background()

	first, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)

	second, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.MemoryMisses)
	assert.Equal(t, int64(1), stats.Computations)
}

func TestAssessmentCacheKeyNormalization(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())
	cache := NewAssessmentCache(engine, nil, domain.CacheConfig{}, testLogger())
	ctx := context.Background()

	first, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa", "beach_chair"})
	require.NoError(t, err)

	// Reordered and duplicated tokens hit the same entry.
	second, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"beach_chair", "osa", "osa"})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestAssessmentCacheDistinctRequests(t *testing.T) {
	engine := NewEngine(intubationSnapshot(), testLogger())
	cache := NewAssessmentCache(engine, nil, domain.CacheConfig{}, testLogger())
	ctx := context.Background()

	withOSA, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", []string{"osa"})
	require.NoError(t, err)
	without, err := cache.CalculateRisk(ctx, "failed_intubation", "adult_general", nil)
	require.NoError(t, err)

	assert.NotEqual(t, *withOSA.AdjustedRisk, *without.AdjustedRisk)
	assert.Equal(t, int64(2), cache.Stats().Computations)
}

func TestCacheKeyEmbedsVersion(t *testing.T) {
	a := cacheKey("v1", "failed_intubation", "adult_general", []string{"osa"})
	b := cacheKey("v2", "failed_intubation", "adult_general", []string{"osa"})
	assert.NotEqual(t, a, b)
}
