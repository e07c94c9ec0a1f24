package dedupcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/acme/siteflow/internal/dedupcache"
	"github.com/acme/siteflow/internal/logger"
)

func newTestCache(t *testing.T) *dedupcache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return dedupcache.New(mr.Addr(), time.Minute, logger.Noop())
}

func TestMarkIfNewTrueOnce(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	first, err := c.MarkIfNew(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := c.MarkIfNew(ctx, "evt-1")
	require.NoError(t, err)
	require.False(t, second, "a replayed event id must not be reported as new again within the TTL window")
}

func TestMarkIfNewDistinctEventsAreIndependent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a, err := c.MarkIfNew(ctx, "evt-a")
	require.NoError(t, err)
	b, err := c.MarkIfNew(ctx, "evt-b")
	require.NoError(t, err)

	require.True(t, a)
	require.True(t, b)
}
