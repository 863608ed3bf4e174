package cachemon

import (
	"context"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
	"github.com/dmitrymomot/pgsteward/pkg/scheduler"
)

const (
	heapHitSQL = `SELECT coalesce(sum(heap_blks_hit),0), coalesce(sum(heap_blks_read),0)
FROM pg_statio_user_tables`

	indexHitSQL = `SELECT coalesce(sum(idx_blks_hit),0), coalesce(sum(idx_blks_read),0)
FROM pg_statio_user_indexes`

	bgwriterSQL = `SELECT buffers_clean, maxwritten_clean, buffers_alloc
FROM pg_stat_bgwriter`
)

// NewPGFetcher builds the production fetcher: each sample acquires one
// session, reads the statio aggregates and the bgwriter counters, and
// releases the session on every exit path.
func NewPGFetcher(pool *pgpool.Pool, clock scheduler.Clock) Fetcher {
	return func(ctx context.Context) (Sample, error) {
		s, err := pool.Acquire(ctx)
		if err != nil {
			return Sample{}, err
		}
		ok := false
		defer func() { pool.Release(s, ok) }()

		var sample Sample
		sample.Timestamp = clock.Now()

		var heapHit, heapRead float64
		if err := s.QueryRow(ctx, heapHitSQL).Scan(&heapHit, &heapRead); err != nil {
			return Sample{}, err
		}
		sample.HeapHitRatio = ratio(heapHit, heapRead)

		var idxHit, idxRead float64
		if err := s.QueryRow(ctx, indexHitSQL).Scan(&idxHit, &idxRead); err != nil {
			return Sample{}, err
		}
		sample.IndexHitRatio = ratio(idxHit, idxRead)

		var clean, maxwritten, alloc float64
		if err := s.QueryRow(ctx, bgwriterSQL).Scan(&clean, &maxwritten, &alloc); err != nil {
			// pg_stat_bgwriter layout moved on newer majors; the two
			// ratios above are the ones alerts key on.
			sample.BgwriterLag = 0
		} else {
			sample.BgwriterLag = ratio(maxwritten, clean)
			if alloc > 0 {
				sample.BuffersUsedPct = clean / alloc
			}
		}

		ok = true
		return sample, nil
	}
}

// ratio computes hit/(hit+miss) guarding the empty-statistics case.
func ratio(hit, miss float64) float64 {
	total := hit + miss
	if total == 0 {
		// No traffic yet reads as a perfect cache rather than a crisis.
		return 1
	}
	return hit / total
}
