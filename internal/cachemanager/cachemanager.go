// Package cachemanager implements the scored eviction and invalidation
// policy for cached query results. The scoring function and the shrink
// routines are translated line-for-line from the original Python
// implementation's flowmachine/core/cache.py, with the iterator-based
// dry_run behavior expressed as an explicit index walk over a snapshot
// slice instead of a Python generator.
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/greenape/flowmachine-server/internal/catalog"
	"github.com/greenape/flowmachine-server/internal/coordination"
	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/statemachine"
	"github.com/greenape/flowmachine-server/internal/telemetry"
)

// Manager owns the catalog store and the current half-life/size-limit
// configuration used to score and evict cached records. It also drives the
// state machine for the two operations (Invalidate, Reset) that must take
// a qid's lifecycle state into account rather than just touching catalog
// rows, mirroring query_state.py's coupling between cache invalidation and
// the Finist-backed state transitions.
type Manager struct {
	store *catalog.Store
	coord *coordination.Store
}

// New wraps a catalog store and the coordination store with cache-scoring
// and state-coupled invalidation behavior.
func New(store *catalog.Store, coord *coordination.Store) *Manager {
	return &Manager{store: store, coord: coord}
}

// Score computes cache_score_multiplier * (compute_time_seconds / size_bytes)
// for a record, exactly as cache.py's `score` view does. A record with zero
// size is never expected (a materialized table always occupies some space),
// but is guarded against to avoid a division producing +Inf poisoning the
// ordering.
func Score(multiplier float64, computeTimeSeconds float64, sizeBytes int64) float64 {
	if sizeBytes <= 0 {
		return multiplier * computeTimeSeconds
	}
	return multiplier * (computeTimeSeconds / float64(sizeBytes))
}

// NextMultiplier implements the exponential-decay touch formula:
//
//	multiplier_new = multiplier_old + 2^((k - k_last) / half_life)
//
// where k is the current (monotonic) touch counter and k_last is the
// counter value recorded the last time this record was touched.
func NextMultiplier(oldMultiplier float64, halfLifeTouches int64, touchCounter, lastTouch int64) float64 {
	if halfLifeTouches <= 0 {
		halfLifeTouches = 1
	}
	delta := float64(touchCounter-lastTouch) / float64(halfLifeTouches)
	return oldMultiplier + math.Pow(2, delta)
}

// Touch records a fresh access to qid: it advances the warehouse's
// monotonic touch counter, recomputes the multiplier from the elapsed
// counter delta, and writes the new score back to the catalog. It returns
// the new score. A Table-kind record is touched differently (§8's
// boundary case): access_count/last_accessed are bumped but the score,
// multiplier, and counter are left alone, since Table rows aren't scored
// cache entries at all.
func (m *Manager) Touch(ctx context.Context, qid string) (float64, error) {
	rec, err := m.store.Lookup(ctx, qid)
	if err != nil {
		return 0, fmt.Errorf("cachemanager: touch %q: %w", qid, err)
	}

	if rec.Kind == catalog.KindTable {
		if err := m.store.TouchTable(ctx, qid); err != nil {
			return 0, fmt.Errorf("cachemanager: touch %q: %w", qid, err)
		}
		return 0, nil
	}

	touchCounter, err := m.store.NextTouchCounter(ctx)
	if err != nil {
		return 0, fmt.Errorf("cachemanager: touch %q: %w", qid, err)
	}

	newMultiplier := NextMultiplier(rec.Multiplier, defaultHalfLife(ctx, m.store), touchCounter, rec.LastTouch)
	newScore := Score(newMultiplier, rec.ComputeTimeSeconds, rec.SizeBytes)

	if err := m.store.Touch(ctx, qid, newScore, newMultiplier, touchCounter); err != nil {
		return 0, fmt.Errorf("cachemanager: touch %q: %w", qid, err)
	}
	return newScore, nil
}

func defaultHalfLife(ctx context.Context, store *catalog.Store) int64 {
	cfg, err := store.GetConfig(ctx)
	if err != nil {
		return 1000
	}
	return cfg.HalfLifeTouches
}

// ShrinkOne removes the single lowest-scoring cached record (the one at the
// head of ListOrderedByScore) and returns it, mirroring shrink_one. With
// dryRun set, it reports what would be removed without removing anything.
func (m *Manager) ShrinkOne(ctx context.Context, dryRun bool) (catalog.Record, error) {
	ordered, err := m.store.ListOrderedByScore(ctx)
	if err != nil {
		return catalog.Record{}, fmt.Errorf("cachemanager: shrink one: %w", err)
	}
	if len(ordered) == 0 {
		return catalog.Record{}, fmt.Errorf("cachemanager: shrink one: cache is empty")
	}

	victim := ordered[0]
	logging.Infof("cachemanager: %s remove cache record %s table=%s size=%d",
		verb(dryRun), victim.QID, victim.TableName, victim.SizeBytes)

	if dryRun {
		return victim, nil
	}

	if err := m.Invalidate(ctx, victim.QID, false, true); err != nil {
		return catalog.Record{}, fmt.Errorf("cachemanager: shrink one: evicting %q: %w", victim.QID, err)
	}
	telemetry.Instruments.CacheEvictions.Add(ctx, 1)
	return victim, nil
}

// ShrinkBelowSize evicts lowest-scoring records until the cache is at or
// below sizeThreshold bytes, mirroring shrink_below_size. When dryRun is
// set, it walks a single snapshot of the score ordering (as the Python
// iterator does) instead of re-querying after every simulated removal.
func (m *Manager) ShrinkBelowSize(ctx context.Context, sizeThreshold int64, dryRun bool) ([]catalog.Record, error) {
	currentSize, err := m.store.SizeOfCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("cachemanager: shrink below size: %w", err)
	}

	logging.Infof("cachemanager: shrinking cache from %d to below %d %s", currentSize, sizeThreshold, dryRunSuffix(dryRun))

	var removed []catalog.Record

	if dryRun {
		ordered, err := m.store.ListOrderedByScore(ctx)
		if err != nil {
			return nil, fmt.Errorf("cachemanager: shrink below size: %w", err)
		}
		idx := 0
		for currentSize > sizeThreshold {
			if idx >= len(ordered) {
				break
			}
			victim := ordered[idx]
			idx++
			removed = append(removed, victim)
			currentSize -= victim.SizeBytes
		}
		logging.Infof("cachemanager: new cache size would be %d", currentSize)
		return removed, nil
	}

	for currentSize > sizeThreshold {
		victim, err := m.ShrinkOne(ctx, false)
		if err != nil {
			return removed, fmt.Errorf("cachemanager: shrink below size: %w", err)
		}
		removed = append(removed, victim)
		currentSize -= victim.SizeBytes
	}
	logging.Infof("cachemanager: new cache size is %d", currentSize)
	return removed, nil
}

func verb(dryRun bool) string {
	if dryRun {
		return "would"
	}
	return "will"
}

func dryRunSuffix(dryRun bool) string {
	if dryRun {
		return "(dry run)"
	}
	return ""
}

// DriveToKnown drives qid's coordination-store lifecycle state through
// the sequence that must precede touching its catalog entry: a qid still
// QUEUED or EXECUTING is cancelled first (its in-flight execution is
// abandoned, not left dangling), then every terminal state is driven
// through RESET -> RESETTING -> FINISH_RESET -> KNOWN, the only legal path
// back to an empty, re-enqueueable state. A qid with no recorded state
// (never submitted) or already KNOWN/RESETTING has nothing to do.
func (m *Manager) DriveToKnown(ctx context.Context, qid string) error {
	if m.coord == nil {
		return nil
	}
	key := coordination.StateKey(qid)

	state, err := m.coord.Get(ctx, key)
	if errors.Is(err, coordination.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state for %q: %w", qid, err)
	}
	cur := statemachine.State(state)

	if cur == statemachine.Queued || cur == statemachine.Executing {
		next, trigErr := statemachine.Trigger(cur, statemachine.EventCancel)
		if trigErr != nil {
			return fmt.Errorf("cancelling %q: %w", qid, trigErr)
		}
		if err := m.coord.CompareAndSwap(ctx, key, string(cur), string(next)); err != nil && !errors.Is(err, coordination.ErrConflict) {
			return fmt.Errorf("cancelling %q: %w", qid, err)
		}
		cur = next
	}

	if cur == statemachine.Known || cur == statemachine.Resetting {
		return nil
	}

	resetting, trigErr := statemachine.Trigger(cur, statemachine.EventReset)
	if trigErr != nil {
		return fmt.Errorf("resetting %q: %w", qid, trigErr)
	}
	if err := m.coord.CompareAndSwap(ctx, key, string(cur), string(resetting)); err != nil && !errors.Is(err, coordination.ErrConflict) {
		return fmt.Errorf("resetting %q: %w", qid, err)
	}

	known, trigErr := statemachine.Trigger(resetting, statemachine.EventResetDone)
	if trigErr != nil {
		return fmt.Errorf("finishing reset for %q: %w", qid, trigErr)
	}
	if err := m.coord.CompareAndSwap(ctx, key, string(resetting), string(known)); err != nil && !errors.Is(err, coordination.ErrConflict) {
		return fmt.Errorf("finishing reset for %q: %w", qid, err)
	}
	return nil
}

// Invalidate removes qid's catalog entry. When cascade is true, every
// direct and transitive dependent is invalidated first (a dependent query's
// materialized result is no longer valid once something it was built on is
// gone). Before any catalog mutation, qid is driven through
// DriveToKnown, so an in-flight execution is cancelled rather than
// orphaned. drop controls whether the backing table is also dropped;
// non-cascading invalidation with drop=false simply forgets the
// bookkeeping, mirroring invalidate_db_cache(cascade=False, drop=True)'s
// sibling call shapes in the original.
func (m *Manager) Invalidate(ctx context.Context, qid string, cascade bool, drop bool) error {
	if cascade {
		children, err := m.store.Dependents(ctx, qid)
		if err != nil {
			return fmt.Errorf("cachemanager: invalidate %q: listing dependents: %w", qid, err)
		}
		for _, child := range children {
			if err := m.Invalidate(ctx, child, true, drop); err != nil {
				return err
			}
		}
	}

	if err := m.DriveToKnown(ctx, qid); err != nil {
		return fmt.Errorf("cachemanager: invalidate %q: %w", qid, err)
	}

	if drop {
		rec, err := m.store.Lookup(ctx, qid)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("cachemanager: invalidate %q: %w", qid, err)
		}
		if err == nil {
			if dropErr := m.store.DropTable(ctx, rec.TableName); dropErr != nil {
				return fmt.Errorf("cachemanager: invalidate %q: %w", qid, dropErr)
			}
		}
	}

	if err := m.store.Delete(ctx, qid); err != nil {
		return fmt.Errorf("cachemanager: invalidate %q: %w", qid, err)
	}
	return nil
}

// Reset clears the entire cache: every non-Table catalog record is removed
// and its backing table dropped, every dependency edge is truncated, and
// the touch counter is reseeded to 1 (P8), mirroring reset_cache's
// transactional TRUNCATE of cache.cached/cache.dependencies plus its reseed
// of cache_touches. Each affected qid is first driven through
// DriveToKnown so nothing still QUEUED or EXECUTING is reset out from
// under its own worker.
func (m *Manager) Reset(ctx context.Context) error {
	candidates, err := m.store.ListOrderedByScore(ctx)
	if err != nil {
		return fmt.Errorf("cachemanager: reset: %w", err)
	}
	for _, rec := range candidates {
		if err := m.DriveToKnown(ctx, rec.QID); err != nil {
			logging.Errorf("cachemanager: reset: %v", err)
		}
	}

	victims, err := m.store.ResetCache(ctx)
	if err != nil {
		return fmt.Errorf("cachemanager: reset: %w", err)
	}
	for _, rec := range victims {
		if err := m.store.DropTable(ctx, rec.TableName); err != nil {
			logging.Errorf("cachemanager: reset: dropping table for %q: %v", rec.QID, err)
		}
	}
	return nil
}
