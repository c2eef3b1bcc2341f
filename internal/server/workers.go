// Package server is the thin HTTP request layer: it wires identity,
// querykind, the state machine, the catalog, the cache manager, and the
// streamer together behind the external interface in spec.md §6.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/greenape/flowmachine-server/internal/cachemanager"
	"github.com/greenape/flowmachine-server/internal/catalog"
	"github.com/greenape/flowmachine-server/internal/coordination"
	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/querykind"
	"github.com/greenape/flowmachine-server/internal/statemachine"
	"github.com/greenape/flowmachine-server/internal/telemetry"
)

// WorkerPool is a small fixed-size goroutine pool that claims QUEUED qids
// off a buffered channel and executes them against the warehouse. It
// provides bounded parallelism across distinct qids; at-most-one-execution
// per qid is the state machine's CAS transition's job, not the pool's -
// mirroring the teacher's goroutine-plus-channel concurrency idiom used
// throughout internal/rpc (see QueryDeduplicator's broadcast channel).
type WorkerPool struct {
	jobs    chan job
	wg      sync.WaitGroup
	catalog *catalog.Store
	coord   *coordination.Store
	cache   *cachemanager.Manager
	db      *sql.DB
}

type job struct {
	qid  string
	desc *querykind.Descriptor
}

// NewWorkerPool starts n goroutines consuming from an internal job queue.
func NewWorkerPool(n int, catalogStore *catalog.Store, coord *coordination.Store, cache *cachemanager.Manager, db *sql.DB) *WorkerPool {
	p := &WorkerPool{
		jobs:    make(chan job, n*4),
		catalog: catalogStore,
		coord:   coord,
		cache:   cache,
		db:      db,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit enqueues a qid for execution. It blocks if the job buffer is full,
// applying natural backpressure to callers rather than unbounded queuing.
func (p *WorkerPool) Submit(qid string, desc *querykind.Descriptor) {
	p.jobs <- job{qid: qid, desc: desc}
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *WorkerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.execute(j)
	}
}

func (p *WorkerPool) execute(j job) {
	ctx := context.Background()
	key := coordination.StateKey(j.qid)

	if err := p.coord.CompareAndSwap(ctx, key, string(statemachine.Queued), string(statemachine.Executing)); err != nil {
		logging.Debugf("server: worker lost race to execute %s: %v", j.qid, err)
		return
	}

	start := time.Now()
	tableName := "cache_" + j.qid

	err := j.desc.Materialize(ctx, p.db, tableName)

	elapsed := time.Since(start)
	telemetry.Instruments.ExecutionLatency.Record(ctx, float64(elapsed.Milliseconds()))

	if err != nil {
		logging.Errorf("server: executing %s failed: %v", j.qid, err)
		_ = p.coord.CompareAndSwap(ctx, key, string(statemachine.Executing), string(statemachine.Errored))
		return
	}

	sizeBytes, sizeErr := p.catalog.SizeOfTable(ctx, tableName)
	if sizeErr != nil {
		logging.Errorf("server: measuring table for %s: %v", j.qid, sizeErr)
	}

	rec := catalog.Record{
		QID:                j.qid,
		Kind:               j.desc.Kind(),
		TableName:          tableName,
		SizeBytes:          sizeBytes,
		Score:              cachemanager.Score(1.0, elapsed.Seconds(), sizeBytes),
		Multiplier:         1.0,
		LastTouch:          0,
		ComputeTimeSeconds: elapsed.Seconds(),
		CreatedAt:          time.Now(),
	}
	if err := p.catalog.Insert(ctx, rec); err != nil {
		logging.Errorf("server: cataloging %s: %v", j.qid, err)
	}

	for _, dep := range j.desc.Dependencies() {
		if err := p.catalog.InsertDependency(ctx, catalog.Dependency{Parent: dep, Child: j.qid}); err != nil {
			logging.Errorf("server: recording dependency %s->%s: %v", dep, j.qid, err)
		}
	}

	if err := p.coord.CompareAndSwap(ctx, key, string(statemachine.Executing), string(statemachine.Executed)); err != nil {
		logging.Errorf("server: finishing %s: %v", j.qid, err)
	}
}

// BlockWhileExecuting polls the coordination store until qid leaves every
// in-flight state (QUEUED, EXECUTING, RESETTING) or ctx is cancelled,
// mirroring query_state.py's block_while_executing polling loop. A qid
// that's merely QUEUED still has to be waited out: a losing concurrent
// submitter must block until the winner's worker actually materializes the
// result, not race ahead and 404 against a catalog row that doesn't exist
// yet.
func BlockWhileExecuting(ctx context.Context, coord *coordination.Store, qid string, pollInterval time.Duration) error {
	key := coordination.StateKey(qid)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		val, err := coord.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("server: polling state for %q: %w", qid, err)
		}
		if !statemachine.IsInFlight(statemachine.State(val)) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
