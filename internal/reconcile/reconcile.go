// Package reconcile converges post documents that lag behind their voters.
//
// Each pass drains queued repairs from partial vote failures, then sweeps
// posts whose cached counters disagree with their vote lists.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
	"github.com/emilythestrangee/vote-ledger/backend/internal/metrics"
	"github.com/emilythestrangee/vote-ledger/backend/internal/store"
)

const DefaultBatch = 100

type Reconciler struct {
	engine *ledger.Engine
	store  store.Store
	queue  Queue
	batch  int
}

// New builds a reconciler. queue may be nil, in which case only the drift
// sweep runs.
func New(engine *ledger.Engine, s store.Store, queue Queue, batch int) *Reconciler {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Reconciler{engine: engine, store: s, queue: queue, batch: batch}
}

// Result summarizes one pass.
type Result struct {
	Repaired int
	Dropped  int
	Failed   int
	Resynced int
}

// RunOnce performs a single pass. A queue failure does not skip the sweep;
// both errors are returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	drainErr := r.drain(ctx, &res)
	if drainErr != nil {
		slog.Warn("repair queue unavailable, sweeping anyway", "error", drainErr)
	}
	return res, errors.Join(drainErr, r.sweep(ctx, &res))
}

func (r *Reconciler) drain(ctx context.Context, res *Result) error {
	if r.queue == nil {
		return nil
	}
	for i := 0; i < r.batch; i++ {
		rep, ok, err := r.queue.Pop(ctx)
		if errors.Is(err, ErrMalformedRepair) {
			res.Dropped++
			metrics.RecordRepair("malformed")
			slog.Error("dropping undecodable repair entry", "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		err = r.engine.Repair(ctx, rep)
		switch {
		case err == nil:
			res.Repaired++
			metrics.RecordRepair("ok")
		case errors.Is(err, store.ErrNotFound):
			// user or post is gone; nothing left to converge
			res.Dropped++
			metrics.RecordRepair("dropped")
		default:
			res.Failed++
			metrics.RecordRepair("error")
			slog.Warn("vote repair failed, requeueing", "user_id", rep.UserID, "post_id", rep.PostID, "error", err)
			if perr := r.queue.Push(ctx, rep); perr != nil {
				slog.Error("failed to requeue vote repair", "user_id", rep.UserID, "post_id", rep.PostID, "error", perr)
			}
			// the store is likely down; leave the rest for the next pass
			return nil
		}
	}
	return nil
}

func (r *Reconciler) sweep(ctx context.Context, res *Result) error {
	ids, err := r.store.FindDriftedPosts(ctx, r.batch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.store.BulkWrite(ctx, store.Posts, id, []store.Op{store.SyncCounters()}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			metrics.RecordResync(res.Resynced)
			return err
		}
		res.Resynced++
	}
	metrics.RecordResync(res.Resynced)
	return nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("reconciler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopped")
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("reconcile pass failed", "error", err)
			}
			if res != (Result{}) {
				slog.Info("reconcile pass", "repaired", res.Repaired, "dropped", res.Dropped, "failed", res.Failed, "resynced", res.Resynced)
			}
		}
	}
}
