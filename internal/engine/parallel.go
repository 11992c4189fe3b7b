package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

type branchOutcome struct {
	output any
	err    error
	done   bool
}

// runParallel drives every branch concurrently on the same effective input.
// The first genuine failure aborts the siblings; branches that do not stop
// within the grace period are abandoned and their open records cancelled.
func (c *controller) runParallel(ctx context.Context, r *run, rec *store.StateExecution, n *node, raw any) (attemptResult, error) {
	effective, err := selectInput(n, raw)
	if err != nil {
		return attemptResult{}, err
	}
	if _, err := c.journal.Record(ctx, r.id, n.name, schema.EventParallelStarted, map[string]any{
		"record_id": rec.ID,
		"branches":  len(n.branches),
	}); err != nil {
		return attemptResult{}, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	bctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var (
		mu       sync.Mutex
		outcomes = make([]branchOutcome, len(n.branches))
		g        errgroup.Group
	)
	for i, bg := range n.branches {
		g.Go(func() error {
			out, _, err := c.runScope(bctx, r, branchScope{parentID: rec.ID, index: i}, bg, bg.startAt, effective, false)
			mu.Lock()
			outcomes[i] = branchOutcome{output: out, err: err, done: true}
			mu.Unlock()
			if err != nil {
				abort(errBranchAborted)
			}
			return err
		})
	}

	finished := make(chan struct{})
	go func() {
		// Outcomes are read per branch below; the group's first error
		// carries no branch index.
		_ = g.Wait()
		close(finished)
	}()
	abandoned := false
	select {
	case <-finished:
	case <-bctx.Done():
		grace := time.NewTimer(c.grace)
		select {
		case <-finished:
		case <-grace.C:
			abandoned = true
		}
		grace.Stop()
	}

	mu.Lock()
	snapshot := make([]branchOutcome, len(outcomes))
	copy(snapshot, outcomes)
	mu.Unlock()

	if abandoned {
		c.cancelOpenRecords(ctx, r, rec.ID)
	}
	if fe := interruption(ctx); fe != nil {
		return attemptResult{}, fe
	}

	outputs := make([]any, len(snapshot))
	var firstCancelled *schema.FlowError
	for i, o := range snapshot {
		if o.err != nil {
			fe := schema.AsFlowError(o.err, schema.ErrCodeInvocation)
			if fe.Code != schema.ErrCodeCancelled {
				c.completeParallel(ctx, r, rec, n, map[string]any{"failed_branch": i})
				return attemptResult{}, schema.BranchFailure(i, fe)
			}
			if firstCancelled == nil {
				firstCancelled = schema.BranchFailure(i, fe)
			}
			continue
		}
		if !o.done {
			if firstCancelled == nil {
				firstCancelled = schema.BranchFailure(i, schema.NewError(schema.ErrCodeCancelled, "branch abandoned").WithKind(schema.KindCancelled))
			}
			continue
		}
		outputs[i] = o.output
	}
	if firstCancelled != nil {
		c.completeParallel(ctx, r, rec, n, map[string]any{"failed_branch": *firstCancelled.Branch})
		return attemptResult{}, firstCancelled
	}

	c.completeParallel(ctx, r, rec, n, map[string]any{"branches": len(outputs)})
	out, err := shape(ctx, n, raw, outputs)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{next: nextOf(n), output: out}, nil
}

func (c *controller) completeParallel(ctx context.Context, r *run, rec *store.StateExecution, n *node, payload map[string]any) {
	payload["record_id"] = rec.ID
	if _, err := c.journal.Record(ctx, r.id, n.name, schema.EventParallelCompleted, payload); err != nil {
		c.logger.WarnContext(ctx, "record parallel completion", "error", err)
	}
}

// cancelOpenRecords marks still-running descendants of a Parallel record
// as failed with CANCELLED. Abandoned branch goroutines that finish later
// hit a CONFLICT on their own update and stop at the next boundary.
func (c *controller) cancelOpenRecords(ctx context.Context, r *run, parentID string) {
	dctx := context.WithoutCancel(ctx)
	records, err := c.store.ListStateExecutions(dctx, r.id)
	if err != nil {
		c.logger.WarnContext(ctx, "list records of abandoned branches", "error", err)
		return
	}
	descendant := map[string]bool{parentID: true}
	// Records are ordered by creation, so parents precede children.
	for _, rec := range records {
		if !descendant[rec.ParentID] || rec.ID == parentID {
			continue
		}
		descendant[rec.ID] = true
		if rec.Status != schema.StateRunning {
			continue
		}
		fe := schema.NewError(schema.ErrCodeCancelled, "branch did not stop within the grace period").WithKind(schema.KindCancelled)
		c.failRecord(dctx, r, rec, fe, rec.RetryCount)
	}
}
