package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/helix/internal/model"
)

// PoolSize returns the worker count for a wave's units. A single
// sequential unit serializes the whole wave; otherwise the smallest class
// governs. An empty wave gets one worker.
func PoolSize(units []model.UnitPolicy) int {
	if len(units) == 0 {
		return 1
	}
	size := 0
	for _, u := range units {
		if u.ConcurrencyClass == model.ConcurrencySequential {
			return 1
		}
		w := u.ConcurrencyClass.Workers()
		if size == 0 || w < size {
			size = w
		}
	}
	return size
}

// unitOutcome is the explicit result of one unit task.
type unitOutcome struct {
	unitID string
	ok     bool
	err    error
}

// unitTask runs one unit and reports whether it completed.
type unitTask func(ctx context.Context, p model.UnitPolicy) (bool, error)

// runPool runs task for every unit on a fixed pool of workers draining a
// shared queue. Outcomes are returned in unit order. A panicking task
// becomes a failed outcome carrying a *RuntimeError.
func runPool(ctx context.Context, workers int, units []model.UnitPolicy, task unitTask) []unitOutcome {
	outcomes := make([]unitOutcome, len(units))
	queue := make(chan int, len(units))
	for i := range units {
		queue <- i
	}
	close(queue)

	var g errgroup.Group
	for w := 0; w < min(workers, len(units)); w++ {
		g.Go(func() error {
			for i := range queue {
				outcomes[i] = safeRun(ctx, units[i], task)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func safeRun(ctx context.Context, p model.UnitPolicy, task unitTask) (out unitOutcome) {
	out.unitID = p.ID
	defer func() {
		if r := recover(); r != nil {
			out.ok = false
			out.err = NewPanicError(p.ID, r)
		}
	}()
	out.ok, out.err = task(ctx, p)
	return out
}
