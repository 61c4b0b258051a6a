package bus

import (
	"context"

	"github.com/panjf2000/ants/v2"

	"github.com/majorsoln/bos/internal/obslog"
)

// workerPool wraps ants.Pool for cross-tenant dispatch concurrency,
// adapted from the teacher corpus's context-aware submission pattern:
// every task checks ctx before and after queuing, and panics inside a
// task are recovered and logged rather than crashing the pool.
type workerPool struct {
	pool *ants.Pool
}

func newWorkerPool(size int) (*workerPool, error) {
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(r interface{}) {
			obslog.L().Error("bus worker panic recovered", obslog.Any("panic", r))
		}),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return nil, err
	}
	return &workerPool{pool: p}, nil
}

// submit runs task on the pool, skipping it if ctx is already done.
func (w *workerPool) submit(ctx context.Context, task func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return w.pool.Submit(func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task()
	})
}

func (w *workerPool) release() {
	w.pool.Release()
}
