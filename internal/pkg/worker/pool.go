// Package worker wraps ants goroutine pools. All background work in
// catalogd goes through a pool here; naked goroutines are not used for
// anything long-running, so shutdown can drain everything in one place.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// Task is a unit of background work. The context is the service
// context: it is cancelled when the process begins shutting down.
type Task func(ctx context.Context)

// Pool wraps a single ants pool.
type Pool struct {
	name string
	pool *ants.Pool
}

// Pools holds the shared pools for the process.
//
//   - General: follow-up actions, notification fan-out, polling loops.
//   - Script: script-bridge invocations. Sized separately because each
//     task holds a subprocess for its full duration.
type Pools struct {
	General *Pool
	Script  *Pool

	serviceCtx context.Context
}

// NewPools creates the process pools.
func NewPools(ctx context.Context, generalSize, scriptSize int) (*Pools, error) {
	opts := ants.Options{
		ExpiryDuration: time.Minute,
		Nonblocking:    false,
		PanicHandler: func(v any) {
			logger.Error("panic in worker task", zap.Any("panic", v))
		},
	}

	general, err := ants.NewPool(generalSize, ants.WithOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("create general pool: %w", err)
	}
	script, err := ants.NewPool(scriptSize, ants.WithOptions(opts))
	if err != nil {
		general.Release()
		return nil, fmt.Errorf("create script pool: %w", err)
	}

	return &Pools{
		General:    &Pool{name: "general", pool: general},
		Script:     &Pool{name: "script", pool: script},
		serviceCtx: ctx,
	}, nil
}

// Submit schedules a task on the pool. It fails fast if the service
// context is already cancelled.
func (p *Pools) Submit(pool *Pool, task Task) error {
	select {
	case <-p.serviceCtx.Done():
		return fmt.Errorf("submit to %s pool: %w", pool.name, p.serviceCtx.Err())
	default:
	}
	if err := pool.pool.Submit(func() { task(p.serviceCtx) }); err != nil {
		return fmt.Errorf("submit to %s pool: %w", pool.name, err)
	}
	return nil
}

// SubmitDetached schedules a task whose outcome the caller will not
// observe. A submission failure is logged, never returned.
func (p *Pools) SubmitDetached(pool *Pool, name string, task Task) {
	if err := p.Submit(pool, task); err != nil {
		logger.Error("detached task not scheduled",
			zap.String("task", name),
			zap.Error(err))
	}
}

// Shutdown releases the pools, waiting up to timeout for running tasks.
func (p *Pools) Shutdown(timeout time.Duration) {
	for _, pl := range []*Pool{p.Script, p.General} {
		if err := pl.pool.ReleaseTimeout(timeout); err != nil {
			logger.Warn("worker pool released with tasks still running",
				zap.String("pool", pl.name),
				zap.Error(err))
		}
	}
}

// Metrics reports pool occupancy for the health endpoint.
func (p *Pools) Metrics() map[string]any {
	return map[string]any{
		"general_running": p.General.pool.Running(),
		"general_free":    p.General.pool.Free(),
		"script_running":  p.Script.pool.Running(),
		"script_free":     p.Script.pool.Free(),
	}
}
