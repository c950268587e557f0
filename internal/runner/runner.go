// Package runner executes detached workflow steps.
//
// A detached run is fire-and-forget for the caller: the outcome lands
// in the task log, not in a return value. The delegated identity is
// captured in the task closure and exists nowhere else.
package runner

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
	"vd-catalogd.io/catalogd/internal/pkg/worker"
	"vd-catalogd.io/catalogd/internal/tasklog"
)

// Step is one unit of detached work. correlationID ties script
// invocations made by the step to the task-log row; the logger already
// carries it as a field.
type Step func(ctx context.Context, id identity.Context, correlationID string, log *zap.Logger) error

// Runner schedules detached steps on the script pool and records their
// lifecycle in the task log.
type Runner struct {
	pools *worker.Pools
	store tasklog.Store
}

// New builds a Runner.
func New(pools *worker.Pools, store tasklog.Store) *Runner {
	return &Runner{pools: pools, store: store}
}

// RunDetached records a task and schedules run on the script pool.
// followUp (optional) executes once, only after run succeeds; its
// failure is recorded against the same task. Nothing propagates back
// to the caller beyond the task id.
func (r *Runner) RunDetached(ctx context.Context, kind, catalogName string, id identity.Context, run, followUp Step) uuid.UUID {
	task := tasklog.Task{
		ID:            uuid.New(),
		Kind:          kind,
		Catalog:       catalogName,
		CorrelationID: uuid.NewString(),
		Status:        tasklog.StatusQueued,
	}
	log := logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("kind", kind),
		zap.String("catalog", catalogName),
		zap.String("correlation_id", task.CorrelationID),
	)

	if err := r.store.Create(ctx, task); err != nil {
		log.Error("task not recorded", zap.Error(err))
		return task.ID
	}

	r.pools.SubmitDetached(r.pools.Script, kind, func(ctx context.Context) {
		if err := r.store.MarkRunning(ctx, task.ID); err != nil {
			log.Error("task not marked running", zap.Error(err))
		}

		if err := run(ctx, id, task.CorrelationID, log); err != nil {
			log.Error("detached task failed", zap.Error(err))
			r.finish(ctx, task.ID, tasklog.StatusFailed, err.Error(), log)
			return
		}

		if followUp != nil {
			if err := followUp(ctx, id, task.CorrelationID, log); err != nil {
				log.Error("follow-up failed", zap.Error(err))
				r.finish(ctx, task.ID, tasklog.StatusFailed, "follow-up: "+err.Error(), log)
				return
			}
		}

		log.Info("detached task completed")
		r.finish(ctx, task.ID, tasklog.StatusSucceeded, "", log)
	})

	return task.ID
}

func (r *Runner) finish(ctx context.Context, id uuid.UUID, status, detail string, log *zap.Logger) {
	if err := r.store.MarkFinished(ctx, id, status, detail); err != nil {
		log.Error("task outcome not recorded",
			zap.String("status", status),
			zap.Error(err))
	}
}
