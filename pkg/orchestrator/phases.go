package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/logging"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/retry"
)

// execute drives one run from its current (possibly rehydrated) status to
// a terminal state. Phases run strictly in sequence; each transition is
// persisted and published before the next phase starts.
func (o *Orchestrator) execute(ctx context.Context, run *models.MigrationRun, handle *loopHandle) {
	log := o.logger.With(
		zap.String("tenant_id", run.TenantID.String()),
		zap.String("entity", run.EntityName),
		zap.Int("from_version", run.Plan.FromVersion),
		zap.Int("to_version", run.Plan.ToVersion))

	newMapping, err := o.targetMapping(ctx, run)
	if err != nil {
		if ctx.Err() != nil && !handle.aborted.Load() {
			log.Info("Migration interrupted by shutdown, resumes at startup",
				zap.String("status", string(run.Status)))
			return
		}
		log.Error("Cannot resolve target schema", zap.Error(err))
		o.fail(context.WithoutCancel(ctx), run, err)
		return
	}

	for !run.Status.IsTerminal() {
		select {
		case <-ctx.Done():
			if !handle.aborted.Load() {
				log.Info("Migration interrupted by shutdown, resumes at startup",
					zap.String("status", string(run.Status)))
				return
			}
			// Failure handling must outlive the cancelled loop context
			// or the terminal state would never be persisted.
			o.fail(context.WithoutCancel(ctx), run,
				fmt.Errorf("migration cancelled in status %q", run.Status))
			return
		default:
		}

		var phaseErr error
		switch run.Status {
		case models.MigrationStatusPending:
			phaseErr = o.begin(ctx, run)
		case models.MigrationStatusExpanding:
			phaseErr = o.expand(ctx, run, newMapping)
		case models.MigrationStatusExpanded:
			phaseErr = o.transition(ctx, run, models.MigrationStatusBackfilling)
		case models.MigrationStatusBackfilling:
			phaseErr = o.backfill(ctx, run, newMapping)
		case models.MigrationStatusBackfilled:
			phaseErr = o.transition(ctx, run, models.MigrationStatusContracting)
		case models.MigrationStatusContracting:
			phaseErr = o.contract(ctx, run, newMapping)
		default:
			phaseErr = fmt.Errorf("unexpected migration status %q", run.Status)
		}

		if phaseErr != nil {
			if ctx.Err() != nil && !handle.aborted.Load() {
				log.Info("Migration interrupted by shutdown, resumes at startup",
					zap.String("status", string(run.Status)))
				return
			}
			log.Error("Migration phase failed",
				zap.String("status", string(run.Status)),
				zap.Error(phaseErr))
			o.fail(context.WithoutCancel(ctx), run, phaseErr)
			return
		}
	}

	log.Info("Migration completed")
}

// targetMapping resolves the mapping for the plan's destination version.
func (o *Orchestrator) targetMapping(ctx context.Context, run *models.MigrationRun) (*mapper.EntityMapping, error) {
	def, err := o.schemas.Get(ctx, run.TenantID, run.EntityName, run.Plan.ToVersion)
	if err != nil {
		return nil, fmt.Errorf("target schema v%d not deployed: %w", run.Plan.ToVersion, err)
	}
	return o.mapper.BuildMapping(def)
}

func (o *Orchestrator) begin(ctx context.Context, run *models.MigrationRun) error {
	if err := o.transition(ctx, run, models.MigrationStatusExpanding); err != nil {
		return err
	}
	o.publish(ctx, run, eventbus.TopicMigrationStarted, nil)
	return nil
}

// expand applies the additive projection of the new mapping. EnsureSchema
// only ever appends, so re-running after a crash converges without
// duplicating structure, and live traffic on the old mapping is never
// locked out.
func (o *Orchestrator) expand(ctx context.Context, run *models.MigrationRun, newMapping *mapper.EntityMapping) error {
	err := retry.DoIfRetryable(ctx, o.cfg.Retry, func() error {
		return o.gateway.EnsureSchema(ctx, newMapping)
	})
	if err != nil {
		return fmt.Errorf("expand: %w", err)
	}

	if err := o.transition(ctx, run, models.MigrationStatusExpanded); err != nil {
		return err
	}
	o.publish(ctx, run, eventbus.TopicMigrationExpanded, nil)
	return nil
}

// backfill populates expand-added fields on existing rows in bounded
// batches. The cursor is persisted after every batch, so a crash resumes
// from the last committed key instead of restarting; COALESCE semantics in
// the gateway make re-applying a batch converge.
func (o *Orchestrator) backfill(ctx context.Context, run *models.MigrationRun, newMapping *mapper.EntityMapping) error {
	values := o.backfillValues(run.Plan, newMapping)

	if len(values) > 0 {
		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("backfill interrupted: %w", ctx.Err())
			default:
			}

			afterKey := ""
			if run.Cursor != nil {
				afterKey = *run.Cursor
			}

			var keys []string
			err := retry.DoIfRetryable(ctx, o.cfg.Retry, func() error {
				var listErr error
				keys, listErr = o.gateway.ListKeys(ctx, newMapping, afterKey, o.cfg.BatchSize)
				return listErr
			})
			if err != nil {
				return fmt.Errorf("backfill: list keys after %q: %w", afterKey, err)
			}
			if len(keys) == 0 {
				break
			}

			err = retry.DoIfRetryable(ctx, o.cfg.Retry, func() error {
				return o.gateway.BackfillColumns(ctx, newMapping, keys, values)
			})
			if err != nil {
				return fmt.Errorf("backfill: batch after %q: %w", afterKey, err)
			}

			cursor := keys[len(keys)-1]
			run.Cursor = &cursor
			if err := o.runs.Update(ctx, run); err != nil {
				return fmt.Errorf("backfill: persist cursor: %w", err)
			}
		}
	}

	if err := o.transition(ctx, run, models.MigrationStatusBackfilled); err != nil {
		return err
	}
	o.publish(ctx, run, eventbus.TopicMigrationBackfilled, nil)
	return nil
}

// backfillValues resolves the column values the plan's backfill steps
// write: each named field's declared default in the new mapping.
func (o *Orchestrator) backfillValues(plan models.MigrationPlan, newMapping *mapper.EntityMapping) mapper.Row {
	values := make(mapper.Row)
	for _, step := range plan.StepsOfKind(models.MigrationStepBackfill) {
		for _, field := range step.Fields {
			fm, ok := newMapping.Field(field)
			if !ok || fm.Def.Default == nil {
				continue
			}
			values[fm.Column] = fm.Def.Default
		}
	}
	return values
}

// contract removes superseded columns, but only after the draining window
// has elapsed and no reader still references the old mapping. With no
// contract steps the phase is a no-op apart from activation.
func (o *Orchestrator) contract(ctx context.Context, run *models.MigrationRun, newMapping *mapper.EntityMapping) error {
	columns, err := o.contractColumns(ctx, run)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}

	if len(columns) > 0 {
		if err := o.awaitDrain(ctx, run); err != nil {
			return fmt.Errorf("contract: %w", err)
		}
		err := retry.DoIfRetryable(ctx, o.cfg.Retry, func() error {
			return o.gateway.DropColumns(ctx, newMapping, columns)
		})
		if err != nil {
			return fmt.Errorf("contract: %w", err)
		}
	}

	if err := o.activate(ctx, run); err != nil {
		return fmt.Errorf("contract: activate: %w", err)
	}
	if err := o.transition(ctx, run, models.MigrationStatusCompleted); err != nil {
		return err
	}
	o.publish(ctx, run, eventbus.TopicMigrationCompleted, nil)
	o.publish(ctx, run, eventbus.TopicSchemaMigrated, nil)

	if err := o.runs.Archive(ctx, run.ID); err != nil {
		o.logger.Warn("Failed to archive completed run", zap.Error(err))
	}
	return nil
}

// contractColumns resolves which storage columns the plan's contract steps
// remove, using the pre-migration mapping since the fields no longer exist
// in the new one.
func (o *Orchestrator) contractColumns(ctx context.Context, run *models.MigrationRun) ([]string, error) {
	steps := run.Plan.StepsOfKind(models.MigrationStepContract)
	if len(steps) == 0 {
		return nil, nil
	}

	oldDef, err := o.schemas.Get(ctx, run.TenantID, run.EntityName, run.Plan.FromVersion)
	if err != nil {
		return nil, fmt.Errorf("source schema v%d not found: %w", run.Plan.FromVersion, err)
	}
	oldMapping, err := o.mapper.BuildMapping(oldDef)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, step := range steps {
		for _, field := range step.Fields {
			fm, ok := oldMapping.Field(field)
			if !ok {
				return nil, fmt.Errorf("contract field %q not present in schema v%d", field, run.Plan.FromVersion)
			}
			columns = append(columns, fm.Column)
		}
	}
	return columns, nil
}

// awaitDrain blocks until the cache reports no in-flight readers on the
// old mapping. Contract must never remove structure a reader may still
// touch.
func (o *Orchestrator) awaitDrain(ctx context.Context, run *models.MigrationRun) error {
	deadline := time.Now().Add(o.cfg.DrainTimeout)
	for {
		if o.cache.Quiesced(run.TenantID, run.EntityName) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain window did not quiesce within %s", o.cfg.DrainTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.DrainPoll):
		}
	}
}

// activate makes the destination mapping the cache's active entry. A
// breaking migration promotes the staged mapping; a compatible one
// hot-swaps directly.
func (o *Orchestrator) activate(ctx context.Context, run *models.MigrationRun) error {
	if err := o.cache.Activate(run.TenantID, run.EntityName, run.Plan.ToVersion); err == nil {
		return nil
	}

	def, err := o.schemas.Get(ctx, run.TenantID, run.EntityName, run.Plan.ToVersion)
	if err != nil {
		return err
	}
	if err := o.cache.ApplyCompatibleUpdate(def); err != nil {
		return err
	}
	return nil
}

// transition validates and persists a status change. Publishing and
// persisting the prior phase completes before the next phase may start.
func (o *Orchestrator) transition(ctx context.Context, run *models.MigrationRun, target models.MigrationStatus) error {
	if !run.Status.CanTransitionTo(target) {
		return fmt.Errorf("illegal transition %q → %q", run.Status, target)
	}
	run.Status = target
	run.Phase = target.Phase()
	run.PhaseStartedAt = time.Now().UTC()
	return o.runs.Update(ctx, run)
}

// fail marks the run failed, publishes the failure, and rolls back when a
// compensating action is defined. Expand and backfill are additive and
// idempotent, so reverting them is safe; contract failures are escalated
// to an operator since removed data cannot be silently reconstructed.
// Callers pass a context detached from loop cancellation: failure state
// must persist even when the loop was torn down by an abort.
func (o *Orchestrator) fail(ctx context.Context, run *models.MigrationRun, cause error) {
	failedPhase := run.Status.Phase()
	msg := cause.Error()
	run.Error = &msg

	if run.Status.CanTransitionTo(models.MigrationStatusFailed) {
		run.Status = models.MigrationStatusFailed
		if err := o.runs.Update(ctx, run); err != nil {
			o.logger.Error("Failed to persist failure state", zap.Error(err))
		}
	}
	o.publish(ctx, run, eventbus.TopicMigrationFailed, eventbus.MigrationFailedPayload{
		Phase: failedPhase,
		Error: msg,
	})

	if failedPhase == models.MigrationPhaseContract {
		o.logger.Error("Contract failed, operator intervention required: structure may be partially removed",
			zap.String("tenant_id", run.TenantID.String()),
			zap.String("entity", run.EntityName),
			zap.String("error", logging.SanitizeError(cause)))
		if err := o.runs.Archive(ctx, run.ID); err != nil {
			o.logger.Warn("Failed to archive failed run", zap.Error(err))
		}
		return
	}

	o.rollback(ctx, run)
}

// rollback compensates a failed expand or backfill: expand-added columns
// are dropped, the cache returns to the pre-migration mapping, and the run
// is archived so retrying the same plan needs no manual cleanup.
func (o *Orchestrator) rollback(ctx context.Context, run *models.MigrationRun) {
	def, err := o.schemas.Get(ctx, run.TenantID, run.EntityName, run.Plan.ToVersion)
	if err == nil {
		if newMapping, mapErr := o.mapper.BuildMapping(def); mapErr == nil {
			var added []string
			for _, step := range run.Plan.StepsOfKind(models.MigrationStepExpand) {
				for _, field := range step.Fields {
					if fm, ok := newMapping.Field(field); ok {
						added = append(added, fm.Column)
					}
				}
			}
			if len(added) > 0 {
				err := retry.DoIfRetryable(ctx, o.cfg.Retry, func() error {
					return o.gateway.DropColumns(ctx, newMapping, added)
				})
				if err != nil {
					o.logger.Error("Rollback could not drop expand-added columns; leaving run failed",
						zap.Strings("columns", added),
						zap.Error(err))
					return
				}
			}
		}
	}

	if err := o.cache.CancelDrain(run.TenantID, run.EntityName); err != nil {
		o.logger.Warn("Rollback could not reactivate previous mapping", zap.Error(err))
	}

	if run.Status.CanTransitionTo(models.MigrationStatusRolledBack) {
		run.Status = models.MigrationStatusRolledBack
		if err := o.runs.Update(ctx, run); err != nil {
			o.logger.Error("Failed to persist rollback state", zap.Error(err))
			return
		}
	}
	if err := o.runs.Archive(ctx, run.ID); err != nil {
		o.logger.Warn("Failed to archive rolled-back run", zap.Error(err))
	}
	o.logger.Info("Migration rolled back",
		zap.String("tenant_id", run.TenantID.String()),
		zap.String("entity", run.EntityName),
		zap.Int("to_version", run.Plan.ToVersion))
}

// publish emits a lifecycle event. Delivery is at-least-once; consumers
// dedupe on (tenant, entity, version, phase).
func (o *Orchestrator) publish(ctx context.Context, run *models.MigrationRun, topic string, payload any) {
	evt := eventbus.NewEvent(topic, run.TenantID, run.EntityName, run.Plan.ToVersion)
	evt.Phase = run.Status.Phase()
	evt.Payload = payload
	if err := o.pub.Publish(ctx, evt); err != nil {
		o.logger.Error("Failed to publish migration event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}
