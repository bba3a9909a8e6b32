package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/cache"
	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/repositories"
	"github.com/fieldline-io/fieldline/pkg/retry"
)

// Config tunes migration execution.
type Config struct {
	// BatchSize caps how many rows one backfill statement touches, which
	// bounds both lock duration and memory per batch.
	BatchSize int

	// DrainTimeout caps how long contract waits for in-flight operations
	// against the old mapping to finish.
	DrainTimeout time.Duration

	// DrainPoll is the interval between drain checks.
	DrainPoll time.Duration

	// Retry bounds backoff for transient storage failures within a phase.
	Retry *retry.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    500,
		DrainTimeout: 30 * time.Second,
		DrainPoll:    100 * time.Millisecond,
		Retry:        retry.DefaultConfig(),
	}
}

// Orchestrator drives schema migrations through expand, backfill and
// contract. Each tenant+entity migration runs as its own control loop;
// loops share no mutable state. The loop's durable state is the persisted
// MigrationRun, so an interrupted migration resumes from the last
// committed point after a restart.
type Orchestrator struct {
	gateway gateway.StorageGateway
	cache   *cache.SchemaCache
	mapper  *mapper.Mapper
	schemas repositories.SchemaDefinitionRepository
	runs    repositories.MigrationRunRepository
	pub     eventbus.Publisher
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	loops   map[string]*loopHandle
	wg      sync.WaitGroup
	closing bool
}

// loopHandle distinguishes an operator-requested abort from a process
// shutdown: both cancel the loop context, but only an abort may move the
// run to a terminal state. Shutdown leaves the run resumable.
type loopHandle struct {
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// New creates an Orchestrator.
func New(
	gw gateway.StorageGateway,
	schemaCache *cache.SchemaCache,
	m *mapper.Mapper,
	schemas repositories.SchemaDefinitionRepository,
	runs repositories.MigrationRunRepository,
	pub eventbus.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = DefaultConfig().DrainPoll
	}
	return &Orchestrator{
		gateway: gw,
		cache:   schemaCache,
		mapper:  m,
		schemas: schemas,
		runs:    runs,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.Named("migration-orchestrator"),
		loops:   make(map[string]*loopHandle),
	}
}

// Register subscribes the orchestrator to the events it consumes.
func (o *Orchestrator) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicMigrationRequested, o.HandleRequested)
}

// HandleRequested starts a migration for a schema.migration.requested
// event. Idempotent under duplicate delivery: if a run for this
// tenant+entity+version already exists, the duplicate is acknowledged
// without starting a second loop.
func (o *Orchestrator) HandleRequested(ctx context.Context, evt eventbus.Event) error {
	payload, ok := evt.Payload.(eventbus.MigrationRequestedPayload)
	if !ok {
		o.logger.Error("Malformed migration.requested payload",
			zap.String("tenant_id", evt.TenantID.String()),
			zap.String("entity", evt.EntityName))
		return nil // not retryable; redelivery cannot fix it
	}

	if existing, err := o.runs.GetActive(ctx, evt.TenantID, evt.EntityName); err == nil {
		if existing.Plan.ToVersion == payload.Plan.ToVersion {
			return nil // duplicate delivery
		}
		return fmt.Errorf("migration to v%d already running for %s/%s",
			existing.Plan.ToVersion, evt.TenantID, evt.EntityName)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	// A redelivery may arrive after the run it duplicates has completed
	// and been archived. Starting a fresh run would re-walk a plan whose
	// contract already dropped columns, so check the archive first.
	done, err := o.runs.HasCompleted(ctx, evt.TenantID, evt.EntityName, payload.Plan.ToVersion)
	if err != nil {
		return err
	}
	if done {
		return nil // duplicate of an already completed migration
	}

	run := &models.MigrationRun{
		TenantID:   evt.TenantID,
		EntityName: evt.EntityName,
		Plan:       payload.Plan,
		Status:     models.MigrationStatusPending,
	}
	if err := o.runs.Create(ctx, run); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil // raced a duplicate delivery; the winner runs the loop
		}
		return err
	}

	o.startLoop(run)
	return nil
}

// Resume restarts control loops for every unfinished run. Called once at
// startup; the loops pick up from the persisted status and cursor.
func (o *Orchestrator) Resume(ctx context.Context) error {
	runs, err := o.runs.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished migrations: %w", err)
	}
	for _, run := range runs {
		o.logger.Info("Resuming interrupted migration",
			zap.String("tenant_id", run.TenantID.String()),
			zap.String("entity", run.EntityName),
			zap.String("status", string(run.Status)),
			zap.Int("to_version", run.Plan.ToVersion))
		o.startLoop(run)
	}
	return nil
}

// Cancel aborts a run if it has not mutated data yet (pending or
// expanding). Once backfill has written rows the only way out is failure
// plus rollback, and contract is never cancellable.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID uuid.UUID, entityName string) error {
	run, err := o.runs.GetActive(ctx, tenantID, entityName)
	if err != nil {
		return err
	}
	if !run.Status.CanCancel() {
		return fmt.Errorf("%w: migration in status %q cannot be cancelled", apperrors.ErrConflict, run.Status)
	}

	o.mu.Lock()
	handle, ok := o.loops[loopKey(tenantID, entityName)]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no control loop for %s/%s", apperrors.ErrNotFound, tenantID, entityName)
	}
	handle.aborted.Store(true)
	handle.cancel()
	return nil
}

// Close cancels all loops and waits for them to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closing = true
	for _, handle := range o.loops {
		handle.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func loopKey(tenantID uuid.UUID, entityName string) string {
	return tenantID.String() + "/" + entityName
}

func (o *Orchestrator) startLoop(run *models.MigrationRun) {
	key := loopKey(run.TenantID, run.EntityName)

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	if _, exists := o.loops[key]; exists {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel}
	o.loops[key] = handle
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.loops, key)
			o.mu.Unlock()
			cancel()
			o.wg.Done()
		}()
		o.execute(ctx, run, handle)
	}()
}
