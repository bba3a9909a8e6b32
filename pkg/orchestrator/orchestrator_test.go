package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// fakeGateway records structural operations and serves a fixed key
// population for backfill batching. Failures are injected per method.
type fakeGateway struct {
	mu sync.Mutex

	keys []string

	ensureGate    chan struct{} // when set, EnsureSchema blocks until closed
	ensureCalls   int
	listCalls     []string // afterKey per call
	backfills     [][]string
	backfillVals  []mapper.Row
	dropped       [][]string
	backfillFails int
}

func (g *fakeGateway) EnsureSchema(ctx context.Context, _ *mapper.EntityMapping) error {
	g.mu.Lock()
	gate := g.ensureGate
	g.ensureCalls++
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *fakeGateway) ListKeys(_ context.Context, _ *mapper.EntityMapping, afterKey string, limit int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls = append(g.listCalls, afterKey)
	var out []string
	for _, k := range g.keys {
		if k > afterKey {
			out = append(out, k)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (g *fakeGateway) BackfillColumns(_ context.Context, _ *mapper.EntityMapping, keys []string, values mapper.Row) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backfillFails > 0 {
		g.backfillFails--
		return apperrors.ErrUnavailable
	}
	g.backfills = append(g.backfills, keys)
	g.backfillVals = append(g.backfillVals, values)
	return nil
}

func (g *fakeGateway) DropColumns(_ context.Context, _ *mapper.EntityMapping, columns []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropped = append(g.dropped, columns)
	return nil
}

func (g *fakeGateway) Insert(_ context.Context, _ *mapper.EntityMapping, _ mapper.Record) error {
	return nil
}

func (g *fakeGateway) Get(_ context.Context, _ *mapper.EntityMapping, _ string) (mapper.Record, error) {
	return nil, apperrors.ErrNotFound
}

func (g *fakeGateway) Query(_ context.Context, _ *mapper.EntityMapping, _ gateway.QueryOptions) ([]mapper.Record, error) {
	return nil, nil
}

func (g *fakeGateway) Update(_ context.Context, _ *mapper.EntityMapping, _ string, _ mapper.Record) error {
	return nil
}

func (g *fakeGateway) Delete(_ context.Context, _ *mapper.EntityMapping, _ string) error {
	return nil
}

func (g *fakeGateway) snapshot() (backfills [][]string, dropped [][]string, listCalls []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]string(nil), g.backfills...),
		append([][]string(nil), g.dropped...),
		append([]string(nil), g.listCalls...)
}

var _ gateway.StorageGateway = (*fakeGateway)(nil)

// memSchemaRepo holds schema versions in memory.
type memSchemaRepo struct {
	mu   sync.Mutex
	defs []*models.SchemaDefinition
}

func (r *memSchemaRepo) Create(_ context.Context, def *models.SchemaDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.defs {
		if d.TenantID == def.TenantID && d.EntityName == def.EntityName && d.Version == def.Version {
			return apperrors.ErrConflict
		}
	}
	r.defs = append(r.defs, def)
	return nil
}

func (r *memSchemaRepo) Get(_ context.Context, tenantID uuid.UUID, entityName string, version int) (*models.SchemaDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.defs {
		if d.TenantID == tenantID && d.EntityName == entityName && d.Version == version {
			return d, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *memSchemaRepo) GetLatest(_ context.Context, tenantID uuid.UUID, entityName string) (*models.SchemaDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.SchemaDefinition
	for _, d := range r.defs {
		if d.TenantID == tenantID && d.EntityName == entityName {
			if latest == nil || d.Version > latest.Version {
				latest = d
			}
		}
	}
	if latest == nil {
		return nil, apperrors.ErrNotFound
	}
	return latest, nil
}

func (r *memSchemaRepo) ListLatest(_ context.Context) ([]*models.SchemaDefinition, error) {
	return nil, nil
}

func (r *memSchemaRepo) ListVersions(_ context.Context, _ uuid.UUID, _ string) ([]*models.SchemaDefinition, error) {
	return nil, nil
}

// memRunRepo persists migration runs in memory with the same conflict
// semantics as the real repository: one unarchived run per tenant+entity.
type memRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*models.MigrationRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[uuid.UUID]*models.MigrationRun)}
}

func cloneRun(run *models.MigrationRun) *models.MigrationRun {
	c := *run
	if run.Cursor != nil {
		v := *run.Cursor
		c.Cursor = &v
	}
	if run.Error != nil {
		v := *run.Error
		c.Error = &v
	}
	return &c
}

func (r *memRunRepo) Create(_ context.Context, run *models.MigrationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if !existing.Archived && existing.TenantID == run.TenantID && existing.EntityName == run.EntityName {
			return apperrors.ErrConflict
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.StartedAt = time.Now().UTC()
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *memRunRepo) GetByID(_ context.Context, id uuid.UUID) (*models.MigrationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneRun(run), nil
}

func (r *memRunRepo) GetActive(_ context.Context, tenantID uuid.UUID, entityName string) (*models.MigrationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if !run.Archived && run.TenantID == tenantID && run.EntityName == entityName {
			return cloneRun(run), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *memRunRepo) Update(_ context.Context, run *models.MigrationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.runs[run.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	c := cloneRun(run)
	c.Archived = stored.Archived
	c.UpdatedAt = time.Now().UTC()
	r.runs[run.ID] = c
	return nil
}

func (r *memRunRepo) HasCompleted(_ context.Context, tenantID uuid.UUID, entityName string, toVersion int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.Archived && run.Status == models.MigrationStatusCompleted &&
			run.TenantID == tenantID && run.EntityName == entityName &&
			run.Plan.ToVersion == toVersion {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRunRepo) ListUnfinished(_ context.Context) ([]*models.MigrationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MigrationRun
	for _, run := range r.runs {
		if !run.Archived && !run.Status.IsTerminal() {
			out = append(out, cloneRun(run))
		}
	}
	return out, nil
}

func (r *memRunRepo) Archive(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	run.Archived = true
	return nil
}

// ctxRunRepo surfaces context cancellation the way a live connection
// pool would: every call fails once the context is done.
type ctxRunRepo struct {
	inner *memRunRepo
}

func (r *ctxRunRepo) Create(ctx context.Context, run *models.MigrationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.inner.Create(ctx, run)
}

func (r *ctxRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.MigrationRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.inner.GetByID(ctx, id)
}

func (r *ctxRunRepo) GetActive(ctx context.Context, tenantID uuid.UUID, entityName string) (*models.MigrationRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.inner.GetActive(ctx, tenantID, entityName)
}

func (r *ctxRunRepo) Update(ctx context.Context, run *models.MigrationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.inner.Update(ctx, run)
}

func (r *ctxRunRepo) HasCompleted(ctx context.Context, tenantID uuid.UUID, entityName string, toVersion int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.inner.HasCompleted(ctx, tenantID, entityName, toVersion)
}

func (r *ctxRunRepo) ListUnfinished(ctx context.Context) ([]*models.MigrationRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.inner.ListUnfinished(ctx)
}

func (r *ctxRunRepo) Archive(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.inner.Archive(ctx, id)
}

var _ repositories.MigrationRunRepository = (*ctxRunRepo)(nil)

// capturePub records published events.
type capturePub struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePub) Publish(_ context.Context, evt eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePub) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}

func (p *capturePub) find(topic string) (eventbus.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Topic == topic {
			return e, true
		}
	}
	return eventbus.Event{}, false
}

type fixture struct {
	gateway *fakeGateway
	cache   *cache.SchemaCache
	mapper  *mapper.Mapper
	schemas *memSchemaRepo
	runs    *memRunRepo
	pub     *capturePub
	orch    *Orchestrator
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	logger := zap.NewNop()
	m := mapper.New()
	fx := &fixture{
		gateway: &fakeGateway{},
		cache:   cache.New(m, logger),
		mapper:  m,
		schemas: &memSchemaRepo{},
		runs:    newMemRunRepo(),
		pub:     &capturePub{},
	}
	cfg := Config{
		BatchSize:    batchSize,
		DrainTimeout: time.Second,
		DrainPoll:    time.Millisecond,
		Retry:        &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
	fx.orch = New(fx.gateway, fx.cache, fx.mapper, fx.schemas, &ctxRunRepo{inner: fx.runs}, fx.pub, cfg, logger)
	t.Cleanup(fx.orch.Close)
	return fx
}

func schemaV1(tenantID uuid.UUID) *models.SchemaDefinition {
	return &models.SchemaDefinition{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EntityName: "contact",
		Version:    1,
		KeyField:   "id",
		Properties: []models.Property{
			{Name: "id", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Required: true}},
			{Name: "email", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Required: true}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func schemaV2AddPhone(tenantID uuid.UUID) *models.SchemaDefinition {
	def := schemaV1(tenantID)
	def.ID = uuid.New()
	def.Version = 2
	def.Properties = append(def.Properties,
		models.Property{Name: "phone", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Default: ""}})
	return def
}

func addPhonePlan(tenantID uuid.UUID) models.MigrationPlan {
	return models.MigrationPlan{
		TenantID:    tenantID,
		EntityName:  "contact",
		FromVersion: 1,
		ToVersion:   2,
		Steps: []models.MigrationStep{
			{Kind: models.MigrationStepExpand, Fields: []string{"phone"}},
			{Kind: models.MigrationStepBackfill, Fields: []string{"phone"}},
		},
	}
}

func requestedEvent(tenantID uuid.UUID, plan models.MigrationPlan) eventbus.Event {
	evt := eventbus.NewEvent(eventbus.TopicMigrationRequested, tenantID, plan.EntityName, plan.ToVersion)
	evt.Payload = eventbus.MigrationRequestedPayload{
		FromVersion: plan.FromVersion,
		ToVersion:   plan.ToVersion,
		Plan:        plan,
	}
	return evt
}

func awaitActive(t *testing.T, fx *fixture, tenantID uuid.UUID, done func(run *models.MigrationRun) bool) *models.MigrationRun {
	t.Helper()
	var run *models.MigrationRun
	require.Eventually(t, func() bool {
		fx.runs.mu.Lock()
		defer fx.runs.mu.Unlock()
		for _, r := range fx.runs.runs {
			if r.TenantID == tenantID && done(r) {
				run = cloneRun(r)
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestMigration_AddOptionalFieldWithDefault(t *testing.T) {
	fx := newFixture(t, 2)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))

	// Five existing rows across three batches of two.
	fx.gateway.keys = []string{"c-1", "c-2", "c-3", "c-4", "c-5"}

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))

	run := awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})
	require.NotNil(t, run)

	backfills, dropped, _ := fx.gateway.snapshot()
	require.Len(t, backfills, 3)
	assert.Equal(t, []string{"c-1", "c-2"}, backfills[0])
	assert.Equal(t, []string{"c-3", "c-4"}, backfills[1])
	assert.Equal(t, []string{"c-5"}, backfills[2])
	for _, vals := range fx.gateway.backfillVals {
		assert.Equal(t, mapper.Row{"phone": ""}, vals)
	}

	// No contract step, so nothing is dropped.
	assert.Empty(t, dropped)

	// The cache now serves the destination version.
	mapping, err := fx.cache.Lookup(tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, mapping.Version())
	_, ok := mapping.Field("phone")
	assert.True(t, ok)

	topics := fx.pub.topics()
	assert.Contains(t, topics, eventbus.TopicMigrationStarted)
	assert.Contains(t, topics, eventbus.TopicMigrationExpanded)
	assert.Contains(t, topics, eventbus.TopicMigrationBackfilled)
	assert.Contains(t, topics, eventbus.TopicMigrationCompleted)
	assert.Contains(t, topics, eventbus.TopicSchemaMigrated)
	assert.NotContains(t, topics, eventbus.TopicMigrationFailed)
}

func TestMigration_DuplicateRequestIsAcknowledged(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1"}

	// Hold the run in expand so the duplicate arrives while it is active.
	gate := make(chan struct{})
	fx.gateway.ensureGate = gate

	plan := addPhonePlan(tenantID)
	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, plan)))
	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, plan)))
	close(gate)

	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})

	// Exactly one run, despite the duplicate delivery.
	fx.runs.mu.Lock()
	assert.Len(t, fx.runs.runs, 1)
	fx.runs.mu.Unlock()
}

func TestMigration_BackfillFailureRollsBackAndRetrySucceeds(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1", "c-2"}

	// Outlast the retry budget (MaxRetries 2 allows 3 attempts).
	fx.gateway.mu.Lock()
	fx.gateway.backfillFails = 10
	fx.gateway.mu.Unlock()

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))

	failed := awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusRolledBack && r.Archived
	})
	require.NotNil(t, failed)
	require.NotNil(t, failed.Error)

	evt, ok := fx.pub.find(eventbus.TopicMigrationFailed)
	require.True(t, ok)
	payload, ok := evt.Payload.(eventbus.MigrationFailedPayload)
	require.True(t, ok)
	assert.Equal(t, models.MigrationPhaseBackfill, payload.Phase)

	// Rollback dropped the expand-added column.
	_, dropped, _ := fx.gateway.snapshot()
	require.Len(t, dropped, 1)
	assert.Equal(t, []string{"phone"}, dropped[0])

	// Reads still work against the pre-migration schema.
	mapping, err := fx.cache.Lookup(tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, 1, mapping.Version())

	// Retrying the same plan needs no manual cleanup.
	fx.gateway.mu.Lock()
	fx.gateway.backfillFails = 0
	fx.gateway.mu.Unlock()

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))
	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})

	mapping, err = fx.cache.Lookup(tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, mapping.Version())
}

func TestMigration_ResumeContinuesFromPersistedCursor(t *testing.T) {
	fx := newFixture(t, 2)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1", "c-2", "c-3", "c-4"}

	// A run interrupted mid-backfill, with the first batch committed.
	cursor := "c-2"
	interrupted := &models.MigrationRun{
		TenantID:   tenantID,
		EntityName: "contact",
		Plan:       addPhonePlan(tenantID),
		Status:     models.MigrationStatusBackfilling,
		Phase:      models.MigrationPhaseBackfill,
		Cursor:     &cursor,
	}
	require.NoError(t, fx.runs.Create(ctx, interrupted))

	require.NoError(t, fx.orch.Resume(ctx))

	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})

	// Backfill resumed after the cursor: only c-3 and c-4 were rewritten.
	backfills, _, listCalls := fx.gateway.snapshot()
	require.NotEmpty(t, listCalls)
	assert.Equal(t, "c-2", listCalls[0])
	var touched []string
	for _, batch := range backfills {
		touched = append(touched, batch...)
	}
	sort.Strings(touched)
	assert.Equal(t, []string{"c-3", "c-4"}, touched)
}

func TestMigration_BreakingChangeDrainsThenContracts(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	v1 := schemaV1(tenantID)
	v2 := schemaV2AddPhone(tenantID)
	// v2 drops email, so the plan carries a contract step.
	v2.Properties = []models.Property{
		{Name: "id", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Required: true}},
		{Name: "phone", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Default: ""}},
	}
	require.NoError(t, fx.schemas.Create(ctx, v1))
	require.NoError(t, fx.schemas.Create(ctx, v2))
	require.NoError(t, fx.cache.Install(v1))
	require.NoError(t, fx.cache.HandleBreakingChange(v2))
	fx.gateway.keys = []string{"c-1"}

	// While draining, new operations are refused.
	_, _, err := fx.cache.AcquireOp(tenantID, "contact")
	require.ErrorIs(t, err, apperrors.ErrSchemaDraining)

	plan := models.MigrationPlan{
		TenantID:    tenantID,
		EntityName:  "contact",
		FromVersion: 1,
		ToVersion:   2,
		Steps: []models.MigrationStep{
			{Kind: models.MigrationStepExpand, Fields: []string{"phone"}},
			{Kind: models.MigrationStepBackfill, Fields: []string{"phone"}},
			{Kind: models.MigrationStepContract, Fields: []string{"email"}},
		},
	}
	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, plan)))

	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})

	// The superseded column is gone and the staged mapping is active.
	_, dropped, _ := fx.gateway.snapshot()
	require.Len(t, dropped, 1)
	assert.Equal(t, []string{"email"}, dropped[0])

	mapping, err := fx.cache.Lookup(tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, mapping.Version())
	_, hasEmail := mapping.Field("email")
	assert.False(t, hasEmail)
}

func TestMigration_CancelBeforeDataMutation(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	run := &models.MigrationRun{
		TenantID:   tenantID,
		EntityName: "contact",
		Plan:       addPhonePlan(tenantID),
		Status:     models.MigrationStatusBackfilling,
	}
	require.NoError(t, fx.runs.Create(ctx, run))

	// Backfill has started; cancellation is refused.
	err := fx.orch.Cancel(ctx, tenantID, "contact")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

// awaitExpandBlocked waits until the control loop has persisted the
// expanding status and is parked inside the gated EnsureSchema call.
func awaitExpandBlocked(t *testing.T, fx *fixture, tenantID uuid.UUID) {
	t.Helper()
	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusExpanding
	})
	require.Eventually(t, func() bool {
		fx.gateway.mu.Lock()
		defer fx.gateway.mu.Unlock()
		return fx.gateway.ensureCalls > 0
	}, 5*time.Second, time.Millisecond)
}

func TestMigration_CancelWhileExpandingRollsBack(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1"}

	gate := make(chan struct{})
	fx.gateway.ensureGate = gate

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))
	awaitExpandBlocked(t, fx, tenantID)

	require.NoError(t, fx.orch.Cancel(ctx, tenantID, "contact"))

	// Even though the loop context is gone, the terminal state is
	// persisted and the run archived.
	cancelled := awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusRolledBack && r.Archived
	})
	require.NotNil(t, cancelled)
	require.NotNil(t, cancelled.Error)

	_, ok := fx.pub.find(eventbus.TopicMigrationFailed)
	assert.True(t, ok)

	unfinished, err := fx.runs.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	// The entity is not wedged: the same plan can be requested anew.
	fx.gateway.mu.Lock()
	fx.gateway.ensureGate = nil
	fx.gateway.mu.Unlock()

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))
	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})
}

func TestMigration_ShutdownLeavesRunResumable(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1"}

	// The gate never opens: the run is mid-expand when the process stops.
	fx.gateway.ensureGate = make(chan struct{})

	require.NoError(t, fx.orch.HandleRequested(ctx, requestedEvent(tenantID, addPhonePlan(tenantID))))
	awaitExpandBlocked(t, fx, tenantID)

	fx.orch.Close()

	// Shutdown is not a failure: the run stays unarchived at its last
	// persisted status and no failure event is emitted.
	run, err := fx.runs.GetActive(ctx, tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationStatusExpanding, run.Status)
	assert.False(t, run.Archived)

	_, failed := fx.pub.find(eventbus.TopicMigrationFailed)
	assert.False(t, failed)

	unfinished, err := fx.runs.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	// A restarted orchestrator picks the run up and drives it home.
	fx.gateway.mu.Lock()
	fx.gateway.ensureGate = nil
	fx.gateway.mu.Unlock()

	restarted := New(fx.gateway, fx.cache, fx.mapper, fx.schemas, &ctxRunRepo{inner: fx.runs}, fx.pub, Config{
		BatchSize:    10,
		DrainTimeout: time.Second,
		DrainPoll:    time.Millisecond,
		Retry:        &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, zap.NewNop())
	t.Cleanup(restarted.Close)

	require.NoError(t, restarted.Resume(ctx))
	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})
}

func TestMigration_DuplicateAfterCompletionIsAcknowledged(t *testing.T) {
	fx := newFixture(t, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	require.NoError(t, fx.schemas.Create(ctx, schemaV1(tenantID)))
	require.NoError(t, fx.schemas.Create(ctx, schemaV2AddPhone(tenantID)))
	require.NoError(t, fx.cache.Install(schemaV1(tenantID)))
	fx.gateway.keys = []string{"c-1"}

	evt := requestedEvent(tenantID, addPhonePlan(tenantID))
	require.NoError(t, fx.orch.HandleRequested(ctx, evt))
	awaitActive(t, fx, tenantID, func(r *models.MigrationRun) bool {
		return r.Status == models.MigrationStatusCompleted && r.Archived
	})

	// A redelivery arriving after completion and archival is
	// acknowledged without spawning a second run.
	require.NoError(t, fx.orch.HandleRequested(ctx, evt))

	fx.runs.mu.Lock()
	assert.Len(t, fx.runs.runs, 1)
	fx.runs.mu.Unlock()

	var completions int
	for _, topic := range fx.pub.topics() {
		if topic == eventbus.TopicMigrationCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}
