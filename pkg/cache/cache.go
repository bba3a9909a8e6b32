package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// EntryState is the lifecycle state of a cache entry.
type EntryState string

const (
	EntryStateActive     EntryState = "active"
	EntryStateDraining   EntryState = "draining"
	EntryStateSuperseded EntryState = "superseded"
)

// Entry binds a schema definition to its derived mapping. Entries are
// immutable: every state change allocates a replacement, so a reader that
// loaded an entry observes a consistent definition+mapping pair no matter
// what writers do afterwards.
type Entry struct {
	Definition *models.SchemaDefinition
	Mapping    *mapper.EntityMapping
	Version    int
	State      EntryState
}

// slot holds the cache state for one tenant+entity. The current entry is
// swapped through an atomic pointer so lookups never take the writer lock;
// mu serializes writers for this pair only.
type slot struct {
	mu       sync.Mutex
	current  atomic.Pointer[Entry]
	staged   *Entry // next mapping, held back until drain completes
	previous *Entry // last superseded entry, for rollback reference
	inFlight atomic.Int64
}

// SchemaCache is the per-tenant in-memory index of current schemas. It is
// the authority request handlers consult before touching storage; no
// component may fabricate a mapping directly.
//
// Compatibility classification (compatible vs breaking) arrives with the
// triggering event and is trusted; the cache only enforces the matching
// activation protocol.
type SchemaCache struct {
	mapper *mapper.Mapper
	logger *zap.Logger

	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates a SchemaCache.
func New(m *mapper.Mapper, logger *zap.Logger) *SchemaCache {
	return &SchemaCache{
		mapper: m,
		logger: logger.Named("schema-cache"),
		slots:  make(map[string]*slot),
	}
}

func slotKey(tenantID uuid.UUID, entityName string) string {
	return tenantID.String() + "/" + entityName
}

func (c *SchemaCache) slot(tenantID uuid.UUID, entityName string, create bool) *slot {
	key := slotKey(tenantID, entityName)
	c.mu.RLock()
	s, ok := c.slots[key]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[key]; ok {
		return s
	}
	s = &slot{}
	c.slots[key] = s
	return s
}

// Lookup returns the active mapping for a tenant+entity. Performs no I/O.
// Returns apperrors.ErrSchemaNotFound when no entry exists and
// apperrors.ErrSchemaDraining while a breaking migration holds the entry.
func (c *SchemaCache) Lookup(tenantID uuid.UUID, entityName string) (*mapper.EntityMapping, error) {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, tenantID, entityName)
	}
	entry := s.current.Load()
	if entry == nil {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, tenantID, entityName)
	}
	if entry.State == EntryStateDraining {
		return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaDraining, tenantID, entityName)
	}
	return entry.Mapping, nil
}

// AcquireOp is Lookup plus in-flight tracking for the storage-facing
// request path. The returned release func must be called when the
// operation finishes; the drain gate waits for the count to reach zero
// before contract is allowed to touch storage. The count is raised
// before the entry state is checked, so a drain that begins concurrently
// either sees this operation in flight or this operation sees the
// draining entry and is refused.
func (c *SchemaCache) AcquireOp(tenantID uuid.UUID, entityName string) (*mapper.EntityMapping, func(), error) {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, tenantID, entityName)
	}
	s.inFlight.Add(1)
	mapping, err := c.Lookup(tenantID, entityName)
	if err != nil {
		s.inFlight.Add(-1)
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() { s.inFlight.Add(-1) })
	}
	return mapping, release, nil
}

// Install provisions the entry for a newly created schema. Idempotent
// under duplicate delivery: a definition at or below the current version
// is ignored.
func (c *SchemaCache) Install(def *models.SchemaDefinition) error {
	s := c.slot(def.TenantID, def.EntityName, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current.Load(); cur != nil && cur.Version >= def.Version {
		return nil
	}

	entry, err := c.buildEntry(def)
	if err != nil {
		return err
	}
	s.current.Store(entry)
	c.logger.Info("Schema installed",
		zap.String("tenant_id", def.TenantID.String()),
		zap.String("entity", def.EntityName),
		zap.Int("version", def.Version))
	return nil
}

// ApplyCompatibleUpdate builds the mapping for a compatible schema change
// and atomically swaps it in as the new active entry. The previous entry
// is retained as superseded. Concurrent lookups observe either the fully
// old or fully new mapping, never a partial one.
func (c *SchemaCache) ApplyCompatibleUpdate(def *models.SchemaDefinition) error {
	s := c.slot(def.TenantID, def.EntityName, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur != nil && cur.Version >= def.Version {
		return nil // duplicate delivery
	}

	entry, err := c.buildEntry(def)
	if err != nil {
		return err
	}

	if cur != nil {
		s.previous = &Entry{Definition: cur.Definition, Mapping: cur.Mapping, Version: cur.Version, State: EntryStateSuperseded}
	}
	s.current.Store(entry)
	c.logger.Info("Schema hot-swapped",
		zap.String("tenant_id", def.TenantID.String()),
		zap.String("entity", def.EntityName),
		zap.Int("version", def.Version))
	return nil
}

// HandleBreakingChange stages the mapping for a breaking schema change and
// marks the current entry draining: in-flight operations against the old
// mapping finish, new operations are rejected until Activate. This keeps
// writes off a storage shape that contract is about to remove.
func (c *SchemaCache) HandleBreakingChange(def *models.SchemaDefinition) error {
	s := c.slot(def.TenantID, def.EntityName, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil {
		return fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, def.TenantID, def.EntityName)
	}
	if cur.Version >= def.Version {
		return nil // duplicate delivery
	}
	if s.staged != nil && s.staged.Version == def.Version {
		return nil // already draining for this version
	}

	staged, err := c.buildEntry(def)
	if err != nil {
		return err
	}
	s.staged = staged
	s.current.Store(&Entry{Definition: cur.Definition, Mapping: cur.Mapping, Version: cur.Version, State: EntryStateDraining})
	c.logger.Info("Schema draining for breaking change",
		zap.String("tenant_id", def.TenantID.String()),
		zap.String("entity", def.EntityName),
		zap.Int("from_version", cur.Version),
		zap.Int("to_version", def.Version))
	return nil
}

// Quiesced reports whether the entry is draining with no in-flight
// operations left against the old mapping.
func (c *SchemaCache) Quiesced(tenantID uuid.UUID, entityName string) bool {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return false
	}
	entry := s.current.Load()
	return entry != nil && entry.State == EntryStateDraining && s.inFlight.Load() == 0
}

// Activate promotes the staged mapping to active once the orchestrator
// signals migration completion. The drained entry is retained as
// superseded.
func (c *SchemaCache) Activate(tenantID uuid.UUID, entityName string, version int) error {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, tenantID, entityName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur != nil && cur.Version == version && cur.State == EntryStateActive {
		return nil // duplicate delivery
	}
	if s.staged == nil || s.staged.Version != version {
		return fmt.Errorf("no staged mapping for %s/%s v%d", tenantID, entityName, version)
	}

	if cur != nil {
		s.previous = &Entry{Definition: cur.Definition, Mapping: cur.Mapping, Version: cur.Version, State: EntryStateSuperseded}
	}
	s.current.Store(s.staged)
	s.staged = nil
	c.logger.Info("Schema activated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity", entityName),
		zap.Int("version", version))
	return nil
}

// CancelDrain aborts a breaking change: the staged mapping is dropped and
// the entry returns to active on the pre-migration mapping. Used by the
// orchestrator's rollback path.
func (c *SchemaCache) CancelDrain(tenantID uuid.UUID, entityName string) error {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, tenantID, entityName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if cur == nil || cur.State != EntryStateDraining {
		return nil
	}
	s.staged = nil
	s.current.Store(&Entry{Definition: cur.Definition, Mapping: cur.Mapping, Version: cur.Version, State: EntryStateActive})
	c.logger.Info("Drain cancelled, previous mapping reactivated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("entity", entityName),
		zap.Int("version", cur.Version))
	return nil
}

// Current returns the current entry for inspection. Nil when absent.
func (c *SchemaCache) Current(tenantID uuid.UUID, entityName string) *Entry {
	s := c.slot(tenantID, entityName, false)
	if s == nil {
		return nil
	}
	return s.current.Load()
}

func (c *SchemaCache) buildEntry(def *models.SchemaDefinition) (*Entry, error) {
	mapping, err := c.mapper.BuildMapping(def)
	if err != nil {
		return nil, err
	}
	return &Entry{Definition: def, Mapping: mapping, Version: def.Version, State: EntryStateActive}, nil
}
