package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/auth"
	"github.com/fieldline-io/fieldline/pkg/config"
	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// devAuthMiddleware builds auth middleware with verification disabled, so
// tests drive tenancy through the X-Tenant-ID header.
func devAuthMiddleware() *auth.Middleware {
	svc := auth.NewAuthService(config.AuthConfig{EnableVerification: false}, zap.NewNop())
	return auth.NewMiddleware(svc, zap.NewNop())
}

func tenantRequest(method, path string, tenantID uuid.UUID, body *string) *http.Request {
	var r *http.Request
	if body != nil {
		r = newRequestWithBody(method, path, *body)
	} else {
		r = newRequestWithBody(method, path, "")
	}
	r.Header.Set("X-Tenant-ID", tenantID.String())
	return r
}

// mockSchemaService records calls and returns configured results.
type mockSchemaService struct {
	deployErr      error
	updateErr      error
	getDef         *models.SchemaDefinition
	getErr         error
	versions       []*models.SchemaDefinition
	deployedDef    *models.SchemaDefinition
	updatedDef     *models.SchemaDefinition
	updateBreaking bool
}

func (m *mockSchemaService) Deploy(_ context.Context, def *models.SchemaDefinition) error {
	m.deployedDef = def
	return m.deployErr
}

func (m *mockSchemaService) DeployUpdate(_ context.Context, def *models.SchemaDefinition, breaking bool) error {
	m.updatedDef = def
	m.updateBreaking = breaking
	return m.updateErr
}

func (m *mockSchemaService) Get(_ context.Context, _ uuid.UUID, _ string, _ int) (*models.SchemaDefinition, error) {
	return m.getDef, m.getErr
}

func (m *mockSchemaService) ListVersions(_ context.Context, _ uuid.UUID, _ string) ([]*models.SchemaDefinition, error) {
	return m.versions, nil
}

func (m *mockSchemaService) WarmCache(_ context.Context) error { return nil }

func (m *mockSchemaService) Register(_ *eventbus.Bus) {}

// mockRecordService records calls and returns configured results.
type mockRecordService struct {
	insertErr error
	getRecord mapper.Record
	getErr    error
	records   []mapper.Record
	queryErr  error
	updateErr error
	deleteErr error

	lastInsert mapper.Record
	lastOpts   gateway.QueryOptions
	lastKey    string
}

func (m *mockRecordService) Insert(_ context.Context, _ uuid.UUID, _ string, record mapper.Record) error {
	m.lastInsert = record
	return m.insertErr
}

func (m *mockRecordService) Get(_ context.Context, _ uuid.UUID, _ string, key string) (mapper.Record, error) {
	m.lastKey = key
	return m.getRecord, m.getErr
}

func (m *mockRecordService) Query(_ context.Context, _ uuid.UUID, _ string, opts gateway.QueryOptions) ([]mapper.Record, error) {
	m.lastOpts = opts
	return m.records, m.queryErr
}

func (m *mockRecordService) Update(_ context.Context, _ uuid.UUID, _ string, key string, _ mapper.Record) error {
	m.lastKey = key
	return m.updateErr
}

func (m *mockRecordService) Delete(_ context.Context, _ uuid.UUID, _ string, key string) error {
	m.lastKey = key
	return m.deleteErr
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}
