package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/cache"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/retry"
)

// RecordService is the read/write path for entity records. Every operation
// resolves the tenant's active mapping from the cache, holds an operation
// lease for the duration so schema drains observe it, and delegates
// persistence to the storage gateway with bounded retries on transient
// storage failures.
type RecordService interface {
	Insert(ctx context.Context, tenantID uuid.UUID, entityName string, record mapper.Record) error
	Get(ctx context.Context, tenantID uuid.UUID, entityName string, key string) (mapper.Record, error)
	Query(ctx context.Context, tenantID uuid.UUID, entityName string, opts gateway.QueryOptions) ([]mapper.Record, error)
	Update(ctx context.Context, tenantID uuid.UUID, entityName string, key string, fields mapper.Record) error
	Delete(ctx context.Context, tenantID uuid.UUID, entityName string, key string) error
}

type recordService struct {
	cache   *cache.SchemaCache
	gateway gateway.StorageGateway
	retry   *retry.Config
	logger  *zap.Logger
}

// NewRecordService creates a RecordService.
func NewRecordService(schemaCache *cache.SchemaCache, gw gateway.StorageGateway, retryCfg *retry.Config, logger *zap.Logger) RecordService {
	return &recordService{
		cache:   schemaCache,
		gateway: gw,
		retry:   retryCfg,
		logger:  logger.Named("record-service"),
	}
}

var _ RecordService = (*recordService)(nil)

func (s *recordService) Insert(ctx context.Context, tenantID uuid.UUID, entityName string, record mapper.Record) error {
	mapping, release, err := s.cache.AcquireOp(tenantID, entityName)
	if err != nil {
		return err
	}
	defer release()

	return retry.DoIfRetryable(ctx, s.retry, func() error {
		return s.gateway.Insert(ctx, mapping, record)
	})
}

func (s *recordService) Get(ctx context.Context, tenantID uuid.UUID, entityName string, key string) (mapper.Record, error) {
	mapping, release, err := s.cache.AcquireOp(tenantID, entityName)
	if err != nil {
		return nil, err
	}
	defer release()

	return retry.DoWithResultIfRetryable(ctx, s.retry, func() (mapper.Record, error) {
		return s.gateway.Get(ctx, mapping, key)
	})
}

func (s *recordService) Query(ctx context.Context, tenantID uuid.UUID, entityName string, opts gateway.QueryOptions) ([]mapper.Record, error) {
	mapping, release, err := s.cache.AcquireOp(tenantID, entityName)
	if err != nil {
		return nil, err
	}
	defer release()

	return retry.DoWithResultIfRetryable(ctx, s.retry, func() ([]mapper.Record, error) {
		return s.gateway.Query(ctx, mapping, opts)
	})
}

func (s *recordService) Update(ctx context.Context, tenantID uuid.UUID, entityName string, key string, fields mapper.Record) error {
	mapping, release, err := s.cache.AcquireOp(tenantID, entityName)
	if err != nil {
		return err
	}
	defer release()

	return retry.DoIfRetryable(ctx, s.retry, func() error {
		return s.gateway.Update(ctx, mapping, key, fields)
	})
}

func (s *recordService) Delete(ctx context.Context, tenantID uuid.UUID, entityName string, key string) error {
	mapping, release, err := s.cache.AcquireOp(tenantID, entityName)
	if err != nil {
		return err
	}
	defer release()

	return retry.DoIfRetryable(ctx, s.retry, func() error {
		return s.gateway.Delete(ctx, mapping, key)
	})
}
