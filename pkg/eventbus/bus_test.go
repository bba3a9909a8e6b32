package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(TopicSchemaCreated, func(ctx context.Context, evt Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})

	tenantID := uuid.New()
	evt := NewEvent(TopicSchemaCreated, tenantID, "contact", 1)
	require.NoError(t, bus.Publish(context.Background(), evt))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, evt.ID, got[0].ID)
	mu.Unlock()
}

func TestBus_PerTenantOrdering(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	tenantID := uuid.New()
	var mu sync.Mutex
	var versions []int
	bus.Subscribe(TopicSchemaUpdatedCompatible, func(ctx context.Context, evt Event) error {
		mu.Lock()
		versions = append(versions, evt.Version)
		mu.Unlock()
		return nil
	})

	for v := 1; v <= 20; v++ {
		require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicSchemaUpdatedCompatible, tenantID, "contact", v)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 20
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range versions {
		assert.Equal(t, i+1, v, "events for one tenant must arrive in publish order")
	}
}

func TestBus_RedeliversOnHandlerError(t *testing.T) {
	bus := New(zap.NewNop(), WithMaxAttempts(3), WithRedeliveryDelay(time.Millisecond))
	defer bus.Close()

	var mu sync.Mutex
	attempts := 0
	bus.Subscribe(TopicMigrationRequested, func(ctx context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("not ready")
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicMigrationRequested, uuid.New(), "contact", 2)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, time.Second, 5*time.Millisecond)
}

func TestBus_IndependentTenantsDoNotBlockEachOther(t *testing.T) {
	bus := New(zap.NewNop())
	defer bus.Close()

	slowTenant := uuid.New()
	fastTenant := uuid.New()

	release := make(chan struct{})
	fastDone := make(chan struct{})
	bus.Subscribe(TopicSchemaCreated, func(ctx context.Context, evt Event) error {
		if evt.TenantID == slowTenant {
			<-release
			return nil
		}
		close(fastDone)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicSchemaCreated, slowTenant, "contact", 1)))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicSchemaCreated, fastTenant, "contact", 1)))

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast tenant's event was blocked behind another tenant's slow handler")
	}
	close(release)
}

func TestBus_CloseWaitsForInFlight(t *testing.T) {
	bus := New(zap.NewNop())

	var delivered bool
	var mu sync.Mutex
	bus.Subscribe(TopicSchemaMigrated, func(ctx context.Context, evt Event) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		delivered = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(TopicSchemaMigrated, uuid.New(), "contact", 2)))
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, delivered, "Close must wait for queued deliveries")
}
