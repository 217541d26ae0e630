package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	var got []string
	for _, name := range []string{"first", "second"} {
		name := name
		bus.Subscribe(EventQuotaExceeded, func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+e.TenantID)
			return nil
		})
	}

	bus.Publish(context.Background(), NewEvent(EventQuotaExceeded, "tenant-1", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"first:tenant-1", "second:tenant-1"}, got)
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())

	done := make(chan struct{})
	bus.Subscribe(EventRateAnomalyDetected, func(context.Context, Event) error {
		panic("boom")
	})
	bus.Subscribe(EventRateAnomalyDetected, func(context.Context, Event) error {
		close(done)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventRateAnomalyDetected, "tenant-1", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("surviving handler never ran")
	}
}

func TestPublishAndWaitReturnsHandlerError(t *testing.T) {
	bus := NewBus(zap.NewNop())

	wantErr := errors.New("delivery failed")
	bus.Subscribe(EventTenantDeleted, func(context.Context, Event) error {
		return wantErr
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventTenantDeleted, "tenant-1", nil))
	assert.ErrorIs(t, err, wantErr)
}

func TestUnsubscribeRemovesHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	called := false
	bus.Subscribe(EventQuotaThresholdReached, func(context.Context, Event) error {
		called = true
		return nil
	})
	bus.Unsubscribe(EventQuotaThresholdReached)

	require.NoError(t, bus.PublishAndWait(context.Background(), NewEvent(EventQuotaThresholdReached, "tenant-1", nil)))
	assert.False(t, called)
}
