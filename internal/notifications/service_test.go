package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type receivedWebhook struct {
	payload   WebhookPayload
	signature string
	body      []byte
}

type webhookSink struct {
	mu       sync.Mutex
	received []receivedWebhook
	failNext int
}

func (s *webhookSink) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var payload WebhookPayload
	_ = json.Unmarshal(body, &payload)
	s.received = append(s.received, receivedWebhook{
		payload:   payload,
		signature: r.Header.Get("X-Governor-Signature"),
		body:      body,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func setupService(t *testing.T, url string) (*Service, *events.Bus, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	bus := events.NewBus(zap.NewNop())
	svc := NewService(config.NotificationsConfig{
		Enabled:         true,
		WebhookURL:      url,
		WebhookSecret:   "test-secret",
		DeliveryTimeout: 2 * time.Second,
		MaxRetries:      3,
		RetryWorkers:    1,
		RetryQueueSize:  16,
		RetryBackoff:    5 * time.Millisecond,
	}, c, bus, zap.NewNop())
	svc.Start()

	return svc, bus, func() {
		svc.Stop()
		c.Close()
		mr.Close()
	}
}

func TestDeliversSignedWebhook(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	_, bus, cleanup := setupService(t, server.URL)
	defer cleanup()

	bus.Publish(context.Background(), events.NewEvent(
		events.EventQuotaThresholdReached, "tenant-1",
		map[string]interface{}{"threshold_percent": 80},
	))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	got := sink.received[0]
	assert.Equal(t, "quota.threshold_reached", got.payload.EventType)
	assert.Equal(t, "tenant-1", got.payload.TenantID)
	assert.True(t, VerifySignature(got.body, got.signature, "test-secret"))
}

func TestRetriesFailedDelivery(t *testing.T) {
	sink := &webhookSink{failNext: 2}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	_, bus, cleanup := setupService(t, server.URL)
	defer cleanup()

	bus.Publish(context.Background(), events.NewEvent(
		events.EventRateAnomalyDetected, "tenant-1",
		map[string]interface{}{"request_count": 30},
	))

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeduplicatesRedeliveredEvents(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	svc, _, cleanup := setupService(t, server.URL)
	defer cleanup()

	event := events.NewEvent(events.EventQuotaExceeded, "tenant-1", nil)
	require.NoError(t, svc.handleEvent(context.Background(), event))
	require.NoError(t, svc.handleEvent(context.Background(), event))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}
