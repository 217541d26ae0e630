package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huntaze/ai-governor/internal/config"
	"github.com/huntaze/ai-governor/pkg/cache"
	"github.com/huntaze/ai-governor/pkg/events"
	"go.uber.org/zap"
)

// DeliveryTask is one pending webhook delivery.
type DeliveryTask struct {
	EventID    string
	Event      events.Event
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
}

// Service subscribes to governance events and delivers them to the
// configured webhook, with bounded retries and Redis-backed dedupe so
// a redelivered event is sent at most once per 24 hours.
type Service struct {
	config  config.NotificationsConfig
	cache   *cache.Cache
	bus     *events.Bus
	webhook *WebhookAdapter
	logger  *zap.Logger

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewService creates the notification service. A disabled config
// yields a service whose Start is a no-op.
func NewService(cfg config.NotificationsConfig, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Service {
	s := &Service{
		config:   cfg,
		cache:    c,
		bus:      bus,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	if cfg.Enabled {
		s.webhook = NewWebhookAdapter(cfg.WebhookURL, cfg.WebhookSecret, cfg.DeliveryTimeout, logger)
		s.retryQueue = make(chan *DeliveryTask, cfg.RetryQueueSize)
	}
	return s
}

// Start subscribes to events and launches the retry workers.
func (s *Service) Start() {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled")
		return
	}

	for _, eventType := range []events.EventType{
		events.EventQuotaThresholdReached,
		events.EventQuotaExceeded,
		events.EventRateAnomalyDetected,
	} {
		s.bus.Subscribe(eventType, s.handleEvent)
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(i)
	}

	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
		zap.Int("max_retries", s.config.MaxRetries),
	)
}

// Stop drains the workers.
func (s *Service) Stop() {
	if !s.config.Enabled {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	task := &DeliveryTask{
		EventID:    event.ID,
		Event:      event,
		MaxRetries: s.config.MaxRetries,
		CreatedAt:  time.Now(),
	}

	if err := s.deliver(ctx, task); err != nil {
		s.logger.Error("delivery failed, enqueuing for retry",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		s.enqueueRetry(task)
	}

	s.markProcessed(ctx, event.ID)
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := s.webhook.Send(ctx, task.Event); err != nil {
		return err
	}

	s.logger.Info("notification delivered",
		zap.String("event_id", task.EventID),
		zap.String("event_type", string(task.Event.Type)),
		zap.Int("retry_count", task.RetryCount),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	select {
	case s.retryQueue <- task:
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("event_id", task.EventID),
		)
	}
}

func (s *Service) retryWorker(workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return

		case task := <-s.retryQueue:
			if task.RetryCount > task.MaxRetries {
				s.logger.Error("max retries exceeded, giving up",
					zap.String("event_id", task.EventID),
					zap.Int("retry_count", task.RetryCount),
				)
				continue
			}

			select {
			case <-s.stopChan:
				return
			case <-time.After(s.backoff(task.RetryCount)):
			}

			if err := s.deliver(context.Background(), task); err != nil {
				s.logger.Warn("retry failed, re-enqueuing",
					zap.String("event_id", task.EventID),
					zap.Int("retry_count", task.RetryCount),
					zap.Int("worker_id", workerID),
					zap.Error(err),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff doubles per attempt, capped at five minutes.
func (s *Service) backoff(retryCount int) time.Duration {
	d := s.config.RetryBackoff * time.Duration(1<<uint(retryCount))
	if max := 5 * time.Minute; d > max {
		d = max
	}
	return d
}

func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	exists, err := s.cache.Exists(ctx, processedKey(eventID))
	if err != nil {
		s.logger.Error("failed to check duplicate", zap.Error(err))
		return false
	}
	return exists
}

func (s *Service) markProcessed(ctx context.Context, eventID string) {
	if err := s.cache.Set(ctx, processedKey(eventID), "1", 24*time.Hour); err != nil {
		s.logger.Error("failed to mark event as processed", zap.Error(err))
	}
}

func processedKey(eventID string) string {
	return fmt.Sprintf("notification:processed:%s", eventID)
}
