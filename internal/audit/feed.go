package audit

/*
Файл feed.go реализует живую ленту аудита для дашбордов.

Ledger пишется синхронно и остается источником правды. Уже записанное событие
дополнительно кладется в неблокирующий буфер и пачками публикуется в Redis.
- Non-blocking: Publish никогда не задерживает ответ шлюза. При переполнении
  буфера событие теряется только для ленты (Load Shedding), в ledger оно уже есть.
- Batching: сброс по таймеру или при достижении размера пачки.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер вычитает остатки.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultFeedBuffer   = 10000
	defaultFeedBatch    = 100
	defaultFeedInterval = 500 * time.Millisecond
)

// FeedSink определяет, куда физически уходит пачка событий
type FeedSink interface {
	WriteBatch(ctx context.Context, events []domain.AuditEvent) error
}

// FeedStats наблюдатель заполненности буфера и потерь (метрики)
type FeedStats interface {
	FeedQueued(n int)
	FeedDropped()
}

type FeedOption func(*Feed)

func WithFeedBuffer(size int) FeedOption {
	return func(f *Feed) {
		if size > 0 {
			f.bufferSize = size
		}
	}
}

func WithFeedInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.interval = d
		}
	}
}

func WithFeedStats(s FeedStats) FeedOption {
	return func(f *Feed) { f.stats = s }
}

type Feed struct {
	ch         chan domain.AuditEvent
	sink       FeedSink
	logger     *zap.Logger
	wg         sync.WaitGroup
	bufferSize int
	interval   time.Duration
	stats      FeedStats

	// mu: Publish держит RLock на время отправки, Stop берет Lock перед close(ch)
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

func NewFeed(sink FeedSink, logger *zap.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		sink:       sink,
		logger:     logger.With(zap.String("mod", "audit-feed")),
		bufferSize: defaultFeedBuffer,
		interval:   defaultFeedInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.ch = make(chan domain.AuditEvent, f.bufferSize)
	return f
}

func (f *Feed) Start() {
	f.wg.Add(1)
	go f.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.logger.Info("stopping feed: closing channel and flushing buffer...")
		close(f.ch)
		f.mu.Unlock()

		f.wg.Wait()
		f.logger.Info("feed stopped gracefully")
	})
}

// Publish кладет уже записанное событие в буфер
func (f *Feed) Publish(ev domain.AuditEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.logger.Warn("feed event dropped: feed is stopping", zap.String("session_id", ev.SessionID))
		return
	}

	select {
	case f.ch <- ev:
		if f.stats != nil {
			f.stats.FeedQueued(len(f.ch))
		}
	default:
		f.logger.Warn("audit_feed_overflow",
			zap.String("session_id", ev.SessionID),
			zap.String("event_type", string(ev.EventType)),
		)
		if f.stats != nil {
			f.stats.FeedDropped()
		}
	}
}

func (f *Feed) worker() {
	defer f.wg.Done()

	batch := make([]domain.AuditEvent, 0, defaultFeedBatch)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: на Stop основной контекст уже может быть закрыт
		if err := f.sink.WriteBatch(context.Background(), batch); err != nil {
			f.logger.Error("feed flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-f.ch:
			if !ok {
				flush() // Финальный сброс
				f.logger.Info("feed worker finished")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= defaultFeedBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// RedisFeedSink публикует пачку в канал Pub/Sub одним pipeline
type RedisFeedSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisFeedSink(rdb *redis.Client, channel string) *RedisFeedSink {
	return &RedisFeedSink{rdb: rdb, channel: channel}
}

func (s *RedisFeedSink) WriteBatch(ctx context.Context, events []domain.AuditEvent) error {
	pipe := s.rdb.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("feed: marshal event: %w", err)
		}
		pipe.Publish(ctx, s.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed: publish batch: %w", err)
	}
	return nil
}

// FeedingLedger пропускает запись в ledger и после успешной записи отдает событие в ленту
type FeedingLedger struct {
	Ledger
	feed *Feed
}

func WithFeed(l Ledger, f *Feed) *FeedingLedger {
	return &FeedingLedger{Ledger: l, feed: f}
}

func (l *FeedingLedger) LogEvent(ctx context.Context, rec EventRecord) (domain.AuditEvent, error) {
	ev, err := l.Ledger.LogEvent(ctx, rec)
	if err != nil {
		return ev, err
	}
	l.feed.Publish(ev)
	return ev, nil
}
