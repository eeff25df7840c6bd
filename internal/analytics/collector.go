package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ambegh/Living-labs/internal/ranker"
	"github.com/ambegh/Living-labs/pkg/kafka"
	"github.com/ambegh/Living-labs/pkg/logger"
)

// Publisher is the slice of *kafka.Producer the collector needs.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector buffers rank events and publishes them in batches, either when
// the buffer reaches batchSize or every flushInterval.
type Collector struct {
	publisher     Publisher
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

func NewCollector(publisher Publisher, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "analytics-collector"),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the periodic flush loop. It runs until ctx is cancelled
// or Close is called, then flushes whatever is left.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				c.finalFlush()
				return
			case <-c.stop:
				c.finalFlush()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started",
		"batch_size", c.batchSize, "flush_interval", c.flushInterval)
}

// ObserveRank implements ranker.Observer.
func (c *Collector) ObserveRank(ctx context.Context, res *ranker.Result) {
	c.Track(NewRankEvent(res, logger.RequestID(ctx)))
}

// Track buffers one event; a full buffer triggers an asynchronous flush.
func (c *Collector) Track(event RankEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: event.key(), Value: event})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		go c.flush(context.Background())
	}
}

func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Close stops the flush loop and waits for the final flush. Start must
// have been called.
func (c *Collector) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Collector) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.flush(ctx)
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("rank event flush failed", "batch_size", len(batch), "error", err)
		// Requeue, keeping at most three batches.
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if limit := c.batchSize * 3; len(c.buffer) > limit {
			c.logger.Warn("rank event buffer overflow, events dropped", "dropped", len(c.buffer)-limit)
			c.buffer = c.buffer[:limit]
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("rank events flushed", "events", len(batch))
}
