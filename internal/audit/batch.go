package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrBufferFull is returned by BatchSink.SendEvent when the buffer is full
// and the event was dropped.
var ErrBufferFull = errors.New("audit buffer full, event dropped")

// BatchWriter persists a batch of events. Implemented by the SQL store and
// the ClickHouse writer. The slice is reused after WriteBatch returns.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// BatchConfig tunes a BatchSink. Zero values take the defaults below.
type BatchConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	DrainTimeout  time.Duration
	// OnError is called for every failed batch write.
	OnError func(err error)
}

const (
	defaultBufferSize    = 10_000
	defaultBatchSize     = 500
	defaultFlushInterval = 200 * time.Millisecond
	defaultWriteTimeout  = 5 * time.Second
	defaultDrainTimeout  = 2 * time.Second
)

func (c BatchConfig) withDefaults() BatchConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	return c
}

// BatchSink buffers events and writes them in batches from a background
// goroutine. SendEvent never blocks.
type BatchSink struct {
	name    string
	w       BatchWriter
	cfg     BatchConfig
	buffer  chan Event
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewBatchSink starts the flush loop for w.
func NewBatchSink(name string, w BatchWriter, cfg BatchConfig, logger *slog.Logger) *BatchSink {
	cfg = cfg.withDefaults()
	s := &BatchSink{
		name:    name,
		w:       w,
		cfg:     cfg,
		buffer:  make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go s.flushLoop()
	return s
}

func (s *BatchSink) Name() string { return s.name }

// SendEvent queues ev, dropping it when the buffer is full.
func (s *BatchSink) SendEvent(ev Event) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.buffer <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close drains the buffer, flushes what remains and closes the writer when
// it is an io.Closer.
func (s *BatchSink) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.flushed
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *BatchSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.cfg.BatchSize)
	for {
		select {
		case ev := <-s.buffer:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			deadline := time.After(s.cfg.DrainTimeout)
		drain:
			for {
				select {
				case ev := <-s.buffer:
					batch = append(batch, ev)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *BatchSink) flush(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.w.WriteBatch(ctx, events); err != nil {
		s.logger.Error("audit batch write failed",
			slog.String("sink", s.name),
			slog.Int("batch_size", len(events)),
			slog.String("error", err.Error()),
		)
		if s.cfg.OnError != nil {
			s.cfg.OnError(err)
		}
	}
}
