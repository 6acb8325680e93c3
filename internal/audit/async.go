// ABOUTME: Non-blocking sink wrapper with a bounded buffer and drop counter.
// ABOUTME: Losing a record never fails the caller's request, but is counted.

package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// AsyncSink decouples record production from storage. Records are handed to
// the wrapped sink on a drain goroutine; when the buffer is full the record
// is dropped and counted instead of blocking the pipeline.
type AsyncSink struct {
	inner   Sink
	ch      chan Record
	dropped atomic.Int64
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncSink wraps inner with a buffer of the given size.
func NewAsyncSink(inner Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		inner:  inner,
		ch:     make(chan Record, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Record implements Sink. It never blocks.
func (s *AsyncSink) Record(rec Record) {
	select {
	case s.ch <- rec:
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			s.logger.Warn("audit buffer full, dropping records", "dropped_total", n)
		}
	}
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for rec := range s.ch {
		s.inner.Record(rec)
	}
}

// Dropped returns how many records were lost to buffer pressure.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered records and stops the drain goroutine.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
}
