package main

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transfer event phases.
const (
	PhaseStart     = "start"
	PhaseProgress  = "progress"
	PhaseComplete  = "complete"
	PhaseError     = "error"
	PhaseCancelled = "cancelled"
)

// JobEvent is one progress or lifecycle notification for a transfer job.
// Byte progress is monotonically increasing within a job.
type JobEvent struct {
	JobID       JobID  `json:"jobId"`
	Kind        string `json:"kind"`
	Phase       string `json:"phase"`
	Path        string `json:"path"`
	Transferred int64  `json:"transferred"`
	Total       int64  `json:"total"`
	BytesPerSec int64  `json:"bytesPerSec,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EventBus fans job events out to any number of subscribers, so any front
// end (CLI, GUI, remote API) can observe transfer progress. Slow consumers
// drop events rather than stalling transfers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan JobEvent
	nextID      int
	closed      bool
	logger      *zap.Logger
}

// NewEventBus creates an event bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan JobEvent),
		logger:      logger,
	}
}

// Subscribe registers a consumer. The returned cancel function removes the
// subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan JobEvent)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan JobEvent, buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *EventBus) Publish(ev JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; progress events are periodic so
			// dropping one loses nothing of substance.
		}
	}
}

// Close implements the Cleanup interface for EventBus
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	return nil
}

// progressFunc receives throttled byte-progress updates.
type progressFunc func(transferred, total, bytesPerSec int64)

// progressReader wraps an io.Reader, checks for cancellation before every
// chunk, and periodically reports transfer progress.
type progressReader struct {
	reader      io.Reader
	ctx         context.Context
	totalBytes  int64
	readBytes   int64
	lastEmitted time.Time
	startTime   time.Time
	emit        progressFunc
}

func newProgressReader(ctx context.Context, reader io.Reader, totalBytes int64, emit progressFunc) *progressReader {
	return &progressReader{
		reader:     reader,
		ctx:        ctx,
		totalBytes: totalBytes,
		startTime:  time.Now(),
		emit:       emit,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	// Check for cancellation before reading
	if pr.ctx.Err() != nil {
		return 0, ErrTransferCancelled
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.readBytes += int64(n)
		now := time.Now()
		if pr.readBytes == pr.totalBytes || now.Sub(pr.lastEmitted) >= progressEmitInterval {
			pr.emit(pr.readBytes, pr.totalBytes, bytesPerSec(pr.readBytes, pr.startTime))
			pr.lastEmitted = now
		}
	}
	return n, err
}

// progressWriter wraps an io.Writer, checks for cancellation before every
// chunk, and periodically reports transfer progress.
type progressWriter struct {
	writer       io.Writer
	ctx          context.Context
	totalBytes   int64
	writtenBytes int64
	lastEmitted  time.Time
	startTime    time.Time
	emit         progressFunc
}

func newProgressWriter(ctx context.Context, writer io.Writer, totalBytes int64, emit progressFunc) *progressWriter {
	return &progressWriter{
		writer:     writer,
		ctx:        ctx,
		totalBytes: totalBytes,
		startTime:  time.Now(),
		emit:       emit,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	// Check for cancellation before writing
	if pw.ctx.Err() != nil {
		return 0, ErrTransferCancelled
	}

	n, err := pw.writer.Write(p)
	if n > 0 {
		pw.writtenBytes += int64(n)
		now := time.Now()
		if pw.writtenBytes == pw.totalBytes || now.Sub(pw.lastEmitted) >= progressEmitInterval {
			pw.emit(pw.writtenBytes, pw.totalBytes, bytesPerSec(pw.writtenBytes, pw.startTime))
			pw.lastEmitted = now
		}
	}
	return n, err
}

// bytesPerSec computes the average transfer speed since start.
func bytesPerSec(transferred int64, start time.Time) int64 {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(transferred) / elapsed)
}
