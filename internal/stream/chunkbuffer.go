package stream

import (
	"strings"
	"sync"
	"time"
)

// minDrainInterval bounds how often a ChunkBuffer will drain to its
// schedule function, protecting a slow terminal renderer from a fast
// provider stream.
const minDrainInterval = time.Second / 30

// ChunkBuffer accumulates appended text and hands it to a drain function at
// most once per minDrainInterval, coalescing bursts of small deltas into
// fewer, larger renders. It mirrors a frame-rate limiter: appends between
// drains are free, but a drain is scheduled (immediately or after a short
// delay) rather than happening synchronously on every append.
type ChunkBuffer struct {
	mu            sync.Mutex
	pendingText   strings.Builder
	lastDrainTime time.Time
	timer         *time.Timer
	minInterval   time.Duration

	// drain receives the accumulated text and should render/forward it.
	drain func(string)
}

// NewChunkBuffer returns a buffer that calls drain with coalesced text no
// more often than minInterval. A minInterval <= 0 defaults to 1/30s.
func NewChunkBuffer(drain func(string), minInterval time.Duration) *ChunkBuffer {
	if minInterval <= 0 {
		minInterval = minDrainInterval
	}
	return &ChunkBuffer{drain: drain, minInterval: minInterval}
}

// Append adds text to the buffer and schedules a drain.
func (b *ChunkBuffer) Append(text string) {
	b.mu.Lock()
	b.pendingText.WriteString(text)
	b.scheduleLocked()
	b.mu.Unlock()
}

// Pending reports whether there is unflushed text in the buffer.
func (b *ChunkBuffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingText.Len() > 0
}

func (b *ChunkBuffer) scheduleLocked() {
	if b.timer != nil {
		return
	}
	elapsed := time.Since(b.lastDrainTime)
	if b.lastDrainTime.IsZero() || elapsed >= b.minInterval {
		go b.flush()
		return
	}
	delay := b.minInterval - elapsed
	b.timer = time.AfterFunc(delay, b.flush)
}

// flush is the scheduled drain; it may run on its own goroutine (via
// time.AfterFunc or the immediate-drain goroutine spawned by
// scheduleLocked).
func (b *ChunkBuffer) flush() {
	b.mu.Lock()
	b.timer = nil
	if b.pendingText.Len() == 0 {
		b.mu.Unlock()
		return
	}
	text := b.pendingText.String()
	b.pendingText.Reset()
	b.lastDrainTime = time.Now()
	b.mu.Unlock()

	b.drain(text)
}

// FlushSync drains any pending text synchronously on the calling
// goroutine, bypassing the rate limit. Used on finalize, where the caller
// needs a guarantee that no text remains buffered once the call returns.
func (b *ChunkBuffer) FlushSync() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pendingText.Len() == 0 {
		b.mu.Unlock()
		return
	}
	text := b.pendingText.String()
	b.pendingText.Reset()
	b.lastDrainTime = time.Now()
	b.mu.Unlock()

	b.drain(text)
}
