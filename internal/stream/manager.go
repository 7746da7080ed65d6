package stream

import "sync"

// ManagerEvent is emitted by Manager as it drains buffered content and
// thinking text through the fence detector. It is the channel-based
// analogue of the Python implementation's direct UI callbacks.
type ManagerEvent struct {
	// Thinking is true when Text/Kind pertain to the thinking channel
	// rather than the content channel.
	Thinking bool
	Event    Event
}

// Manager multiplexes the content and thinking deltas of a single
// streaming turn: each channel is rate-limited through its own
// ChunkBuffer, content text is fed through a FenceDetector to recognize
// code blocks and <think> tags, and resulting events are published on a
// single ordered channel for a consumer (typically the TUI) to apply.
//
// A Manager is single-turn: call NewManager per assistant turn, feed it
// via OnChunk/OnThinkingChunk as deltas arrive, and call Finalize once the
// provider stream ends (or Pause/Resume around a code-block pause).
type Manager struct {
	mu       sync.Mutex
	events   chan ManagerEvent
	detector *FenceDetector

	contentBuf  *ChunkBuffer
	thinkingBuf *ChunkBuffer

	paused   bool
	onPause  func()
	finalize sync.Once
}

// NewManager returns a Manager that pauses after each code block closes
// (pauseAfterCode=true is the terminal's normal operating mode; the agent
// coordinator passes its turn's cancel function as onPause, so a pause ends
// the turn and the Manager is not resumed).
// onPause is invoked (from the draining goroutine) the moment a pause
// occurs, so the caller can stop awaiting further provider deltas.
func NewManager(onPause func()) *Manager {
	m := &Manager{
		events:   make(chan ManagerEvent, 256),
		detector: NewFenceDetector(true),
		onPause:  onPause,
	}
	m.contentBuf = NewChunkBuffer(m.drainContent, 0)
	m.thinkingBuf = NewChunkBuffer(m.drainThinking, 0)
	return m
}

// Events returns the channel events are published on. The caller should
// range over it until it is closed (after Finalize completes draining).
func (m *Manager) Events() <-chan ManagerEvent { return m.events }

// OnChunk appends a content delta from the provider stream.
func (m *Manager) OnChunk(text string) {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return
	}
	m.contentBuf.Append(text)
}

// OnThinkingChunk appends a thinking/reasoning delta from the provider
// stream. Thinking text bypasses the fence detector entirely: it is never
// code, and <think> boundaries are signaled by the provider's event type,
// not by tag parsing.
func (m *Manager) OnThinkingChunk(text string) {
	m.thinkingBuf.Append(text)
}

func (m *Manager) drainContent(text string) {
	events := m.detector.Feed(text)
	for _, e := range events {
		m.events <- ManagerEvent{Event: e}
		if e.Kind == EventPaused {
			m.mu.Lock()
			m.paused = true
			m.mu.Unlock()
			if m.onPause != nil {
				m.onPause()
			}
		}
	}
}

func (m *Manager) drainThinking(text string) {
	m.events <- ManagerEvent{Thinking: true, Event: Event{Kind: EventText, Text: text}}
}

// IsPaused reports whether the underlying fence detector is paused after a
// code block close.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Resume clears the pause, discarding same-line trailing text up to the
// next newline (per the documented truncate-on-pause behavior) and
// replaying any remainder after it. The provider task that produced the
// paused stream has already been cancelled by the caller; Resume only
// restores the detector to a feedable state for a subsequent call, it
// does not itself request more provider output.
func (m *Manager) Resume(bufferedRemainder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remainder := m.detector.AbsorbRemainderUntilNewline(bufferedRemainder)
	m.detector.Resume()
	m.paused = false
	if remainder != "" {
		m.contentBuf.Append(remainder)
	}
}

// Finalize flushes both buffers synchronously and closes the event
// channel. If the manager is currently paused, the code block and
// detector are left open (unfinalized) since the stream was interrupted
// mid-block; only the thinking buffer is guaranteed flushed.
func (m *Manager) Finalize() {
	m.finalize.Do(func() {
		m.thinkingBuf.FlushSync()
		m.mu.Lock()
		paused := m.paused
		m.mu.Unlock()
		if !paused {
			m.contentBuf.FlushSync()
		}
		close(m.events)
	})
}
