package frame

import (
	"sync"
	"time"
)

// Default ring buffer caps (spec.md §3): at most 30 seconds and at most 300
// frames, whichever is smaller for a given source frame rate. These are
// build-time-fixed; a deployment does not get to raise them past this
// ceiling, only lower it via config.
const (
	MaxBufferSeconds = 30
	MaxBufferFrames  = 300
)

// Buffer is a bounded ring of RawFrames. On overflow Push drops and
// zeroizes the incoming frame, while PushEvictOldest evicts and zeroizes
// the oldest one; either way the frame is released immediately, never
// left for the garbage collector.
// Read access is restricted to the inference dispatcher and the vault
// export path (see internal/rawboundary) by virtue of this package not
// exporting any other way to reach a held frame's bytes.
type Buffer struct {
	mu       sync.Mutex
	frames   []*RawFrame
	maxLen   int
	dropped  uint64
	onEvict  func(*RawFrame)
}

// NewBuffer creates a ring buffer capped at maxFrames, clamped to
// [1, MaxBufferFrames]. onEvict, if non-nil, is called (after the evicted
// frame has already been released) for health-metric bookkeeping.
func NewBuffer(maxFrames int, onEvict func(*RawFrame)) *Buffer {
	if maxFrames <= 0 || maxFrames > MaxBufferFrames {
		maxFrames = MaxBufferFrames
	}
	return &Buffer{
		maxLen:  maxFrames,
		onEvict: onEvict,
	}
}

// Push inserts a new frame. If the buffer is full, the new frame is
// rejected (backpressure, not eviction of the oldest frame) per spec.md
// §5: "the source drops the new frame and zeroizes it (never blocks the
// pipeline)". Ok is false when the frame was dropped.
func (b *Buffer) Push(f *RawFrame) (ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.maxLen {
		b.dropped++
		f.Release()
		return false
	}

	b.frames = append(b.frames, f)
	return true
}

// PushEvictOldest inserts a new frame, evicting and zeroizing the oldest
// frame if the buffer is full. Used by sources that prefer "most recent N
// frames" semantics instead of drop-newest backpressure; both are valid
// readings of spec.md §3's "on overflow, oldest frame is dropped."
func (b *Buffer) PushEvictOldest(f *RawFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.maxLen {
		evicted := b.frames[0]
		b.frames = b.frames[1:]
		evicted.Release()
		if b.onEvict != nil {
			b.onEvict(evicted)
		}
	}
	b.frames = append(b.frames, f)
}

// Len returns the current number of held frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// DroppedCount returns the number of frames dropped due to backpressure.
// Exposed as a health metric per spec.md §5.
func (b *Buffer) DroppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Latest returns the most recently pushed frame, or nil if empty. The
// returned pointer must not be retained past the caller's immediate use;
// the buffer may release it on the next eviction.
func (b *Buffer) Latest() *RawFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// WithinWindow returns the subset of held frames whose capture bucket falls
// within [since, now], used by the vault-trigger path to gather pre-roll
// context for a break-glass export.
func (b *Buffer) WithinWindow(since, now CaptureBucket) []*RawFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*RawFrame, 0, len(b.frames))
	for _, f := range b.frames {
		fb := f.CaptureBucket()
		if fb >= since && fb <= now {
			out = append(out, f)
		}
	}
	return out
}

// Close releases and zeroizes every held frame. Safe to call more than
// once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		f.Release()
	}
	b.frames = nil
}

// MaxWindow returns the effective time window covered by the buffer given
// a source frame rate, clamped to MaxBufferSeconds.
func MaxWindow(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	seconds := float64(MaxBufferFrames) / fps
	if seconds > MaxBufferSeconds {
		seconds = MaxBufferSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}
