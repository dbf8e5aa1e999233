// Package rawboundary implements the RawMediaBoundary (spec.md §4.1): the
// single module through which any raw-byte export for vault sealing must
// pass. It is the only caller in the kernel that holds a frame.UnsafeAccessor,
// so RawFrame bytes reach disk (via the vault writer) through exactly one
// audited call path.
package rawboundary

import (
	"errors"
	"sync"
	"time"

	"pwk/internal/frame"
	"pwk/internal/security"
)

// ErrForbiddenExport is returned for any export attempt without a valid,
// unexpired token bound to the envelope being sealed.
var ErrForbiddenExport = errors.New("rawboundary: forbidden export")

// Token is the minimal shape the boundary needs from a break-glass token.
// It is declared here so rawboundary does not import breakglass;
// internal/breakglass.Token does not have these methods, so callers pass
// their own implementation.
type Token interface {
	EnvelopeID() string
	ExpiresAt() time.Time
	Consume() error // one-shot: returns error if already consumed
}

// AlarmRecorder receives a conformance alarm for every forbidden export
// attempt. internal/kernel wires this to the sealed log's alarm counters.
type AlarmRecorder interface {
	RecordAlarm(category string)
}

// Boundary is the sole choke point for raw-byte export.
type Boundary struct {
	mu       sync.Mutex
	accessor frame.UnsafeAccessor
	alarms   AlarmRecorder
}

// New constructs the boundary. It is expected to be constructed exactly
// once per kernel instance.
func New(alarms AlarmRecorder) *Boundary {
	return &Boundary{alarms: alarms}
}

// Export yields a frame's raw bytes for vault sealing. It fails closed
// unless token is structurally valid, unexpired, and bound to envelopeID.
// On success, the frame's backing buffer is zeroized immediately after the
// bytes are handed to the vault writer — the returned copy is the last
// surviving copy of the frame's content.
func (b *Boundary) Export(f *frame.RawFrame, envelopeID string, tok Token) ([]byte, int, int, frame.PixelFormat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tok == nil || tok.EnvelopeID() != envelopeID || time.Now().After(tok.ExpiresAt()) {
		b.recordAlarm()
		return nil, 0, 0, 0, ErrForbiddenExport
	}

	data, w, h, format, err := b.accessor.Bytes(f)
	if err != nil {
		b.recordAlarm()
		return nil, 0, 0, 0, ErrForbiddenExport
	}

	// Consume before copying out: a failure to consume (already-consumed
	// token) must not disturb the frame.
	if err := tok.Consume(); err != nil {
		b.recordAlarm()
		return nil, 0, 0, 0, ErrForbiddenExport
	}

	out := make([]byte, len(data))
	copy(out, data)

	// Zeroize the frame's own buffer now that the vault writer has its copy.
	f.Release()

	return out, w, h, format, nil
}

func (b *Boundary) recordAlarm() {
	if b.alarms != nil {
		b.alarms.RecordAlarm("RawExportAttempt")
	}
}

// WipeOnReturn is a convenience for callers that receive exported bytes,
// write them to the vault, and must not let the copy linger afterward.
func WipeOnReturn(data []byte) {
	security.Wipe(data)
}
