// Package frame implements the frame isolation layer (spec.md §4.1).
//
// A RawFrame owns a private byte sequence that is never exposed through any
// accessor, copy constructor, or serializer. The single path to the bytes is
// internal/rawboundary's gated vault export. Every RawFrame carries its own
// zeroization obligation: Release (or garbage collection via the finalizer)
// overwrites the backing buffer before the memory is returned to the runtime.
package frame

import (
	"crypto/sha256"
	"errors"
	"runtime"
	"sync"

	"pwk/internal/security"
)

// PixelFormat is the closed set of pixel layouts a source may produce.
type PixelFormat uint8

const (
	Rgb8 PixelFormat = iota
	Bgr8
	Gray8
)

func (f PixelFormat) String() string {
	switch f {
	case Rgb8:
		return "rgb8"
	case Bgr8:
		return "bgr8"
	case Gray8:
		return "gray8"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the stride contribution of one pixel in this format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Gray8:
		return 1
	default:
		return 3
	}
}

var (
	// ErrAlreadyReleased indicates an operation on a RawFrame whose bytes
	// have already been zeroized and returned.
	ErrAlreadyReleased = errors.New("frame: already released")
	// ErrDimensionMismatch indicates the supplied bytes do not match
	// width*height*bytes-per-pixel for the declared format.
	ErrDimensionMismatch = errors.New("frame: byte length does not match dimensions")
)

// CaptureBucket is a coarse, source-assigned time bucket (UTC-aligned,
// seconds since epoch, rounded down to the bucket boundary). No entity in
// the kernel ever carries a timestamp finer than this.
type CaptureBucket uint64

// RawFrame owns raw pixel bytes. It offers no accessor that returns them.
type RawFrame struct {
	mu          sync.Mutex
	bytes       []byte // never exported; zeroized on release
	width       int
	height      int
	format      PixelFormat
	bucket      CaptureBucket
	featureHash [32]byte
	released    bool
}

// New takes ownership of raw pixel bytes captured by a source. The caller
// must not retain any other reference to data; New does not copy it.
// featureHash is computed by the source at capture time (non-invertible,
// intentionally unstable across illumination/compression) and is the only
// value derived from the frame that survives past its lifetime.
func New(data []byte, width, height int, format PixelFormat, bucket CaptureBucket, featureHash [32]byte) (*RawFrame, error) {
	expected := width * height * format.BytesPerPixel()
	if len(data) != expected {
		return nil, ErrDimensionMismatch
	}

	f := &RawFrame{
		bytes:       data,
		width:       width,
		height:      height,
		format:      format,
		bucket:      bucket,
		featureHash: featureHash,
	}

	runtime.SetFinalizer(f, func(f *RawFrame) { f.Release() })
	return f, nil
}

// Dimensions returns the frame's width and height in pixels.
func (f *RawFrame) Dimensions() (width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.width, f.height
}

// Format returns the frame's pixel format.
func (f *RawFrame) Format() PixelFormat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format
}

// CaptureBucket returns the coarse time bucket this frame was captured in.
func (f *RawFrame) CaptureBucket() CaptureBucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bucket
}

// FeatureHash returns the non-invertible feature hash computed at capture.
// It is the only value derived from pixel content that may outlive the frame.
func (f *RawFrame) FeatureHash() [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.featureHash
}

// Released reports whether the frame's bytes have been zeroized.
func (f *RawFrame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// View returns a transient, scoped borrow for a single detector invocation.
// The returned InferenceView must not be retained past the call it is
// passed to.
func (f *RawFrame) View() (InferenceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return InferenceView{}, ErrAlreadyReleased
	}

	return InferenceView{
		width:  f.width,
		height: f.height,
		format: f.format,
		slice:  f.bytes,
	}, nil
}

// Release zeroizes the backing buffer. It is safe to call more than once
// (including from the finalizer after an explicit call) and safe to call
// on every exit path: normal return, early return, or panic unwind, since
// callers invoke it via defer immediately after construction.
func (f *RawFrame) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.released {
		return
	}
	security.Wipe(f.bytes)
	f.bytes = nil
	f.released = true
	runtime.SetFinalizer(f, nil)
}

// rawBytes is accessible only from within this package and its sibling
// internal/rawboundary via an unexported accessor function injected at
// boundary-construction time (see rawboundary.New). It deliberately
// has no exported name so `frame.RawFrame` itself never offers `Bytes()`.
func rawBytesUnsafe(f *RawFrame) ([]byte, int, int, PixelFormat, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes, f.width, f.height, f.format, f.released
}

// UnsafeAccessor is the capability token handed only to
// internal/rawboundary. Its single field is unexported, so outside this
// package only its zero value can be declared; the type is a marker for
// the one sanctioned call site, not an access check.
type UnsafeAccessor struct{ _ struct{} }

// Bytes returns the frame's raw bytes. This method exists solely so
// internal/rawboundary has a single, auditable call site for the one
// legitimate path to pixel content; RawFrame itself exposes no equivalent.
func (UnsafeAccessor) Bytes(f *RawFrame) ([]byte, int, int, PixelFormat, error) {
	data, w, h, format, released := rawBytesUnsafe(f)
	if released {
		return nil, 0, 0, 0, ErrAlreadyReleased
	}
	return data, w, h, format, nil
}

// FeatureHashOf recomputes a domain-separated content fingerprint, used by
// internal/rawboundary to bind an export to the envelope it was requested
// for without ever returning the fingerprint input.
func FeatureHashOf(f *RawFrame) [32]byte {
	fh := f.FeatureHash()
	return sha256.Sum256(append([]byte("pwk:feature-rebind:v1"), fh[:]...))
}
