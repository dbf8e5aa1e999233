package frame

// InferenceView is a transient, read-only borrow over a RawFrame's pixel
// bytes, scoped to a single detector invocation (spec.md §4.1). It is a
// value type deliberately free of any method whose output linearly encodes
// pixel content beyond the scoped slice itself: no Clone, no serializer, no
// accessor that survives the call it was passed to.
type InferenceView struct {
	width  int
	height int
	format PixelFormat
	slice  []byte
}

// Dimensions returns the view's width and height in pixels.
func (v InferenceView) Dimensions() (width, height int) {
	return v.width, v.height
}

// Format returns the view's pixel format.
func (v InferenceView) Format() PixelFormat {
	return v.format
}

// Slice returns the read-only pixel bytes for the scope of the current
// call. Detector implementations must not store the returned slice beyond
// their detect() invocation; the registry (internal/detector) enforces this
// is the only way a backend can reach pixel data.
func (v InferenceView) Slice() []byte {
	return v.slice
}

// Len returns the number of bytes in the view.
func (v InferenceView) Len() int {
	return len(v.slice)
}
