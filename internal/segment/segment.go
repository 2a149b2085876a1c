// Package segment defines data structures for HLS media segments.
package segment

import "fmt"

// Segment represents a single HLS media segment to be fetched.
type Segment struct {
	// URL is the absolute segment URL, resolved against the media playlist URL
	URL string

	// Duration is the segment duration in seconds (zero for init sections)
	Duration float64

	// Sequence is the position in the download order, starting at 0.
	// It defines the order in which segment bytes are merged.
	Sequence int

	// Range restricts the fetch to a sub-range of the resource.
	// A zero Range means the whole resource.
	Range ByteRange
}

// ByteRange is an EXT-X-BYTERANGE style sub-range of a resource.
type ByteRange struct {
	Offset int64
	Length int64
}

// IsZero reports whether the range covers the whole resource.
func (r ByteRange) IsZero() bool {
	return r.Length == 0
}

// Header returns the value for an HTTP Range header.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}
