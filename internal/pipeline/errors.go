package pipeline

import "fmt"

// SegmentFetchError reports a segment that could not be fetched.
type SegmentFetchError struct {
	Index int
	URL   string
	Err   error
}

func (e *SegmentFetchError) Error() string {
	return fmt.Sprintf("segment %d (%s): %v", e.Index, e.URL, e.Err)
}

func (e *SegmentFetchError) Unwrap() error {
	return e.Err
}

// IncompleteStreamError means results stopped arriving, or arrived out of
// bounds, before every segment was written. It indicates a bug rather than a
// network problem.
type IncompleteStreamError struct {
	Cursor int
	Count  int
	Reason string
}

func (e *IncompleteStreamError) Error() string {
	return fmt.Sprintf("incomplete stream at segment %d of %d: %s", e.Cursor, e.Count, e.Reason)
}

// SinkWriteError reports a failure writing segment Index to the sink.
// Index is -1 when closing the sink failed after all segments were written.
type SinkWriteError struct {
	Index int
	Err   error
}

func (e *SinkWriteError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("failed to complete output: %v", e.Err)
	}
	return fmt.Sprintf("failed to write segment %d: %v", e.Index, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}
