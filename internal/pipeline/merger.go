package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

type mergeState int

const (
	stateWaiting mergeState = iota
	stateDraining
	stateComplete
	stateFailed
)

func (s mergeState) String() string {
	switch s {
	case stateWaiting:
		return "waiting"
	case stateDraining:
		return "draining"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("mergeState(%d)", int(s))
	}
}

// merger writes results to the sink in sequence order. It is the only owner
// of cursor and pending and runs on a single goroutine.
type merger struct {
	sink     Sink
	total    int
	cursor   int
	pending  map[int]Result
	state    mergeState
	release  func()
	reporter Reporter
	logger   *slog.Logger
}

func newMerger(sink Sink, total int, release func(), reporter Reporter, logger *slog.Logger) *merger {
	return &merger{
		sink:     sink,
		total:    total,
		pending:  make(map[int]Result),
		state:    stateWaiting,
		release:  release,
		reporter: reporter,
		logger:   logger,
	}
}

// consume reads results until every segment is written, a failure reaches
// the cursor, the channel closes early, or ctx is canceled.
func (m *merger) consume(ctx context.Context, results <-chan Result) error {
	for m.cursor < m.total {
		select {
		case res, ok := <-results:
			if !ok {
				m.state = stateDraining
				return m.fail(&IncompleteStreamError{
					Cursor: m.cursor,
					Count:  m.total,
					Reason: "fetcher finished early",
				})
			}
			if err := m.accept(res); err != nil {
				return m.fail(err)
			}
		case <-ctx.Done():
			return m.fail(ctx.Err())
		}
	}

	return m.complete()
}

// accept handles one result. Results ahead of the cursor are parked; the
// result at the cursor is written together with any run of parked results
// that directly follows it.
func (m *merger) accept(res Result) error {
	if res.Index < m.cursor || res.Index >= m.total {
		return &IncompleteStreamError{
			Cursor: m.cursor,
			Count:  m.total,
			Reason: fmt.Sprintf("unexpected result for segment %d", res.Index),
		}
	}
	if _, dup := m.pending[res.Index]; dup {
		return &IncompleteStreamError{
			Cursor: m.cursor,
			Count:  m.total,
			Reason: fmt.Sprintf("duplicate result for segment %d", res.Index),
		}
	}

	if res.Index > m.cursor {
		m.pending[res.Index] = res
		m.reporter.Buffered(len(m.pending))
		return nil
	}

	for {
		if res.Err != nil {
			return res.Err
		}
		if err := m.write(res); err != nil {
			return err
		}

		next, ok := m.pending[m.cursor]
		if !ok {
			break
		}
		delete(m.pending, m.cursor)
		res = next
	}

	m.reporter.Buffered(len(m.pending))
	return nil
}

func (m *merger) write(res Result) error {
	n, err := m.sink.Write(res.Data)
	if err != nil {
		return &SinkWriteError{Index: res.Index, Err: err}
	}

	m.release()
	m.cursor++
	m.reporter.Written(n)
	return nil
}

func (m *merger) complete() error {
	m.pending = nil
	if err := m.sink.Close(); err != nil {
		return m.fail(&SinkWriteError{Index: -1, Err: err})
	}

	m.state = stateComplete
	m.logger.Debug("merge complete", "segments", m.total)
	return nil
}

func (m *merger) fail(err error) error {
	m.state = stateFailed
	m.logger.Debug("merge failed", "cursor", m.cursor, "buffered", len(m.pending), "error", err)
	return err
}
