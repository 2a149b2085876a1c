// Package pipeline downloads an ordered list of segments with bounded
// concurrency and writes them to a sink strictly in sequence order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsmerge/internal/progress"
	"github.com/agleyzer/hlsmerge/internal/segment"
)

// DefaultConcurrency is the number of parallel segment fetches.
const DefaultConcurrency = 8

// Fetcher reads a whole segment, or a byte range of it.
// It must be safe for concurrent use.
type Fetcher interface {
	ReadAll(ctx context.Context, url string, r segment.ByteRange) ([]byte, error)
}

// Sink receives the merged stream.
type Sink interface {
	// Write accepts the next bytes of the stream.
	Write(p []byte) (int, error)
	// Close flushes and finalizes the output. Called once, after the last write.
	Close() error
	// Abort discards partial output after a failure. Called instead of Close.
	Abort() error
}

// Reporter observes a run.
type Reporter interface {
	Start(total int)
	Buffered(n int)
	Written(n int)
	Finish(err error)
}

// Reporters fans out to several reporters.
type Reporters []Reporter

func (rs Reporters) Start(total int) {
	for _, r := range rs {
		r.Start(total)
	}
}

func (rs Reporters) Buffered(n int) {
	for _, r := range rs {
		r.Buffered(n)
	}
}

func (rs Reporters) Written(n int) {
	for _, r := range rs {
		r.Written(n)
	}
}

func (rs Reporters) Finish(err error) {
	for _, r := range rs {
		r.Finish(err)
	}
}

// Config holds pipeline settings.
type Config struct {
	// Concurrency is the maximum number of segments fetched or buffered at once.
	Concurrency int
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	return nil
}

// Pipeline fetches segments and merges them in order.
type Pipeline struct {
	src      Fetcher
	config   Config
	watch    *progress.Stopwatch
	reporter Reporter
	logger   *slog.Logger
}

// New creates a pipeline. reporter may be nil.
func New(src Fetcher, config Config, watch *progress.Stopwatch, reporter Reporter, logger *slog.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if reporter == nil {
		reporter = Reporters{}
	}

	return &Pipeline{
		src:      src,
		config:   config,
		watch:    watch,
		reporter: reporter,
		logger:   logger,
	}, nil
}

// Run downloads segments and writes them to sink in order. Segment i must
// have Sequence i. On success the sink has been closed; on failure it has
// been aborted. Run returns once all workers have stopped.
func (p *Pipeline) Run(ctx context.Context, segments []segment.Segment, sink Sink) (err error) {
	for i, seg := range segments {
		if seg.Sequence != i {
			err = fmt.Errorf("segment %d has sequence %d", i, seg.Sequence)
			if abortErr := sink.Abort(); abortErr != nil {
				err = errors.Join(err, fmt.Errorf("failed to discard partial output: %w", abortErr))
			}
			return err
		}
	}

	p.reporter.Start(len(segments))
	defer func() { p.reporter.Finish(err) }()

	p.logger.Info("downloading segments",
		"segments", len(segments),
		"concurrency", p.config.Concurrency,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f := newFetcher(p.src, p.config.Concurrency, p.watch, p.logger)
	results := f.run(runCtx, segments)

	m := newMerger(sink, len(segments), f.release, p.reporter, p.logger)
	err = m.consume(ctx, results)

	if err != nil {
		// Abandon in-flight fetches; their results are discarded.
		cancel()
	}
	for range results {
	}

	if err != nil {
		if abortErr := sink.Abort(); abortErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to discard partial output: %w", abortErr))
		}
		return err
	}

	p.watch.Lap("segments merged", "segments", len(segments))
	return nil
}
