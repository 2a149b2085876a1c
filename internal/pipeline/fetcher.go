package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"sync"

	"github.com/agleyzer/hlsmerge/internal/progress"
	"github.com/agleyzer/hlsmerge/internal/segment"
)

// Result is the outcome of fetching one segment. Exactly one of Data and Err
// is meaningful.
type Result struct {
	Index int
	Data  []byte
	Err   error
}

// fetcher runs a fixed pool of workers over the segment list.
//
// A segment is only dispatched after taking one of n tokens, and its token is
// handed back by the merger once the result has been consumed. Fetches in
// flight plus results waiting in the merger therefore never exceed n.
type fetcher struct {
	src    Fetcher
	n      int
	tokens chan struct{}
	watch  *progress.Stopwatch
	logger *slog.Logger
}

func newFetcher(src Fetcher, n int, watch *progress.Stopwatch, logger *slog.Logger) *fetcher {
	return &fetcher{
		src:    src,
		n:      n,
		tokens: make(chan struct{}, n),
		watch:  watch,
		logger: logger,
	}
}

// release returns the token held by one consumed result.
func (f *fetcher) release() {
	<-f.tokens
}

// run starts the dispatcher and workers. The returned channel delivers one
// Result per dispatched segment and is closed once every worker has exited.
func (f *fetcher) run(ctx context.Context, segments []segment.Segment) <-chan Result {
	jobs := make(chan segment.Segment, f.n)
	results := make(chan Result, f.n)

	var wg sync.WaitGroup
	wg.Add(f.n)
	for workerID := 0; workerID < f.n; workerID++ {
		go func(id int) {
			defer wg.Done()
			for seg := range jobs {
				res := f.fetch(ctx, id, seg)
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		defer close(jobs)
		for _, seg := range segments {
			select {
			case f.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			// Never blocks: jobs has room for every token.
			jobs <- seg
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// fetch reads one segment to EOF.
func (f *fetcher) fetch(ctx context.Context, workerID int, seg segment.Segment) Result {
	f.watch.Lap("fetching segment", "index", seg.Sequence, "file", fileName(seg.URL), "worker", workerID)

	data, err := f.src.ReadAll(ctx, seg.URL, seg.Range)
	if err != nil {
		f.logger.Debug("segment fetch failed", "index", seg.Sequence, "url", seg.URL, "error", err)
		return Result{
			Index: seg.Sequence,
			Err:   &SegmentFetchError{Index: seg.Sequence, URL: seg.URL, Err: err},
		}
	}

	return Result{Index: seg.Sequence, Data: data}
}

func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return path.Base(u.Path)
}
