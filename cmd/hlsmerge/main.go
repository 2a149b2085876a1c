// The hlsmerge command downloads an HLS stream and merges its segments into a single file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/hlsmerge/internal/cluster"
	"github.com/agleyzer/hlsmerge/internal/fetch"
	"github.com/agleyzer/hlsmerge/internal/parser"
	"github.com/agleyzer/hlsmerge/internal/pipeline"
	"github.com/agleyzer/hlsmerge/internal/progress"
	"github.com/agleyzer/hlsmerge/internal/server"
	"github.com/agleyzer/hlsmerge/internal/sink"
	"github.com/agleyzer/hlsmerge/internal/variant"
)

const (
	version = "1.0.0"
)

// options holds the validated command line.
type options struct {
	playlistURL string
	output      string

	concurrency     int
	policy          variant.Policy
	headers         http.Header
	connectTimeout  time.Duration
	responseTimeout time.Duration

	remux  bool
	format string
	ffmpeg string

	statusPort int
	verbose    bool

	raftID    string
	raftBind  string
	raftPeers []string
}

// headerFlags collects repeated -header values.
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	if _, _, err := fetch.ParseHeader(value); err != nil {
		return err
	}
	*h = append(*h, value)
	return nil
}

func main() {
	// Parse command-line flags
	var (
		headerLines headerFlags

		concurrency     = flag.Int("concurrency", pipeline.DefaultConcurrency, "Maximum number of segments fetched or buffered at once")
		selectPolicy    = flag.String("select", "highest", "Variant to download from a master playlist: highest or lowest bandwidth")
		headersFile     = flag.String("headers-file", "", "JSON file with HTTP headers to send with every request")
		userAgent       = flag.String("user-agent", "", "User-Agent header (defaults to a desktop Chrome string)")
		connectTimeout  = flag.Duration("connect-timeout", 10*time.Second, "Timeout for establishing a connection")
		responseTimeout = flag.Duration("response-timeout", 30*time.Second, "Timeout for receiving response headers")
		remux           = flag.Bool("remux", false, "Remux the stream through ffmpeg instead of writing raw segments")
		format          = flag.String("format", sink.DefaultFormat, "Container format passed to ffmpeg with -remux")
		ffmpegPath      = flag.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
		statusPort      = flag.Int("status-port", 0, "Serve download progress on this port (0 disables)")
		verbose         = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion     = flag.Bool("version", false, "Show version and exit")
		raftID          = flag.String("raft-id", "", "Cluster node ID (defaults to -raft-bind)")
		raftBind        = flag.String("raft-bind", "", "Address for cluster communication (enables cluster mode)")
		raftPeers       = flag.String("raft-peers", "", "Comma-separated list of all cluster node addresses, including this one")
	)
	flag.Var(&headerLines, "header", "Extra HTTP header \"Key: Value\" (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlsmerge - HLS Segment Downloader v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <playlist-url> <output>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <playlist-url>    URL of the HLS playlist (media or master)\n")
		fmt.Fprintf(os.Stderr, "  <output>          File to write the merged stream to\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s https://example.com/master.m3u8 video.ts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --concurrency 16 --select lowest https://example.com/master.m3u8 video.ts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --remux https://example.com/master.m3u8 video\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --header 'Referer: https://example.com/' https://example.com/index.m3u8 video.ts\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsmerge v%s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Error: playlist URL and output path are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	headers, err := buildHeaders(*headersFile, headerLines, *userAgent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	opts := options{
		playlistURL:     flag.Arg(0),
		output:          flag.Arg(1),
		concurrency:     *concurrency,
		headers:         headers,
		connectTimeout:  *connectTimeout,
		responseTimeout: *responseTimeout,
		remux:           *remux,
		format:          *format,
		ffmpeg:          *ffmpegPath,
		statusPort:      *statusPort,
		verbose:         *verbose,
		raftID:          *raftID,
		raftBind:        *raftBind,
		raftPeers:       splitList(*raftPeers),
	}

	opts.policy, err = variant.ParsePolicy(*selectPolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsmerge starting", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("download failed", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsmerge finished", "output", opts.output)
}

func (o *options) validate() error {
	if o.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if o.statusPort < 0 || o.statusPort > 65535 {
		return fmt.Errorf("status port must be between 0 and 65535")
	}
	if o.connectTimeout < 0 || o.responseTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if o.output == "" {
		return fmt.Errorf("output path must not be empty")
	}
	if o.raftBind == "" && (o.raftID != "" || len(o.raftPeers) > 0) {
		return fmt.Errorf("--raft-id and --raft-peers require --raft-bind")
	}
	if o.raftBind != "" {
		if o.raftID == "" {
			o.raftID = o.raftBind
		}
		if len(o.raftPeers) == 0 {
			o.raftPeers = []string{o.raftBind}
		}
	}
	if o.remux {
		o.output = remuxOutput(o.output, o.format)
	}
	return nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	watch := progress.NewStopwatch(logger)
	tracker := progress.NewTracker(watch, logger)

	client, err := fetch.New(fetch.Config{
		Headers:         opts.headers,
		ConnectTimeout:  opts.connectTimeout,
		ResponseTimeout: opts.responseTimeout,
	})
	if err != nil {
		return err
	}

	if opts.statusPort > 0 {
		srvCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()

		srv := server.New(tracker, opts.statusPort, logger)
		go func() {
			if err := srv.Start(srvCtx); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
		logger.Info("status endpoint ready", "health", fmt.Sprintf("http://localhost:%d/health", opts.statusPort))
	}

	download := func(ctx context.Context, reporters ...pipeline.Reporter) error {
		src := parser.NewSource(client, watch, logger)
		info, err := src.Resolve(ctx, opts.playlistURL, opts.policy)
		if err != nil {
			return fmt.Errorf("failed to load playlist: %w", err)
		}

		out, err := openSink(ctx, opts, logger)
		if err != nil {
			return err
		}

		p, err := pipeline.New(client, pipeline.Config{Concurrency: opts.concurrency}, watch,
			append(pipeline.Reporters{tracker}, reporters...), logger)
		if err != nil {
			return err
		}

		return p.Run(ctx, info.Segments, out)
	}

	if opts.raftBind == "" {
		return download(ctx)
	}

	manager, err := cluster.NewManager(cluster.Config{
		RaftID:    opts.raftID,
		BindAddr:  opts.raftBind,
		Peers:     opts.raftPeers,
		Verbose:   opts.verbose,
		LogOutput: os.Stderr,
	}, logger)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}
	defer manager.Shutdown()

	return manager.Run(ctx, opts.playlistURL, opts.output, func(ctx context.Context, reporter *cluster.JobReporter) error {
		logger.Info("downloading as cluster job", "job", reporter.ID())
		return download(ctx, reporter)
	})
}

// openSink creates the destination for the merged stream.
func openSink(ctx context.Context, opts options, logger *slog.Logger) (pipeline.Sink, error) {
	if !opts.remux {
		out, err := sink.NewFile(opts.output)
		if err != nil {
			return nil, fmt.Errorf("failed to open output: %w", err)
		}
		return out, nil
	}

	out, err := sink.NewRemux(ctx, sink.RemuxConfig{
		FFmpegPath: opts.ffmpeg,
		Format:     opts.format,
		Output:     opts.output,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start remux: %w", err)
	}
	return out, nil
}

// buildHeaders merges the headers file with the -header and -user-agent
// flags. Flags override the file.
func buildHeaders(headersFile string, lines []string, userAgent string) (http.Header, error) {
	headers, err := fetch.LoadHeaders(headersFile)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		key, value, err := fetch.ParseHeader(line)
		if err != nil {
			return nil, err
		}
		headers.Set(key, value)
	}

	if userAgent != "" {
		headers.Set("User-Agent", userAgent)
	}

	return headers, nil
}

// containerExt maps ffmpeg formats to the extension added to an output
// path that has none.
var containerExt = map[string]string{
	"matroska": ".mkv",
	"mp4":      ".mp4",
	"mpegts":   ".ts",
	"webm":     ".webm",
}

// remuxOutput returns the output path for a remuxed stream.
func remuxOutput(output, format string) string {
	if filepath.Ext(output) != "" {
		return output
	}
	if format == "" {
		format = sink.DefaultFormat
	}
	return output + containerExt[format]
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
