package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultFormat is the container ffmpeg writes when none is configured.
const DefaultFormat = "matroska"

// RemuxConfig configures the ffmpeg remux sink.
type RemuxConfig struct {
	// FFmpegPath is the ffmpeg binary, "ffmpeg" when empty.
	FFmpegPath string
	// Format is the output container passed to -f.
	Format string
	// Output is the file ffmpeg writes.
	Output string
}

// Validate checks the configuration and fills in defaults.
func (c *RemuxConfig) Validate() error {
	if c.Output == "" {
		return fmt.Errorf("output path is required")
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	return nil
}

// Remux pipes the stream into ffmpeg, which copies the codecs into a new
// container without re-encoding. Writes block while ffmpeg is busy.
type Remux struct {
	config RemuxConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	logger *slog.Logger
}

// NewRemux starts ffmpeg.
func NewRemux(ctx context.Context, config RemuxConfig, logger *slog.Logger) (*Remux, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remux config: %w", err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", "pipe:0",
		"-c", "copy",
		"-f", config.Format,
		config.Output,
	}

	cmd := exec.CommandContext(ctx, config.FFmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	logger.Debug("started ffmpeg", "path", config.FFmpegPath, "args", strings.Join(args, " "))

	return &Remux{
		config: config,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		logger: logger,
	}, nil
}

// Write implements io.Writer.
func (s *Remux) Write(p []byte) (int, error) {
	n, err := s.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("ffmpeg stopped reading input: %w%s", err, s.stderr.suffix())
	}
	return n, nil
}

// Close ends the input and waits for ffmpeg to finish writing the output.
func (s *Remux) Close() error {
	if err := s.stdin.Close(); err != nil {
		s.logger.Debug("closing ffmpeg stdin", "error", err)
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w%s", err, s.stderr.suffix())
	}
	return nil
}

// Abort kills ffmpeg and removes whatever it wrote.
func (s *Remux) Abort() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()

	if err := os.Remove(s.config.Output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf.Write(p)
	if extra := b.buf.Len() - b.limit; extra > 0 {
		b.buf.Next(extra)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}

func (b *tailBuffer) suffix() string {
	if s := b.String(); s != "" {
		return ": " + s
	}
	return ""
}
