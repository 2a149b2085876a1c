// Package integration provides integration testing utilities for hlsmerge.
package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestHarness serves a directory of playlists and segments over HTTP and
// runs the hlsmerge binary against it.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	tempDir    string
	delay      atomic.Int64
	requests   atomic.Int64
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:        t,
		httpPort: findAvailablePort(t),
	}
}

// StartHTTPServer starts an HTTP server serving the files added with
// AddFile, AddMediaPlaylist and AddMasterPlaylist.
func (h *TestHarness) StartHTTPServer() {
	h.t.Helper()

	h.tempDir = h.t.TempDir()

	fileServer := http.FileServer(http.Dir(h.tempDir))
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		if d := time.Duration(h.delay.Load()); d > 0 && strings.HasSuffix(r.URL.Path, ".ts") {
			time.Sleep(d)
		}
		fileServer.ServeHTTP(w, r)
	}))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(h.t, h.URL(""), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// SetSegmentDelay slows down every segment response.
func (h *TestHarness) SetSegmentDelay(d time.Duration) {
	h.delay.Store(int64(d))
}

// Requests returns the number of requests served so far.
func (h *TestHarness) Requests() int64 {
	return h.requests.Load()
}

// URL returns the address of a served file.
func (h *TestHarness) URL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// AddFile writes a file into the served directory.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	if h.tempDir == "" {
		h.t.Fatal("StartHTTPServer must be called before AddFile")
	}

	path := filepath.Join(h.tempDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// AddMediaPlaylist writes a media playlist under dir with count segments
// and returns the bytes a correct merge produces.
func (h *TestHarness) AddMediaPlaylist(dir string, count int) []byte {
	h.t.Helper()

	var merged bytes.Buffer
	for i := 0; i < count; i++ {
		data := SegmentData(dir, i)
		h.AddFile(fmt.Sprintf("%s/segment%03d.ts", dir, i), data)
		merged.Write(data)
	}

	h.AddFile(dir+"/index.m3u8", []byte(CreateTestPlaylist(count, 2.0)))
	return merged.Bytes()
}

// AddMasterPlaylist writes a master playlist referencing the media
// playlists in dirs with the given bandwidths.
func (h *TestHarness) AddMasterPlaylist(name string, dirs []string, bandwidths []int) {
	h.t.Helper()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i, dir := range dirs {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d\n%s/index.m3u8\n", bandwidths[i], dir)
	}
	h.AddFile(name, []byte(b.String()))
}

// Remove deletes a served file.
func (h *TestHarness) Remove(name string) {
	h.t.Helper()

	if err := os.Remove(filepath.Join(h.tempDir, filepath.FromSlash(name))); err != nil {
		h.t.Fatalf("failed to remove %s: %v", name, err)
	}
}

// Process is a running hlsmerge command.
type Process struct {
	Cmd    *exec.Cmd
	Stderr *bytes.Buffer
	cancel context.CancelFunc
	done   chan error
}

// Wait waits for the process and returns its exit code.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	select {
	case err := <-p.done:
		p.cancel()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return -1, err
		}
		return 0, nil
	case <-time.After(timeout):
		p.cancel()
		<-p.done
		return -1, fmt.Errorf("hlsmerge did not exit within %v", timeout)
	}
}

// Start launches hlsmerge with args in dir ("" for the current directory).
func (h *TestHarness) Start(dir string, args ...string) *Process {
	h.t.Helper()

	binaryPath := findBinary(h.t)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Dir = dir

	stderr := &bytes.Buffer{}
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(stderr, os.Stderr)

	if err := cmd.Start(); err != nil {
		cancel()
		h.t.Fatalf("failed to start hlsmerge: %v", err)
	}

	p := &Process{Cmd: cmd, Stderr: stderr, cancel: cancel, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p
}

// Run runs hlsmerge to completion and returns its exit code.
func (h *TestHarness) Run(args ...string) (int, string) {
	h.t.Helper()

	p := h.Start("", args...)
	code, err := p.Wait(60 * time.Second)
	if err != nil {
		h.t.Fatalf("hlsmerge: %v", err)
	}
	return code, p.Stderr.String()
}

// Cleanup stops the HTTP server.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// SegmentData returns the content of segment i of the playlist in dir.
func SegmentData(dir string, i int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("<%s:%03d>", dir, i)), 64+i)
}

// CreateTestPlaylist creates a closed media playlist with segmentCount segments.
func CreateTestPlaylist(segmentCount int, segmentDuration float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(segmentDuration+0.5))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < segmentCount; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", segmentDuration)
		fmt.Fprintf(&b, "segment%03d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// findBinary locates the hlsmerge binary.
func findBinary(t *testing.T) string {
	t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../hlsmerge",          // From test/integration
		"./hlsmerge",              // From project root
		"../hlsmerge",             // From test directory
		"./cmd/hlsmerge/hlsmerge", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found hlsmerge binary at: %s", absPath)
			return absPath
		}
	}

	t.Fatal("hlsmerge binary not found. Run 'go build -o hlsmerge ./cmd/hlsmerge' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until a condition is met or timeout occurs.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}
