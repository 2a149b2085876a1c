// Package integration provides integration tests for hlsmerge.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDownloadMediaPlaylist verifies that every segment of a media playlist
// ends up in the output, in playlist order.
func TestDownloadMediaPlaylist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.StartHTTPServer()

	want := harness.AddMediaPlaylist("media", 40)
	output := filepath.Join(t.TempDir(), "out.ts")

	code, stderr := harness.Run("--concurrency", "4", harness.URL("media/index.m3u8"), output)
	if code != 0 {
		t.Fatalf("hlsmerge exited with %d: %s", code, stderr)
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("output is %d bytes, want %d bytes in playlist order", len(got), len(want))
	}

	if _, err := os.Stat(output + ".part"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}
}

// TestDownloadMasterPlaylist verifies variant selection from a master playlist.
func TestDownloadMasterPlaylist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.StartHTTPServer()

	low := harness.AddMediaPlaylist("low", 5)
	mid := harness.AddMediaPlaylist("mid", 5)
	high := harness.AddMediaPlaylist("high", 5)
	harness.AddMasterPlaylist("master.m3u8", []string{"mid", "high", "low"}, []int{1500000, 4000000, 600000})

	tests := []struct {
		name   string
		policy string
		want   []byte
	}{
		{"highest", "highest", high},
		{"lowest", "lowest", low},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "out.ts")
			code, stderr := harness.Run("--select", tt.policy, harness.URL("master.m3u8"), output)
			if code != 0 {
				t.Fatalf("hlsmerge exited with %d: %s", code, stderr)
			}

			got, err := os.ReadFile(output)
			if err != nil {
				t.Fatalf("failed to read output: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("output does not match the %s variant", tt.name)
			}
			if bytes.Equal(got, mid) {
				t.Error("middle variant was selected")
			}
		})
	}
}

// TestDownloadMissingSegment verifies that a failed segment fails the run
// and leaves no output behind.
func TestDownloadMissingSegment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.StartHTTPServer()

	harness.AddMediaPlaylist("media", 10)
	harness.Remove("media/segment006.ts")

	output := filepath.Join(t.TempDir(), "out.ts")
	code, stderr := harness.Run(harness.URL("media/index.m3u8"), output)
	if code != 1 {
		t.Fatalf("hlsmerge exited with %d, want 1", code)
	}
	if !strings.Contains(stderr, "segment006.ts") {
		t.Errorf("error output does not name the missing segment:\n%s", stderr)
	}

	for _, path := range []string{output, output + ".part"} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s exists after failure", path)
		}
	}
}

// TestDownloadMissingPlaylist verifies the exit status for an unreachable playlist.
func TestDownloadMissingPlaylist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.StartHTTPServer()

	code, stderr := harness.Run(harness.URL("missing.m3u8"), filepath.Join(t.TempDir(), "out.ts"))
	if code != 1 {
		t.Fatalf("hlsmerge exited with %d, want 1", code)
	}
	if !strings.Contains(stderr, "404") {
		t.Errorf("error output does not report the HTTP status:\n%s", stderr)
	}
}

// TestUsage verifies that missing arguments are rejected.
func TestUsage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)

	code, stderr := harness.Run("http://localhost/only-a-url.m3u8")
	if code != 1 {
		t.Errorf("hlsmerge exited with %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Errorf("usage not printed:\n%s", stderr)
	}
}

// TestStatusEndpoint verifies that progress is served while downloading.
func TestStatusEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	harness := NewTestHarness(t)
	defer harness.Cleanup()
	harness.StartHTTPServer()

	want := harness.AddMediaPlaylist("media", 20)
	harness.SetSegmentDelay(100 * time.Millisecond)

	statusPort := findAvailablePort(t)
	output := filepath.Join(t.TempDir(), "out.ts")
	p := harness.Start("",
		"--concurrency", "2",
		"--status-port", fmt.Sprintf("%d", statusPort),
		harness.URL("media/index.m3u8"), output,
	)

	healthURL := fmt.Sprintf("http://localhost:%d/health", statusPort)
	var stats map[string]interface{}
	WaitForCondition(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}

		var health struct {
			Status string                 `json:"status"`
			Stats  map[string]interface{} `json:"stats"`
		}
		if err := json.Unmarshal(body, &health); err != nil {
			t.Fatalf("invalid health response %q: %v", body, err)
		}
		stats = health.Stats
		written, _ := stats["written_segments"].(float64)
		return health.Status == "ok" && written > 0
	}, 10*time.Second, "status endpoint reporting progress")

	if total, _ := stats["total_segments"].(float64); total != 20 {
		t.Errorf("total_segments = %v, want 20", stats["total_segments"])
	}
	if state, _ := stats["state"].(string); state != "running" {
		t.Errorf("state = %v, want running", stats["state"])
	}

	code, err := p.Wait(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("hlsmerge exited with %d: %s", code, p.Stderr.String())
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("output does not match the playlist segments")
	}
}
