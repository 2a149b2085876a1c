package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsmerge/internal/progress"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func createTestTracker() *progress.Tracker {
	logger := createTestLogger()
	tracker := progress.NewTracker(progress.NewStopwatch(logger), logger)
	tracker.Start(5)
	return tracker
}

func TestNew(t *testing.T) {
	tracker := createTestTracker()
	logger := createTestLogger()

	srv := New(tracker, 8080, logger)

	if srv.stats != tracker {
		t.Error("Stats provider not set correctly")
	}
	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
}

func TestHandleHealth(t *testing.T) {
	srv := New(createTestTracker(), 8080, createTestLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	// Check status code
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	// Check content type
	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}

	// Check cache control
	cacheControl := resp.Header.Get("Cache-Control")
	if !strings.Contains(cacheControl, "no-cache") {
		t.Errorf("Expected Cache-Control with 'no-cache', got '%s'", cacheControl)
	}

	// Parse JSON response
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	// Check status field
	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}

	// Check stats contains expected fields
	stats, ok := health["stats"].(map[string]interface{})
	if !ok {
		t.Fatal("Stats is not a map")
	}

	expectedFields := []string{"state", "total_segments", "written_segments", "buffered", "bytes", "elapsed_seconds", "eta_seconds"}
	for _, field := range expectedFields {
		if _, ok := stats[field]; !ok {
			t.Errorf("Stats missing field '%s'", field)
		}
	}
}

func TestHandleHealth_ReflectsProgress(t *testing.T) {
	tracker := createTestTracker()
	srv := New(tracker, 8080, createTestLogger())

	tracker.Written(1024)
	tracker.Written(2048)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	var health map[string]interface{}
	json.NewDecoder(w.Body).Decode(&health)

	stats := health["stats"].(map[string]interface{})

	if written := stats["written_segments"].(float64); written != 2 {
		t.Errorf("Expected written_segments 2, got %v", written)
	}
	if bytes := stats["bytes"].(float64); bytes != 3072 {
		t.Errorf("Expected bytes 3072, got %v", bytes)
	}
	if state := stats["state"].(string); state != "running" {
		t.Errorf("Expected state running, got %v", state)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(createTestTracker(), 8080, createTestLogger())

	// Create a test handler
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	// Check that handler was called
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	srv := New(createTestTracker(), 0, createTestLogger()) // Use port 0 for automatic port assignment

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Start server in background
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Server should be running, cancel context to stop it
	cancel()

	// Wait for server to stop
	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestHandleHealth_ConcurrentRequests(t *testing.T) {
	tracker := createTestTracker()
	srv := New(tracker, 8080, createTestLogger())

	done := make(chan bool)

	// Make concurrent health check requests while progress is recorded
	for i := 0; i < 10; i++ {
		go func() {
			tracker.Written(10)

			req := httptest.NewRequest("GET", "/health", nil)
			w := httptest.NewRecorder()

			srv.handleHealth(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}

			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}
}
