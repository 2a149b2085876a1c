package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsmerge/internal/segment"
)

func newTestClient(t *testing.T, headers http.Header) *Client {
	t.Helper()
	c, err := New(Config{Headers: headers})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	data, err := c.Get(context.Background(), server.URL+"/seg.ts")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(data) != "segment-bytes" {
		t.Errorf("Expected 'segment-bytes', got %q", data)
	}
}

func TestClient_Headers(t *testing.T) {
	var gotUA, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
	}))
	defer server.Close()

	headers := http.Header{}
	headers.Set("Cookie", "session=abc")
	c := newTestClient(t, headers)

	if _, err := c.Get(context.Background(), server.URL); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("Expected default User-Agent, got %q", gotUA)
	}
	if gotCookie != "session=abc" {
		t.Errorf("Expected cookie header, got %q", gotCookie)
	}
}

func TestClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	_, err := c.Get(context.Background(), server.URL)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if fe.Kind != KindStatus || fe.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404 error, got kind=%s status=%d", fe.Kind, fe.StatusCode)
	}
}

func TestClient_ConnectError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, nil)
	_, err := c.Get(context.Background(), url)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if fe.Kind != KindConnect {
		t.Errorf("Expected connect error, got %s", fe.Kind)
	}
}

func TestClient_ReadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more bytes than are sent, then drop the connection.
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	_, err := c.Get(context.Background(), server.URL)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *Error, got %v", err)
	}
	if fe.Kind != KindRead {
		t.Errorf("Expected read error, got %s", fe.Kind)
	}
}

func TestClient_ByteRange(t *testing.T) {
	const content = "0123456789abcdef"

	t.Run("server honors range", func(t *testing.T) {
		var gotRange string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRange = r.Header.Get("Range")
			http.ServeContent(w, r, "seg.ts", fileTime, strings.NewReader(content))
		}))
		defer server.Close()

		c := newTestClient(t, nil)
		data, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 4, Length: 6})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if gotRange != "bytes=4-9" {
			t.Errorf("Expected Range bytes=4-9, got %q", gotRange)
		}
		if string(data) != "456789" {
			t.Errorf("Expected '456789', got %q", data)
		}
	})

	t.Run("server ignores range", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(content))
		}))
		defer server.Close()

		c := newTestClient(t, nil)
		data, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 10, Length: 3})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if string(data) != "abc" {
			t.Errorf("Expected 'abc', got %q", data)
		}
	})

	t.Run("server returns wrong range", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Range", "bytes 0-5/16")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(content[:6]))
		}))
		defer server.Close()

		c := newTestClient(t, nil)
		data, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 4, Length: 6})
		var fe *Error
		if !errors.As(err, &fe) || fe.Kind != KindStatus || fe.StatusCode != http.StatusPartialContent {
			t.Fatalf("Expected status error for mismatched range, got %v", err)
		}
		if data != nil {
			t.Errorf("Expected no data, got %q", data)
		}
	})

	t.Run("partial content of wrong length", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "3")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("456"))
		}))
		defer server.Close()

		c := newTestClient(t, nil)
		_, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 4, Length: 6})
		var fe *Error
		if !errors.As(err, &fe) || fe.Kind != KindStatus {
			t.Fatalf("Expected status error for short partial content, got %v", err)
		}
	})

	t.Run("configured range header is ignored", func(t *testing.T) {
		var gotRange string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRange = r.Header.Get("Range")
			http.ServeContent(w, r, "seg.ts", fileTime, strings.NewReader(content))
		}))
		defer server.Close()

		c := newTestClient(t, http.Header{"Range": []string{"bytes=0-1"}})
		data, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 10, Length: 3})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if gotRange != "bytes=10-12" {
			t.Errorf("Expected Range bytes=10-12, got %q", gotRange)
		}
		if string(data) != "abc" {
			t.Errorf("Expected 'abc', got %q", data)
		}
	})

	t.Run("short body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("0123"))
		}))
		defer server.Close()

		c := newTestClient(t, nil)
		_, err := c.ReadAll(context.Background(), server.URL, segment.ByteRange{Offset: 2, Length: 10})
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("Expected unexpected EOF, got %v", err)
		}
	})
}

func TestClient_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, nil)
	_, err := c.Get(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	var c Config
	if err := c.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c.ConnectTimeout == 0 || c.ResponseTimeout == 0 {
		t.Error("Expected default timeouts to be set")
	}
	if c.Headers.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("Expected default User-Agent, got %q", c.Headers.Get("User-Agent"))
	}

	custom := Config{Headers: http.Header{"User-Agent": []string{"hlsmerge-test"}}}
	if err := custom.Validate(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if custom.Headers.Get("User-Agent") != "hlsmerge-test" {
		t.Errorf("Expected custom User-Agent kept, got %q", custom.Headers.Get("User-Agent"))
	}

	bad := Config{ConnectTimeout: -1}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative timeout")
	}
}

func TestLoadHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.json")
	if err := os.WriteFile(path, []byte(`{"referer": "https://example.com/", "X-Token": "t"}`), 0644); err != nil {
		t.Fatal(err)
	}

	headers, err := LoadHeaders(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if headers.Get("Referer") != "https://example.com/" {
		t.Errorf("Expected Referer header, got %q", headers.Get("Referer"))
	}
	if headers.Get("X-Token") != "t" {
		t.Errorf("Expected X-Token header, got %q", headers.Get("X-Token"))
	}

	empty, err := LoadHeaders("")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty headers for no file, got %v, %v", empty, err)
	}

	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHeaders(path); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	if err := os.WriteFile(path, []byte(`{"Range": "bytes=0-100"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHeaders(path); err == nil {
		t.Error("Expected error for Range in headers file")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		line      string
		wantKey   string
		wantValue string
		wantErr   bool
	}{
		{"Referer: https://example.com/", "Referer", "https://example.com/", false},
		{"x-forwarded-for:10.0.0.1", "X-Forwarded-For", "10.0.0.1", false},
		{"Empty:", "Empty", "", false},
		{"no colon", "", "", true},
		{": value", "", "", true},
		{"range: bytes=0-100", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			k, v, err := ParseHeader(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHeader(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if k != tt.wantKey || v != tt.wantValue {
				t.Errorf("ParseHeader(%q) = %q, %q, want %q, %q", tt.line, k, v, tt.wantKey, tt.wantValue)
			}
		})
	}
}

var fileTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
