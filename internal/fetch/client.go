// Package fetch retrieves playlists and segments over HTTP.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/agleyzer/hlsmerge/internal/segment"
)

// DefaultUserAgent is sent unless the caller overrides User-Agent.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_14_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/74.0.3729.157 Safari/537.36"

// Config holds the HTTP client settings.
type Config struct {
	// Headers are added to every request.
	Headers http.Header
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for response headers.
	// Body reads are not bounded; cancel the context instead.
	ResponseTimeout time.Duration
	// MaxConnsPerHost caps parallel connections to one host (0 = unlimited).
	MaxConnsPerHost int
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("response timeout must not be negative")
	}
	if c.MaxConnsPerHost < 0 {
		return fmt.Errorf("max connections per host must not be negative")
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.Headers == nil {
		c.Headers = http.Header{}
	}
	if c.Headers.Get("User-Agent") == "" {
		c.Headers = c.Headers.Clone()
		c.Headers.Set("User-Agent", DefaultUserAgent)
	}

	return nil
}

// Client fetches URLs. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
}

// New creates a Client from config.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ResponseTimeout,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &HeaderTransport{
				Headers: config.Headers.Clone(),
				Base:    base,
			},
		},
	}, nil
}

// NewWithHTTPClient wraps an existing http.Client, mainly for tests.
func NewWithHTTPClient(c *http.Client) *Client {
	return &Client{httpClient: c}
}

// Fetch opens url and returns its body. When r is non-zero only that
// byte range is requested. Errors from reading the body are reported as
// *Error with KindRead.
func (c *Client) Fetch(ctx context.Context, url string, r segment.ByteRange) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Kind: KindConnect, Err: err}
	}
	if !r.IsZero() {
		req.Header.Set("Range", r.Header())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Kind: KindConnect, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusPartialContent && !r.IsZero():
	default:
		resp.Body.Close()
		return nil, &Error{URL: url, Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode == http.StatusPartialContent {
		if err := checkContentRange(resp, r); err != nil {
			resp.Body.Close()
			return nil, &Error{URL: url, Kind: KindStatus, StatusCode: resp.StatusCode, Err: err}
		}
	}

	body := resp.Body
	if !r.IsZero() && resp.StatusCode == http.StatusOK {
		// Server ignored the Range header; cut the range out ourselves.
		body = rangedBody(body, r)
	}

	return &readCloser{rc: body, url: url}, nil
}

// checkContentRange verifies that a 206 response covers exactly r.
// Without a Content-Range header the body length must match.
func checkContentRange(resp *http.Response, r segment.ByteRange) error {
	last := r.Offset + r.Length - 1

	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		if resp.ContentLength >= 0 && resp.ContentLength != r.Length {
			return fmt.Errorf("partial content of %d bytes, want %d", resp.ContentLength, r.Length)
		}
		return nil
	}

	var first, end int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/", &first, &end); err != nil {
		return fmt.Errorf("malformed content range %q", cr)
	}
	if first != r.Offset || end != last {
		return fmt.Errorf("content range %q does not match requested bytes %d-%d", cr, r.Offset, last)
	}
	return nil
}

// Get fetches url and reads the whole body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.ReadAll(ctx, url, segment.ByteRange{})
}

// ReadAll fetches url (or the given range of it) and reads it to EOF.
func (c *Client) ReadAll(ctx context.Context, url string, r segment.ByteRange) ([]byte, error) {
	body, err := c.Fetch(ctx, url, r)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	if !r.IsZero() {
		buf.Grow(int(r.Length))
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// readCloser tags body read errors with the URL and KindRead.
type readCloser struct {
	rc  io.ReadCloser
	url string
}

func (b *readCloser) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		var fe *Error
		if !errors.As(err, &fe) {
			err = &Error{URL: b.url, Kind: KindRead, Err: err}
		}
	}
	return n, err
}

func (b *readCloser) Close() error {
	return b.rc.Close()
}

func rangedBody(rc io.ReadCloser, r segment.ByteRange) io.ReadCloser {
	return &rangeReader{rc: rc, skip: r.Offset, left: r.Length}
}

type rangeReader struct {
	rc   io.ReadCloser
	skip int64
	left int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.skip > 0 {
		n, err := io.CopyN(io.Discard, r.rc, r.skip)
		r.skip -= n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
	if r.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.rc.Read(p)
	r.left -= int64(n)
	if errors.Is(err, io.EOF) && r.left > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *rangeReader) Close() error {
	return r.rc.Close()
}
