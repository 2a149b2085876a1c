package fetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// LoadHeaders loads custom HTTP headers from a JSON object file.
func LoadHeaders(headersFile string) (http.Header, error) {
	headers := http.Header{}
	if headersFile == "" {
		return headers, nil
	}

	data, err := os.ReadFile(headersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read headers file: %w", err)
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse headers file: %w", err)
	}

	for k, v := range m {
		if isReserved(k) {
			return nil, fmt.Errorf("header %q cannot be set in headers file", http.CanonicalHeaderKey(k))
		}
		headers.Set(k, v)
	}

	return headers, nil
}

// ParseHeader parses a "Key: Value" header line.
func ParseHeader(line string) (string, string, error) {
	key, value, found := strings.Cut(line, ":")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", fmt.Errorf("invalid header %q (want \"Key: Value\")", line)
	}
	key = http.CanonicalHeaderKey(key)
	if isReserved(key) {
		return "", "", fmt.Errorf("header %q cannot be overridden", key)
	}
	return key, strings.TrimSpace(value), nil
}

// isReserved reports whether the client owns the header. Range is set per
// request from the segment byte range.
func isReserved(key string) bool {
	return http.CanonicalHeaderKey(key) == "Range"
}
