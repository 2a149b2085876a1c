package fetch

import "fmt"

// Kind classifies where a fetch failed.
type Kind int

const (
	// KindConnect covers request construction, dialing, TLS and header timeouts.
	KindConnect Kind = iota
	// KindStatus means the server answered with an unexpected status code.
	KindStatus
	// KindRead means the response body failed mid-stream.
	KindRead
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindStatus:
		return "status"
	case KindRead:
		return "read"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Client for any failed fetch.
type Error struct {
	URL        string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
