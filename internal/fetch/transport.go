package fetch

import "net/http"

// HeaderTransport sets a fixed set of headers on every outgoing request.
// Reserved headers such as Range are never overridden.
type HeaderTransport struct {
	Headers http.Header
	Base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.Headers) > 0 {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		for k, vv := range t.Headers {
			if isReserved(k) {
				continue
			}
			req.Header.Del(k)
			for _, v := range vv {
				req.Header.Add(k, v)
			}
		}
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
