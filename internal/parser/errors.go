package parser

import "fmt"

// PlaylistFetchError is returned when a playlist cannot be retrieved.
type PlaylistFetchError struct {
	URL string
	Err error
}

func (e *PlaylistFetchError) Error() string {
	return fmt.Sprintf("failed to fetch playlist %s: %v", e.URL, e.Err)
}

func (e *PlaylistFetchError) Unwrap() error {
	return e.Err
}

// PlaylistParseError is returned when playlist content is malformed or unusable.
type PlaylistParseError struct {
	URL string
	Err error
}

func (e *PlaylistParseError) Error() string {
	return fmt.Sprintf("failed to parse playlist %s: %v", e.URL, e.Err)
}

func (e *PlaylistParseError) Unwrap() error {
	return e.Err
}
