// Package variant defines HLS variant streams and the policy used to pick one.
package variant

import (
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrEmptyVariantList is returned when a master playlist lists no variants.
var ErrEmptyVariantList = errors.New("empty variant list")

// Variant represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type Variant struct {
	// URI is the absolute URL of the variant's media playlist
	URI string

	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth uint32

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string
}

// Policy decides which of two variants is preferred.
type Policy int

const (
	// Highest picks the variant with the largest bandwidth.
	Highest Policy = iota
	// Lowest picks the variant with the smallest bandwidth.
	Lowest
)

// ParsePolicy parses a policy name as accepted on the command line.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "highest", "max", "best":
		return Highest, nil
	case "lowest", "min", "worst":
		return Lowest, nil
	default:
		return 0, fmt.Errorf("unknown variant policy %q (want highest or lowest)", s)
	}
}

func (p Policy) String() string {
	switch p {
	case Highest:
		return "highest"
	case Lowest:
		return "lowest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// better reports whether candidate should replace current.
// Ties keep current so the earliest listed variant wins.
func (p Policy) better(candidate, current Variant) bool {
	if p == Lowest {
		return candidate.Bandwidth < current.Bandwidth
	}
	return candidate.Bandwidth > current.Bandwidth
}

// Select reduces seq to a single variant in one pass, tracking only the
// best variant seen so far.
func Select(seq iter.Seq[Variant], p Policy) (Variant, error) {
	var (
		best  Variant
		found bool
	)

	for v := range seq {
		if !found || p.better(v, best) {
			best = v
			found = true
		}
	}

	if !found {
		return Variant{}, ErrEmptyVariantList
	}

	return best, nil
}
