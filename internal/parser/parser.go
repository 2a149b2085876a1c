// Package parser provides HLS playlist parsing functionality.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/agleyzer/hlsmerge/internal/fetch"
	"github.com/agleyzer/hlsmerge/internal/progress"
	"github.com/agleyzer/hlsmerge/internal/segment"
	"github.com/agleyzer/hlsmerge/internal/variant"
	"github.com/grafov/m3u8"
)

var (
	errNoSegments  = errors.New("playlist contains no segments")
	errNotMedia    = errors.New("expected media playlist, got master playlist")
	errUnknownType = errors.New("unexpected playlist type")
)

// PlaylistInfo contains the segments to download and where they came from.
type PlaylistInfo struct {
	// URL is the media playlist the segments were read from
	URL string

	// Variant is the variant picked from the master playlist.
	// Nil when the input URL was a media playlist.
	Variant *variant.Variant

	// Segments in download order, Sequence equal to slice index
	Segments []segment.Segment

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int

	// Closed reports whether the playlist carried EXT-X-ENDLIST
	Closed bool
}

// Source reads playlists through a fetch client.
type Source struct {
	client *fetch.Client
	watch  *progress.Stopwatch
	logger *slog.Logger
}

// NewSource creates a Source.
func NewSource(client *fetch.Client, watch *progress.Stopwatch, logger *slog.Logger) *Source {
	return &Source{
		client: client,
		watch:  watch,
		logger: logger,
	}
}

// Resolve loads playlistURL. A master playlist is reduced to one variant with
// policy and that variant's media playlist is loaded; a media playlist is used as is.
func (s *Source) Resolve(ctx context.Context, playlistURL string, policy variant.Policy) (*PlaylistInfo, error) {
	playlist, listType, err := s.decode(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	if listType != m3u8.MASTER {
		return s.mediaInfo(playlist, playlistURL)
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, &PlaylistParseError{URL: playlistURL, Err: errUnknownType}
	}

	var resolveErr error
	chosen, err := variant.Select(variants(master, playlistURL, &resolveErr), policy)
	if resolveErr != nil {
		return nil, &PlaylistParseError{URL: playlistURL, Err: resolveErr}
	}
	if err != nil {
		return nil, fmt.Errorf("master playlist %s: %w", playlistURL, err)
	}

	s.logger.Info("selected variant",
		"policy", policy,
		"bandwidth", chosen.Bandwidth,
		"resolution", chosen.Resolution,
		"codecs", chosen.Codecs,
		"url", chosen.URI,
	)

	info, err := s.Segments(ctx, chosen.URI)
	if err != nil {
		return nil, err
	}
	info.Variant = &chosen

	return info, nil
}

// Segments loads a media playlist and returns its segments in order.
func (s *Source) Segments(ctx context.Context, playlistURL string) (*PlaylistInfo, error) {
	playlist, listType, err := s.decode(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	if listType != m3u8.MEDIA {
		return nil, &PlaylistParseError{URL: playlistURL, Err: errNotMedia}
	}

	return s.mediaInfo(playlist, playlistURL)
}

// decode fetches and decodes a playlist.
func (s *Source) decode(ctx context.Context, playlistURL string) (m3u8.Playlist, m3u8.ListType, error) {
	s.watch.Lap("fetching playlist", "file", baseName(playlistURL))

	if _, err := url.ParseRequestURI(playlistURL); err != nil {
		return nil, 0, &PlaylistFetchError{URL: playlistURL, Err: err}
	}

	data, err := s.client.Get(ctx, playlistURL)
	if err != nil {
		return nil, 0, &PlaylistFetchError{URL: playlistURL, Err: err}
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, 0, &PlaylistParseError{URL: playlistURL, Err: err}
	}

	return playlist, listType, nil
}

func (s *Source) mediaInfo(playlist m3u8.Playlist, playlistURL string) (*PlaylistInfo, error) {
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &PlaylistParseError{URL: playlistURL, Err: errUnknownType}
	}

	segments, err := mediaSegments(media, playlistURL)
	if err != nil {
		return nil, &PlaylistParseError{URL: playlistURL, Err: err}
	}

	if !media.Closed {
		s.logger.Warn("playlist has no EXT-X-ENDLIST, downloading the segments listed now",
			"url", playlistURL,
			"segments", len(segments),
		)
	}

	targetDuration := int(media.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	s.logger.Info("parsed media playlist",
		"url", playlistURL,
		"segments", len(segments),
		"targetDuration", targetDuration,
	)

	return &PlaylistInfo{
		URL:            playlistURL,
		Segments:       segments,
		TargetDuration: targetDuration,
		Closed:         media.Closed,
	}, nil
}

// variants yields the master playlist's variant streams with absolute URIs.
// I-frame only streams are skipped. A URI that cannot be resolved stops the
// sequence and is reported through errp.
func variants(master *m3u8.MasterPlaylist, masterURL string, errp *error) func(func(variant.Variant) bool) {
	return func(yield func(variant.Variant) bool) {
		for i, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}

			uri, err := resolveURL(masterURL, v.URI)
			if err != nil {
				*errp = fmt.Errorf("variant %d: %w", i, err)
				return
			}

			if !yield(variant.Variant{
				URI:        uri,
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
			}) {
				return
			}
		}
	}
}

// mediaSegments flattens a media playlist into download order. An EXT-X-MAP
// initialization section is emitted ahead of the segments it applies to.
func mediaSegments(media *m3u8.MediaPlaylist, playlistURL string) ([]segment.Segment, error) {
	var (
		segments []segment.Segment
		lastMap  *m3u8.Map
		prev     *m3u8.MediaSegment
		prevEnd  int64
	)

	addMap := func(m *m3u8.Map) error {
		if m == nil || m.URI == "" || sameMap(m, lastMap) {
			return nil
		}
		mapURL, err := resolveURL(playlistURL, m.URI)
		if err != nil {
			return fmt.Errorf("failed to resolve map URL: %w", err)
		}
		segments = append(segments, segment.Segment{
			URL:      mapURL,
			Sequence: len(segments),
			Range:    segment.ByteRange{Offset: m.Offset, Length: m.Limit},
		})
		lastMap = m
		return nil
	}

	if err := addMap(media.Map); err != nil {
		return nil, err
	}

	for _, seg := range media.Segments {
		if seg == nil {
			break
		}

		if err := checkKey(seg.Key); err != nil {
			return nil, err
		}
		if err := addMap(seg.Map); err != nil {
			return nil, err
		}

		// Resolve segment URL to absolute
		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		r := segment.ByteRange{Offset: seg.Offset, Length: seg.Limit}
		if r.Length > 0 && r.Offset == 0 && prev != nil && prev.URI == seg.URI && prev.Limit > 0 {
			// BYTERANGE without @offset continues after the previous sub-range.
			r.Offset = prevEnd
		}
		if r.Length > 0 {
			prevEnd = r.Offset + r.Length
		}
		prev = seg

		segments = append(segments, segment.Segment{
			URL:      segmentURL,
			Duration: seg.Duration,
			Sequence: len(segments),
			Range:    r,
		})
	}

	if err := checkKey(media.Key); err != nil {
		return nil, err
	}

	if len(segments) == 0 || (len(segments) == 1 && lastMap != nil) {
		return nil, errNoSegments
	}

	return segments, nil
}

func sameMap(a, b *m3u8.Map) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.URI == b.URI && a.Offset == b.Offset && a.Limit == b.Limit
}

// checkKey rejects encrypted media, which would otherwise be merged as ciphertext.
func checkKey(key *m3u8.Key) error {
	if key == nil || key.Method == "" || key.Method == "NONE" {
		return nil
	}
	return fmt.Errorf("encrypted segments are not supported (METHOD=%s)", key.Method)
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}

func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return path.Base(u.Path)
}
