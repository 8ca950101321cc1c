// Package spotify reads the listening history from the Spotify Web API.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the Spotify Web API root. It must end with a slash.
	DefaultBaseURL = "https://api.spotify.com/v1/"

	defaultTimeout = 10 * time.Second
)

var (
	// ErrResourceUnauthorized is returned when the API rejects the access token (HTTP 401).
	ErrResourceUnauthorized = errors.New("spotify rejected the access token")

	// ErrResourceUnavailable is returned for every other failure reading the history.
	ErrResourceUnavailable = errors.New("spotify resource unavailable")

	// ErrRateLimited is returned when the API answers 429. It wraps ErrResourceUnavailable.
	ErrRateLimited = fmt.Errorf("%w: rate limit exceeded", ErrResourceUnavailable)

	// ErrNoRecentTracks is returned when the history is empty. It wraps ErrResourceUnavailable.
	ErrNoRecentTracks = fmt.Errorf("%w: no recently played tracks found", ErrResourceUnavailable)
)

// Client reads the user's recently played tracks with a caller-supplied bearer token.
// It holds no token state of its own and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client whose transport carries the requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentlyPlayed returns the most recently played track.
//
// A 401 from the API is reported as ErrResourceUnauthorized so the caller can
// refresh and retry; everything else wraps ErrResourceUnavailable.
func (c *Client) RecentlyPlayed(ctx context.Context, accessToken string) (*Track, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rec := &statusRecorder{base: c.httpClient.Transport}
	if rec.base == nil {
		rec.base = http.DefaultTransport
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	hc := &http.Client{Transport: &oauth2.Transport{Source: src, Base: rec}}
	api := spotify.New(hc, spotify.WithBaseURL(c.baseURL))

	items, err := api.PlayerRecentlyPlayedOpt(ctx, &spotify.RecentlyPlayedOptions{Limit: 1})
	if err != nil {
		return nil, classify(err, int(rec.last.Load()))
	}

	if len(items) == 0 {
		return nil, ErrNoRecentTracks
	}

	track, err := convertItem(items[0])
	if err != nil {
		return nil, err
	}
	return &track, nil
}

// classify maps a client error onto the package sentinels. status is the
// last HTTP status observed on the wire, used when the API sent no error body.
func classify(err error, status int) error {
	var apiErr spotify.Error
	if errors.As(err, &apiErr) && apiErr.Status != 0 {
		status = apiErr.Status
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrResourceUnauthorized, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: fetching recently played: %w", ErrResourceUnavailable, err)
}

// convertItem converts a play-history item to a Track.
func convertItem(item spotify.RecentlyPlayedItem) (Track, error) {
	if item.Track.Name == "" {
		return Track{}, fmt.Errorf("%w: play history item has no track name", ErrResourceUnavailable)
	}

	artists := make([]string, len(item.Track.Artists))
	for i, a := range item.Track.Artists {
		artists[i] = a.Name
	}

	track := Track{
		Title:  item.Track.Name,
		Artist: strings.Join(artists, ", "),
	}
	if images := item.Track.Album.Images; len(images) > 0 {
		track.AlbumArtURL = images[0].URL
	}

	return track, nil
}

// statusRecorder remembers the status code of the last response it carried.
type statusRecorder struct {
	base http.RoundTripper
	last atomic.Int32
}

func (s *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req)
	if resp != nil {
		s.last.Store(int32(resp.StatusCode))
	}
	return resp, err
}
