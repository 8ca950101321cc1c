package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/justestif/go-spotify-recently-played/internal/auth"
	"github.com/justestif/go-spotify-recently-played/internal/secrets"
	"github.com/justestif/go-spotify-recently-played/internal/spotify"
)

const stateCookie = "oauth_state"

// Client-facing messages. Upstream detail is logged, never returned.
const (
	msgAuthRequired    = "Authentication required. Visit /login to authorize."
	msgConfigError     = "Configuration error - check secrets."
	msgRateLimited     = "Spotify rate limit exceeded."
	msgNoRecentTracks  = "No recently played tracks found."
	msgFetchFailed     = "Failed to fetch music data."
	msgTooManyRequests = "Too many requests."
	msgAuthFailed      = "Authorization failed."
	msgAuthSucceeded   = "Authorization successful. You can close this window."
)

// Handlers contains the HTTP handlers of the bridge.
type Handlers struct {
	tokens TokenManager
	tracks TrackSource
	logger *log.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(tokens TokenManager, tracks TrackSource, logger *log.Logger) *Handlers {
	return &Handlers{
		tokens: tokens,
		tracks: tracks,
		logger: logger,
	}
}

// TrackResponse is the JSON body of GET /api/recently-listened.
type TrackResponse struct {
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	AlbumArt *string `json:"albumArt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string      `json:"status"`
	Token  auth.Status `json:"token"`
}

// Health reports liveness and the token state (GET /healthz).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Token: h.tokens.Status()})
}

// Login starts the authorization-code flow (GET /login).
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	url, err := h.tokens.AuthURL(r.Context(), state)
	if err != nil {
		h.logger.Error("building authorization URL", "err", err)
		http.Error(w, msgConfigError, http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300, // 5 minutes
	})

	http.Redirect(w, r, url, http.StatusFound)
}

// Callback completes the authorization-code flow (GET /callback).
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// The state cookie is only checked when present, so a consent started
	// from another browser still completes.
	if c, err := r.Cookie(stateCookie); err == nil {
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			MaxAge:   -1,
		})
		if q.Get("state") != c.Value {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			return
		}
	}

	if errMsg := q.Get("error"); errMsg != "" {
		h.logger.Warn("authorization denied by provider", "error", errMsg)
		http.Error(w, "Authorization denied: "+errMsg, http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	if err := h.tokens.CompleteAuthorizationCode(r.Context(), code); err != nil {
		h.logger.Error("completing authorization", "err", err)
		http.Error(w, msgAuthFailed, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(msgAuthSucceeded))
}

// RecentlyListened returns the most recently played track (GET /api/recently-listened).
// A 401 from Spotify triggers one forced refresh and one retry.
func (h *Handlers) RecentlyListened(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := h.tokens.EnsureValidAccessToken(ctx)
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	track, err := h.tracks.RecentlyPlayed(ctx, token)
	if errors.Is(err, spotify.ErrResourceUnauthorized) {
		h.logger.Info("access token rejected; refreshing and retrying once")

		token, err = h.tokens.HandleUnauthorizedResponse(ctx)
		if err != nil {
			h.writeTokenError(w, err)
			return
		}
		track, err = h.tracks.RecentlyPlayed(ctx, token)
	}
	if err != nil {
		h.writeResourceError(w, err)
		return
	}

	resp := TrackResponse{Title: track.Title, Artist: track.Artist}
	if track.AlbumArtURL != "" {
		resp.AlbumArt = &track.AlbumArtURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, secrets.ErrSecretRetrievalFailed):
		h.logger.Error("reading secrets", "err", err)
		writeError(w, http.StatusInternalServerError, msgConfigError)
	case errors.Is(err, auth.ErrNoRefreshToken), errors.Is(err, auth.ErrRefreshFailed):
		h.logger.Warn("no usable access token", "err", err)
		writeError(w, http.StatusUnauthorized, msgAuthRequired)
	default:
		h.logger.Error("obtaining access token", "err", err)
		writeError(w, http.StatusInternalServerError, msgFetchFailed)
	}
}

func (h *Handlers) writeResourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, spotify.ErrResourceUnauthorized):
		h.logger.Warn("spotify rejected the refreshed token", "err", err)
		writeError(w, http.StatusUnauthorized, msgAuthRequired)
	case errors.Is(err, spotify.ErrRateLimited):
		h.logger.Warn("spotify rate limit", "err", err)
		writeError(w, http.StatusServiceUnavailable, msgRateLimited)
	case errors.Is(err, spotify.ErrNoRecentTracks):
		writeError(w, http.StatusInternalServerError, msgNoRecentTracks)
	default:
		h.logger.Error("fetching recently played", "err", err)
		writeError(w, http.StatusInternalServerError, msgFetchFailed)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
