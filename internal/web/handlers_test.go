package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justestif/go-spotify-recently-played/internal/auth"
	"github.com/justestif/go-spotify-recently-played/internal/logging"
	"github.com/justestif/go-spotify-recently-played/internal/secrets"
	"github.com/justestif/go-spotify-recently-played/internal/spotify"
)

const (
	testOrigin = "https://seanbarlisan.github.io"

	trackBody = `{
		"items": [{
			"track": {
				"name": "Paranoid Android",
				"artists": [{"name": "Radiohead"}],
				"album": {"images": [{"url": "https://i.scdn.co/image/ok"}]}
			},
			"played_at": "2024-01-15T10:30:00Z"
		}]
	}`

	expiredBody = `{"error":{"status":401,"message":"The access token expired"}}`
)

// fakeSpotify serves both the accounts token endpoint and the Web API.
type fakeSpotify struct {
	tokenHits atomic.Int32
	apiHits   atomic.Int32

	token func(form url.Values) (int, string)
	api   func(bearer string) (int, string)
}

func (f *fakeSpotify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var status int
	var body string

	switch r.URL.Path {
	case "/api/token":
		f.tokenHits.Add(1)
		r.ParseForm()
		status, body = f.token(r.PostForm)
	case "/v1/me/player/recently-played":
		f.apiHits.Add(1)
		status, body = f.api(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func issue(access, refresh string, expiresIn int) func(url.Values) (int, string) {
	return func(url.Values) (int, string) {
		body := fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d`, access, expiresIn)
		if refresh != "" {
			body += fmt.Sprintf(`,"refresh_token":%q`, refresh)
		}
		return http.StatusOK, body + "}"
	}
}

func acceptOnly(token string) func(string) (int, string) {
	return func(bearer string) (int, string) {
		if bearer != token {
			return http.StatusUnauthorized, expiredBody
		}
		return http.StatusOK, trackBody
	}
}

func testSecrets() *secrets.Secrets {
	return &secrets.Secrets{ClientID: "client-id", ClientSecret: "client-secret", RefreshToken: "R1"}
}

func newBridge(t *testing.T, f *fakeSpotify, store secrets.Store, cfg ServerConfig) (*Server, *auth.Manager) {
	t.Helper()

	provider := httptest.NewServer(f)
	t.Cleanup(provider.Close)

	oauth := auth.NewOAuthClient("http://127.0.0.1:8080/callback",
		auth.WithEndpoints(provider.URL+"/authorize", provider.URL+"/api/token"))
	manager := auth.NewManager(store, oauth, auth.WithLogger(logging.Discard()))
	tracks := spotify.New(spotify.WithBaseURL(provider.URL + "/v1"))

	cfg.Logger = logging.Discard()
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = testOrigin
	}
	return NewServer(cfg, manager, tracks), manager
}

func do(s *Server, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Origin", testOrigin)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error
}

func TestRecentlyListened_RefreshesThenServesTrack(t *testing.T) {
	f := &fakeSpotify{token: issue("A1", "", 3600), api: acceptOnly("A1")}
	srv, manager := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

	rec := do(srv, http.MethodGet, "/api/recently-listened")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testOrigin)
	}

	var body TrackResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Title != "Paranoid Android" || body.Artist != "Radiohead" {
		t.Errorf("body = %+v", body)
	}
	if body.AlbumArt == nil || *body.AlbumArt != "https://i.scdn.co/image/ok" {
		t.Errorf("albumArt = %v, want https://i.scdn.co/image/ok", body.AlbumArt)
	}

	want := time.Now().Add(time.Hour)
	if d := want.Sub(manager.Status().ExpiresAt); d < 0 || d > 10*time.Second {
		t.Errorf("ExpiresAt = %v, want about %v", manager.Status().ExpiresAt, want)
	}

	// The cached token serves the next request without another refresh.
	if rec := do(srv, http.MethodGet, "/api/recently-listened"); rec.Code != http.StatusOK {
		t.Errorf("second request status = %d, want 200", rec.Code)
	}
	if got := f.tokenHits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1", got)
	}
}

func TestRecentlyListened_RejectedRefreshRequiresLogin(t *testing.T) {
	f := &fakeSpotify{
		token: func(url.Values) (int, string) {
			return http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid refresh token"}`
		},
		api: acceptOnly("A1"),
	}
	srv, manager := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

	rec := do(srv, http.MethodGet, "/api/recently-listened")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeError(t, rec); got != msgAuthRequired {
		t.Errorf("error = %q, want %q", got, msgAuthRequired)
	}

	st := manager.Status()
	if st.HasRefreshToken {
		t.Error("refresh token still held after the provider rejected it")
	}
	if st.State != auth.StateNoRefreshToken {
		t.Errorf("State = %q, want %q", st.State, auth.StateNoRefreshToken)
	}
	if f.apiHits.Load() != 0 {
		t.Errorf("api hits = %d, want 0", f.apiHits.Load())
	}
}

func TestCallback_PersistsTokensAndServesWithoutLogin(t *testing.T) {
	f := &fakeSpotify{token: issue("A2", "R2", 1800), api: acceptOnly("A2")}
	sec := testSecrets()
	sec.RefreshToken = ""
	store := secrets.NewMemoryStore(sec)
	srv, manager := newBridge(t, f, store, ServerConfig{})
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	rec := do(srv, http.MethodGet, "/callback?code=ABC")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "Authorization successful") {
		t.Errorf("callback body = %q", rec.Body)
	}
	if got := store.Snapshot().RefreshToken; got != "R2" {
		t.Errorf("persisted refresh_token = %q, want R2", got)
	}

	rec = do(srv, http.MethodGet, "/api/recently-listened")
	if rec.Code != http.StatusOK {
		t.Fatalf("api status = %d, want 200", rec.Code)
	}
	if got := f.tokenHits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1", got)
	}
}

func TestRecentlyListened_UnauthorizedRetry(t *testing.T) {
	tests := []struct {
		name         string
		token        func(url.Values) (int, string)
		api          func(string) (int, string)
		wantStatus   int
		wantAPIHits  int32
		wantErrorMsg string
	}{
		{
			name:        "retry succeeds with refreshed token",
			token:       issue("A2", "", 3600),
			api:         acceptOnly("A2"),
			wantStatus:  http.StatusOK,
			wantAPIHits: 2,
		},
		{
			name:  "still unauthorized after retry",
			token: issue("A2", "", 3600),
			api: func(string) (int, string) {
				return http.StatusUnauthorized, expiredBody
			},
			wantStatus:   http.StatusUnauthorized,
			wantAPIHits:  2,
			wantErrorMsg: msgAuthRequired,
		},
		{
			name: "refresh fails so no retry",
			token: func(url.Values) (int, string) {
				return http.StatusInternalServerError, `{"error":"server_error"}`
			},
			api:          acceptOnly("A2"),
			wantStatus:   http.StatusUnauthorized,
			wantAPIHits:  1,
			wantErrorMsg: msgAuthRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSpotify{token: tt.token, api: tt.api}
			sec := testSecrets()
			sec.AccessToken = "A1"
			sec.TokenExpiry = time.Now().Add(time.Hour)
			srv, manager := newBridge(t, f, secrets.NewMemoryStore(sec), ServerConfig{})
			if err := manager.Init(context.Background()); err != nil {
				t.Fatalf("Init() error = %v", err)
			}

			rec := do(srv, http.MethodGet, "/api/recently-listened")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantErrorMsg != "" {
				if got := decodeError(t, rec); got != tt.wantErrorMsg {
					t.Errorf("error = %q, want %q", got, tt.wantErrorMsg)
				}
			}
			if got := f.apiHits.Load(); got != tt.wantAPIHits {
				t.Errorf("api hits = %d, want %d", got, tt.wantAPIHits)
			}
			if got := f.tokenHits.Load(); got != 1 {
				t.Errorf("token endpoint hits = %d, want 1", got)
			}
		})
	}
}

func TestRecentlyListened_ResourceErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "rate limited upstream",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"status":429,"message":"API rate limit exceeded"}}`,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  msgRateLimited,
		},
		{
			name:       "empty history",
			status:     http.StatusOK,
			body:       `{"items":[]}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  msgNoRecentTracks,
		},
		{
			name:       "upstream failure",
			status:     http.StatusBadGateway,
			body:       `{"error":{"status":502,"message":"internal upstream detail"}}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  msgFetchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSpotify{
				token: issue("A1", "", 3600),
				api: func(string) (int, string) {
					return tt.status, tt.body
				},
			}
			srv, _ := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

			rec := do(srv, http.MethodGet, "/api/recently-listened")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			raw := rec.Body.String()
			if strings.Contains(raw, "upstream detail") {
				t.Errorf("upstream body leaked to client: %s", raw)
			}
			if got := decodeError(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestRecentlyListened_SecretStoreFailure(t *testing.T) {
	store := secrets.NewMemoryStore(testSecrets())
	store.GetErr = errors.New("access denied")
	f := &fakeSpotify{token: issue("A1", "", 3600), api: acceptOnly("A1")}
	srv, _ := newBridge(t, f, store, ServerConfig{})

	rec := do(srv, http.MethodGet, "/api/recently-listened")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeError(t, rec); got != msgConfigError {
		t.Errorf("error = %q, want %q", got, msgConfigError)
	}
	if f.tokenHits.Load() != 0 {
		t.Errorf("token endpoint hits = %d, want 0", f.tokenHits.Load())
	}
}

func TestRecentlyListened_RateLimit(t *testing.T) {
	f := &fakeSpotify{token: issue("A1", "", 3600), api: acceptOnly("A1")}
	srv, _ := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{RateLimit: 0.001, Burst: 1})

	if rec := do(srv, http.MethodGet, "/api/recently-listened"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec := do(srv, http.MethodGet, "/api/recently-listened")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := decodeError(t, rec); got != msgTooManyRequests {
		t.Errorf("error = %q, want %q", got, msgTooManyRequests)
	}
	if got := f.apiHits.Load(); got != 1 {
		t.Errorf("api hits = %d, want 1", got)
	}

	// The limit only applies to the API route.
	if rec := do(srv, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := newBridge(t, &fakeSpotify{}, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

	preflight := func(path, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	for _, path := range []string{"/api/recently-listened", "/anything"} {
		t.Run(path, func(t *testing.T) {
			rec := preflight(path, testOrigin)
			if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 200 or 204", rec.Code)
			}

			h := rec.Header()
			if got := h.Get("Access-Control-Allow-Origin"); got != testOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testOrigin)
			}
			if got := h.Get("Access-Control-Allow-Methods"); got != http.MethodGet {
				t.Errorf("Access-Control-Allow-Methods = %q, want GET", got)
			}
			if got := h.Get("Access-Control-Allow-Headers"); !strings.EqualFold(got, "Content-Type") {
				t.Errorf("Access-Control-Allow-Headers = %q, want Content-Type", got)
			}
			if got := h.Get("Access-Control-Max-Age"); got != "600" {
				t.Errorf("Access-Control-Max-Age = %q, want 600", got)
			}
		})
	}

	t.Run("foreign origin", func(t *testing.T) {
		rec := preflight("/api/recently-listened", "https://example.com")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
		}
	})
}

func TestCORS_ForeignOriginGetsNoHeader(t *testing.T) {
	f := &fakeSpotify{token: issue("A1", "", 3600), api: acceptOnly("A1")}
	srv, _ := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/recently-listened", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want none", got)
	}
}

func TestLogin(t *testing.T) {
	srv, _ := newBridge(t, &fakeSpotify{}, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

	rec := do(srv, http.MethodGet, "/login")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}

	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if !strings.HasSuffix(loc.Path, "/authorize") {
		t.Errorf("Location path = %q, want .../authorize", loc.Path)
	}
	q := loc.Query()
	if q.Get("client_id") != "client-id" {
		t.Errorf("client_id = %q, want client-id", q.Get("client_id"))
	}
	if q.Get("scope") != "user-read-recently-played" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	var state *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			state = c
		}
	}
	if state == nil {
		t.Fatal("state cookie not set")
	}
	if !state.HttpOnly {
		t.Error("state cookie is not HttpOnly")
	}
	if q.Get("state") != state.Value {
		t.Errorf("state = %q, cookie = %q", q.Get("state"), state.Value)
	}
}

func TestLogin_SecretStoreFailure(t *testing.T) {
	store := secrets.NewMemoryStore(testSecrets())
	store.GetErr = errors.New("access denied")
	srv, _ := newBridge(t, &fakeSpotify{}, store, ServerConfig{})

	rec := do(srv, http.MethodGet, "/login")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCallback_Errors(t *testing.T) {
	rejectCode := func(url.Values) (int, string) {
		return http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid authorization code"}`
	}

	tests := []struct {
		name          string
		target        string
		cookie        *http.Cookie
		token         func(url.Values) (int, string)
		wantStatus    int
		wantTokenHits int32
	}{
		{
			name:       "provider error",
			target:     "/callback?error=access_denied",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing code",
			target:     "/callback",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "state mismatch",
			target:     "/callback?code=ABC&state=other",
			cookie:     &http.Cookie{Name: stateCookie, Value: "expected"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:          "exchange rejected",
			target:        "/callback?code=BAD",
			token:         rejectCode,
			wantStatus:    http.StatusInternalServerError,
			wantTokenHits: 1,
		},
		{
			name:          "matching state",
			target:        "/callback?code=ABC&state=expected",
			cookie:        &http.Cookie{Name: stateCookie, Value: "expected"},
			token:         issue("A2", "R2", 3600),
			wantStatus:    http.StatusOK,
			wantTokenHits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeSpotify{token: tt.token}
			srv, _ := newBridge(t, f, secrets.NewMemoryStore(testSecrets()), ServerConfig{})

			var cookies []*http.Cookie
			if tt.cookie != nil {
				cookies = append(cookies, tt.cookie)
			}
			rec := do(srv, http.MethodGet, tt.target, cookies...)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := f.tokenHits.Load(); got != tt.wantTokenHits {
				t.Errorf("token endpoint hits = %d, want %d", got, tt.wantTokenHits)
			}
			if strings.Contains(rec.Body.String(), "invalid_grant") {
				t.Errorf("upstream error leaked: %s", rec.Body)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	sec := testSecrets()
	sec.AccessToken = "secret-access-token"
	sec.TokenExpiry = time.Now().Add(time.Hour)
	srv, manager := newBridge(t, &fakeSpotify{}, secrets.NewMemoryStore(sec), ServerConfig{})
	if err := manager.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	rec := do(srv, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "secret-access-token") || strings.Contains(raw, "R1") {
		t.Errorf("token value exposed: %s", raw)
	}

	var body healthResponse
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" || body.Token.State != auth.StateValid || !body.Token.HasRefreshToken {
		t.Errorf("body = %+v", body)
	}
}
