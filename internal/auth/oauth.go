package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout = 10 * time.Second

	// defaultTokenLifetime is assumed when the provider omits expires_in.
	defaultTokenLifetime = time.Hour
)

// ErrGrantRejected is returned when the token endpoint answers with a 4xx,
// meaning the code or refresh token will never work again.
var ErrGrantRejected = errors.New("grant rejected by token endpoint")

// Credentials identifies the registered client application.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenResponse is the subset of a token endpoint response the bridge uses.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not issue one
	ExpiresIn    time.Duration
}

// OAuthClient performs the authorization-code and refresh-token grants
// against the provider's token endpoint with HTTP Basic client authentication.
type OAuthClient struct {
	authURL     string
	tokenURL    string
	redirectURI string
	scopes      []string
	httpClient  *http.Client
	timeout     time.Duration
}

// OAuthOption configures an OAuthClient.
type OAuthOption func(*OAuthClient)

// WithEndpoints overrides the authorization and token URLs.
func WithEndpoints(authURL, tokenURL string) OAuthOption {
	return func(c *OAuthClient) {
		if authURL != "" {
			c.authURL = authURL
		}
		if tokenURL != "" {
			c.tokenURL = tokenURL
		}
	}
}

// WithScopes replaces the requested scopes.
func WithScopes(scopes ...string) OAuthOption {
	return func(c *OAuthClient) {
		c.scopes = scopes
	}
}

// WithOAuthHTTPClient sets the HTTP client used for token requests.
func WithOAuthHTTPClient(hc *http.Client) OAuthOption {
	return func(c *OAuthClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithOAuthTimeout bounds every token request.
func WithOAuthTimeout(d time.Duration) OAuthOption {
	return func(c *OAuthClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewOAuthClient creates an OAuthClient for Spotify's accounts service.
// redirectURI must match the one registered with the application.
func NewOAuthClient(redirectURI string, opts ...OAuthOption) *OAuthClient {
	c := &OAuthClient{
		authURL:     spotifyauth.AuthURL,
		tokenURL:    spotifyauth.TokenURL,
		redirectURI: redirectURI,
		scopes:      []string{spotifyauth.ScopeUserReadRecentlyPlayed},
		httpClient:  &http.Client{},
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OAuthClient) config(creds Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  c.redirectURI,
		Scopes:       c.scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthCodeURL builds the URL the user is redirected to for consent.
func (c *OAuthClient) AuthCodeURL(creds Credentials, state string) string {
	return c.config(creds).AuthCodeURL(state)
}

// ExchangeCode performs the authorization_code grant.
func (c *OAuthClient) ExchangeCode(ctx context.Context, creds Credentials, code string) (*TokenResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tok, err := c.config(creds).Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError("exchanging authorization code", err)
	}
	return toResponse(tok), nil
}

// Refresh performs the refresh_token grant.
func (c *OAuthClient) Refresh(ctx context.Context, creds Credentials, refreshToken string) (*TokenResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	// An empty access token forces the token source to hit the endpoint.
	src := c.config(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError("refreshing access token", err)
	}

	resp := toResponse(tok)
	// oauth2 carries the old refresh token forward when none is returned.
	if resp.RefreshToken == refreshToken {
		resp.RefreshToken = ""
	}
	return resp, nil
}

func (c *OAuthClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

func toResponse(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}

	switch {
	case tok.ExpiresIn > 0:
		resp.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		resp.ExpiresIn = time.Until(tok.Expiry)
	default:
		resp.ExpiresIn = defaultTokenLifetime
	}
	return resp
}

// classifyTokenError marks 4xx answers as ErrGrantRejected; network errors,
// timeouts and 5xx stay plain so callers can treat them as retryable.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code >= 400 && code < 500 {
			return fmt.Errorf("%s: %w: HTTP %d %s: %w", op, ErrGrantRejected, code, re.ErrorCode, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
