// Package secrets defines the durable credential record and the stores that hold it.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	// ErrSecretRetrievalFailed is returned when the store is unreachable or its payload is malformed.
	ErrSecretRetrievalFailed = errors.New("secret retrieval failed")

	// ErrNotFound is returned when the store has no record under the configured name.
	ErrNotFound = errors.New("secret not found")

	// ErrMissingCredentials is returned when the record lacks client_id or client_secret.
	ErrMissingCredentials = errors.New("missing client_id or client_secret")

	// ErrSecretPersistFailed is returned when writing the record back fails.
	ErrSecretPersistFailed = errors.New("secret persist failed")
)

// Store is a durable key/value store holding a single Secrets record.
type Store interface {
	Get(ctx context.Context) (*Secrets, error)
	Put(ctx context.Context, s *Secrets) error
}

// Secrets is the credential record shared with the secret store.
//
// Fields the bridge does not know about are kept and written back unchanged,
// so operators can store extra keys next to the credentials.
type Secrets struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	TokenExpiry  time.Time // zero when unknown

	extra map[string]json.RawMessage
}

// wireSecrets is the JSON shape of the known fields.
type wireSecrets struct {
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	RefreshToken string     `json:"refresh_token"`
	AccessToken  *string    `json:"access_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
}

var knownKeys = []string{"client_id", "client_secret", "refresh_token", "access_token", "token_expiry"}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Secrets) UnmarshalJSON(data []byte) error {
	var w wireSecrets
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}

	*s = Secrets{
		ClientID:     w.ClientID,
		ClientSecret: w.ClientSecret,
		RefreshToken: w.RefreshToken,
	}
	if w.AccessToken != nil {
		s.AccessToken = *w.AccessToken
	}
	if w.TokenExpiry != nil {
		s.TokenExpiry = *w.TokenExpiry
	}
	if len(all) > 0 {
		s.extra = all
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Secrets) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.extra)+len(knownKeys))
	for k, v := range s.extra {
		out[k] = v
	}

	out["client_id"] = s.ClientID
	out["client_secret"] = s.ClientSecret
	out["refresh_token"] = s.RefreshToken
	if s.AccessToken != "" {
		out["access_token"] = s.AccessToken
	}
	if !s.TokenExpiry.IsZero() {
		out["token_expiry"] = s.TokenExpiry.UTC()
	}

	return json.Marshal(out)
}

// Clone returns a deep copy.
func (s *Secrets) Clone() *Secrets {
	if s == nil {
		return nil
	}
	c := *s
	c.extra = maps.Clone(s.extra)
	return &c
}

// Validate reports whether the record carries the client credentials.
// A missing refresh token is not an error: it is recovered by a new login.
func (s *Secrets) Validate() error {
	if s.ClientID == "" || s.ClientSecret == "" {
		return fmt.Errorf("%w: %w", ErrSecretRetrievalFailed, ErrMissingCredentials)
	}
	return nil
}

// Decode parses a stored payload.
func Decode(data []byte) (*Secrets, error) {
	var s Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing payload: %w", ErrSecretRetrievalFailed, err)
	}
	return &s, nil
}

// Encode serializes a record for storage.
func Encode(s *Secrets) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cannot encode nil secrets")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding secrets: %w", err)
	}
	return data, nil
}
