package secrets

import (
	"context"
	"fmt"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// secretManagerClient is the subset of the Secret Manager client used by GCPStore.
type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	DestroySecretVersion(ctx context.Context, req *secretmanagerpb.DestroySecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	Close() error
}

// GCPStore keeps the record in Google Secret Manager. Every Put adds a new
// secret version and destroys the one it replaces; Get always reads the latest.
type GCPStore struct {
	client secretManagerClient
	name   string // projects/{project}/secrets/{secret}

	mu      sync.Mutex
	current string   // resolved name of the newest version seen
	stale   []string // superseded versions still to destroy
}

// NewGCPStore creates a GCPStore for the secret resource name
// "projects/{project}/secrets/{secret}" using application default credentials.
func NewGCPStore(ctx context.Context, name string) (*GCPStore, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating Secret Manager client: %w", err)
	}
	return &GCPStore{client: client, name: name}, nil
}

// Close releases the underlying client.
func (g *GCPStore) Close() error {
	return g.client.Close()
}

// Get reads the latest secret version.
func (g *GCPStore) Get(ctx context.Context) (*Secrets, error) {
	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: g.name + "/versions/latest",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: accessing secret %s: %w", ErrSecretRetrievalFailed, g.name, err)
	}
	if result.GetPayload() == nil {
		return nil, fmt.Errorf("%w: secret %s has no payload", ErrSecretRetrievalFailed, g.name)
	}

	g.mu.Lock()
	g.supersede(result.GetName())
	g.mu.Unlock()

	return Decode(result.GetPayload().GetData())
}

// Put stores the record as a new secret version.
func (g *GCPStore) Put(ctx context.Context, s *Secrets) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecretPersistFailed, err)
	}

	version, err := g.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  g.name,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
	if err != nil {
		return fmt.Errorf("%w: adding secret version to %s: %w", ErrSecretPersistFailed, g.name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.supersede(version.GetName())
	g.destroyStale(ctx)

	return nil
}

// supersede records name as the newest version and queues the previous one
// for destruction. Callers hold mu.
func (g *GCPStore) supersede(name string) {
	if name == "" || name == g.current {
		return
	}
	if g.current != "" {
		g.stale = append(g.stale, g.current)
	}
	g.current = name
}

// destroyStale destroys superseded versions. The new version is already
// live, so failures are kept and retried on the next Put. A version another
// instance already destroyed counts as done. Callers hold mu.
func (g *GCPStore) destroyStale(ctx context.Context) {
	var failed []string
	for _, name := range g.stale {
		_, err := g.client.DestroySecretVersion(ctx, &secretmanagerpb.DestroySecretVersionRequest{Name: name})
		switch status.Code(err) {
		case codes.OK, codes.NotFound, codes.FailedPrecondition:
		default:
			failed = append(failed, name)
		}
	}
	g.stale = failed
}

var _ Store = (*GCPStore)(nil)
