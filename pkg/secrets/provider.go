package secrets

import "context"

// Provider is the backing secret store. The engine reads secrets as flat
// key-value bundles, one bundle per concern (broker credentials, database
// DSN, directory login), stored under an environment-scoped name.
type Provider interface {
	// GetSecret fetches one bundle by its full name.
	GetSecret(ctx context.Context, name string) (map[string]string, error)

	// ListSecrets returns the full names of every bundle under prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}
