package secrets

import (
	"context"
	"fmt"
	"strings"

	pkgsecrets "github.com/procurehub/auction-engine/pkg/secrets"
	"go.uber.org/zap"
)

// Resolver resolves named configuration bundles from AWS Secrets Manager,
// caching results locally to reduce API calls. It is generic over the
// resolved type T so the same core logic serves broker credentials and
// supplier-channel configs alike.
//
// Secret naming convention: {env}/{kind}/{name}
type Resolver[T any] struct {
	logger   *zap.Logger
	env      string
	kind     string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
}

// NewResolver constructs a resolver for one kind of secret
// ("brokers", "channels", ...).
func NewResolver[T any](
	logger *zap.Logger,
	env string,
	kind string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
) *Resolver[T] {
	return &Resolver[T]{
		logger:   logger,
		env:      env,
		kind:     kind,
		provider: provider,
		cache:    cache,
	}
}

func (r *Resolver[T]) cacheKey(name string) string {
	return strings.ToLower(fmt.Sprintf("%s|%s", r.kind, name))
}

// secretName builds the AWS Secrets Manager key for a named bundle.
// Pattern: {env}/{kind}/{name}
func (r *Resolver[T]) secretName(name string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, r.kind, name))
}

// Resolve fetches or caches the bundle T stored under name.
// parse extracts T from the raw secret map; it should validate required fields.
func (r *Resolver[T]) Resolve(ctx context.Context, name string, parse func(map[string]string) (T, error)) (T, error) {
	key := r.cacheKey(name)

	if cfg, ok := r.cache.Get(key); ok {
		return cfg, nil
	}

	secretName := r.secretName(name)
	secretMap, err := r.provider.GetSecret(ctx, secretName)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", secretName),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve %s bundle %q: %w", r.kind, name, err)
	}

	cfg, err := parse(secretMap)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", secretName, err)
	}

	r.cache.Put(key, cfg)

	r.logger.Info("secrets.bundle_resolved",
		zap.String("kind", r.kind),
		zap.String("name", name),
	)
	return cfg, nil
}

// Discover lists all bundle names configured under this resolver's kind.
// It searches for secrets named "{env}/{kind}/…" and extracts the last segment.
// Used at boot to discover supplier bid channels without redeploying.
func (r *Resolver[T]) Discover(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(fmt.Sprintf("%s/%s/", r.env, r.kind))

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover %s bundles: %w", r.kind, err)
	}

	var found []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		trimmed := strings.TrimPrefix(lower, prefix)
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			found = append(found, trimmed)
		}
	}

	r.logger.Info("secrets.bundles_discovered",
		zap.String("kind", r.kind),
		zap.Int("count", len(found)),
		zap.Strings("names", found),
	)
	return found, nil
}
