package secrets

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgsecrets "github.com/procurehub/auction-engine/pkg/secrets"
)

// channelConfig is a representative bundle: per-channel consumer credentials.
type channelConfig struct {
	Queue  string
	APIKey string
}

func parseChannel(m map[string]string) (channelConfig, error) {
	if m["queue"] == "" {
		return channelConfig{}, errors.New("queue is required")
	}
	return channelConfig{Queue: m["queue"], APIKey: m["api_key"]}, nil
}

type mockProvider struct {
	secrets     map[string]map[string]string
	secretNames []string // for ListSecrets
	err         error
	calls       int
}

func (m *mockProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.secrets[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("secret not found: %s", key)
}

func (m *mockProvider) ListSecrets(_ context.Context, _ string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.secretNames, nil
}

func newChannelResolver(mock *mockProvider, cache *pkgsecrets.Cache[channelConfig]) *Resolver[channelConfig] {
	return NewResolver(zap.NewNop(), "uat", "channels", mock, cache)
}

func TestResolve_CacheHit(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	cache.Put("channels|portal", channelConfig{Queue: "outbound.bids.submit.portal", APIKey: "cached"})

	mock := &mockProvider{}
	r := newChannelResolver(mock, cache)

	cfg, err := r.Resolve(context.Background(), "portal", parseChannel)

	require.NoError(t, err)
	assert.Equal(t, "cached", cfg.APIKey)
	assert.Equal(t, 0, mock.calls, "a cache hit must not reach the provider")
}

func TestResolve_FetchesAndCaches(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{
		secrets: map[string]map[string]string{
			"uat/channels/portal": {
				"queue":   "outbound.bids.submit.portal",
				"api_key": "key-123",
			},
		},
	}
	r := newChannelResolver(mock, cache)

	cfg, err := r.Resolve(context.Background(), "portal", parseChannel)
	require.NoError(t, err)
	assert.Equal(t, "outbound.bids.submit.portal", cfg.Queue)
	assert.Equal(t, "key-123", cfg.APIKey)

	_, err = r.Resolve(context.Background(), "portal", parseChannel)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.calls, "second resolve must be served from cache")
}

func TestResolve_NameIsLowercased(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{
		secrets: map[string]map[string]string{
			"uat/channels/portal": {"queue": "q"},
		},
	}
	r := newChannelResolver(mock, cache)

	_, err := r.Resolve(context.Background(), "Portal", parseChannel)
	require.NoError(t, err)
}

func TestResolve_ProviderError(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{err: errors.New("aws throttled")}
	r := newChannelResolver(mock, cache)

	_, err := r.Resolve(context.Background(), "portal", parseChannel)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve channels bundle")
}

func TestResolve_ParseError(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{
		secrets: map[string]map[string]string{
			"uat/channels/portal": {"api_key": "key-but-no-queue"},
		},
	}
	r := newChannelResolver(mock, cache)

	_, err := r.Resolve(context.Background(), "portal", parseChannel)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse secret")

	_, err = r.Resolve(context.Background(), "portal", parseChannel)
	require.Error(t, err)
	assert.Equal(t, 2, mock.calls, "a parse failure must not be cached")
}

func TestDiscover_ExtractsBundleNames(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{
		secretNames: []string{
			"uat/channels/portal",
			"uat/channels/marketplace",
			"uat/channels/nested/extra", // deeper paths are not bundles
			"uat/brokers/nats",          // different kind
			"prod/channels/portal",      // different env
		},
	}
	r := newChannelResolver(mock, cache)

	names, err := r.Discover(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"portal", "marketplace"}, names)
}

func TestDiscover_ProviderError(t *testing.T) {
	cache := pkgsecrets.NewCache[channelConfig](5 * time.Minute)
	mock := &mockProvider{err: errors.New("aws down")}
	r := newChannelResolver(mock, cache)

	_, err := r.Discover(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover channels bundles")
}
