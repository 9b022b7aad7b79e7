// Package cache stores rendered API responses for a short time so repeated
// dashboard polls do not recompute the same view.
package cache

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbtlens/dbtlens/pkg/config"
)

// Cache is a byte-value response cache with a fixed TTL.
type Cache interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error

	// Purge drops every entry, used when thresholds change.
	Purge(ctx context.Context) error
}

// New creates the cache selected by cfg. The none driver returns a cache
// that never stores anything.
func New(log logrus.FieldLogger, cfg *config.APICacheConfig) (Cache, error) {
	if cfg.Driver == config.CacheDriverNone {
		return noop{}, nil
	}

	ttl, err := cfg.TTLDuration()
	if err != nil {
		return nil, err
	}

	log = log.WithField("component", "cache")

	switch cfg.Driver {
	case config.CacheDriverMemory:
		return NewMemory(log, ttl), nil
	case config.CacheDriverRedis:
		return NewRedis(log, &cfg.Redis, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// Key builds a cache key from the view name, request path and query. The
// query is canonicalized so parameter order does not matter. asOf is
// truncated to the ttl so keys roll over as the lookback window moves.
func Key(view, path string, query url.Values, asOf time.Time, ttl time.Duration) string {
	var b strings.Builder

	b.WriteString(view)
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')

	for i, k := range slices.Sorted(maps.Keys(query)) {
		if i > 0 {
			b.WriteByte('&')
		}

		vals := slices.Clone(query[k])
		slices.Sort(vals)

		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(strings.Join(vals, ",")))
	}

	bucket := asOf.UTC()
	if ttl > 0 {
		bucket = bucket.Truncate(ttl)
	}

	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(bucket.Unix(), 10))

	return b.String()
}

type noop struct{}

var _ Cache = noop{}

func (noop) Start(context.Context) error { return nil }
func (noop) Stop() error                 { return nil }
func (noop) Purge(context.Context) error { return nil }

func (noop) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (noop) Set(context.Context, string, []byte) error {
	return nil
}
