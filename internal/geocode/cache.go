package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shiftroute/internal/metrics"
	"shiftroute/internal/model"
)

// Cached wraps a Resolver with a Redis lookaside cache. Cache failures fall
// through to the wrapped resolver.
type Cached struct {
	next Resolver
	rdb  *redis.Client
	ttl  time.Duration
	log  logrus.FieldLogger
}

func NewCached(next Resolver, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Cached {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(address string) string { return "geocode:" + Normalize(address) }

func (c *Cached) Resolve(ctx context.Context, address string) (model.GeoPoint, error) {
	key := cacheKey(address)
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if p, perr := parsePoint(val); perr == nil {
			metrics.GeocodeLookups.WithLabelValues("cache", "hit").Inc()
			return p, nil
		}
		c.log.WithField("key", key).Warn("discarding malformed geocode cache entry")
	case errors.Is(err, redis.Nil):
		metrics.GeocodeLookups.WithLabelValues("cache", "miss").Inc()
	default:
		c.log.WithError(err).Warn("geocode cache read")
	}

	p, err := c.next.Resolve(ctx, address)
	if err != nil {
		return model.GeoPoint{}, err
	}
	if err := c.rdb.Set(ctx, key, formatPoint(p), c.ttl).Err(); err != nil {
		c.log.WithError(err).Warn("geocode cache write")
	}
	return p, nil
}

func formatPoint(p model.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

func parsePoint(s string) (model.GeoPoint, error) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return model.GeoPoint{}, fmt.Errorf("bad point %q", s)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return model.GeoPoint{}, err
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return model.GeoPoint{}, err
	}
	return model.GeoPoint{Lat: la, Lng: ln}, nil
}
