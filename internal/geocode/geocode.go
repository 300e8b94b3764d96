// Package geocode resolves free-text delivery addresses to coordinates
// before stops reach the optimizer.
package geocode

import (
	"context"
	"errors"
	"strings"

	"shiftroute/internal/model"
)

// Resolver turns an address into a coordinate.
type Resolver interface {
	Resolve(ctx context.Context, address string) (model.GeoPoint, error)
}

var ErrNoResult = errors.New("no geocode result")

// Normalize folds case and whitespace so equivalent addresses share a cache key.
func Normalize(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}
