// Package tilekey provides pure, I/O-free tile geometry and cache-key
// derivation: slippy-map conversions, canonical key formatting, and mosaic
// grouping used to amortize backend calls across adjacent tiles.
package tilekey

import (
	"fmt"
	"math"
)

// TileKey is the canonical identity of a cached tile: (layer, x, y, z,
// render_params_digest). Two requests with the same TileKey must produce
// byte-identical PNGs.
type TileKey struct {
	Layer              string
	Z, X, Y            int
	RenderParamsDigest string
}

// BBox is a Mercator bounding box in degrees.
type BBox struct {
	West, South, East, North float64
}

// TileBBox returns the Mercator bounding box covered by tile (x, y, z).
func TileBBox(x, y, z int) BBox {
	north, west := TileToLatLon(x, y, z)
	south, east := TileToLatLon(x+1, y+1, z)
	return BBox{West: west, South: south, East: east, North: north}
}

// LatLonToTile converts a latitude/longitude pair to the tile coordinates
// containing it at the given zoom.
func LatLonToTile(lat, lon float64, zoom int) (x, y int) {
	lat = math.Max(-85.05112878, math.Min(85.05112878, lat))
	n := math.Pow(2, float64(zoom))

	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	y = int(math.Floor((1.0 - math.Log(math.Tan(lat*math.Pi/180.0)+1.0/math.Cos(lat*math.Pi/180.0))/math.Pi) / 2.0 * n))

	return x, y
}

// TileToLatLon converts tile coordinates to the lat/lon of their
// northwest corner.
func TileToLatLon(x, y, zoom int) (lat, lon float64) {
	n := math.Pow(2, float64(zoom))
	lon = float64(x)/n*360.0 - 180.0

	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi

	return lat, lon
}

// geoBucket buckets a tile's x/y into a coarse directory-like prefix so
// cache keys for nearby tiles sort and shard together, independent of the
// L3 hex-prefix sharding applied in internal/cache.
func geoBucket(x, y int) string {
	return fmt.Sprintf("%d_%d", x/64, y/64)
}

// CacheKey derives the canonical, stable cache key for a TileKey. Identical
// identities always produce the identical string. The layer is not
// escaped; different identities do not collide as long as the digest is
// a hex string such as CanonicalDigest returns (free of '_' and '/') and
// the layer contains no '/'.
func CacheKey(k TileKey) string {
	return fmt.Sprintf("%s_%s/%s/%d/%d_%d.png", k.Layer, k.RenderParamsDigest, geoBucket(k.X, k.Y), k.Z, k.X, k.Y)
}

// MetaKey derives the lease-metadata key for a (layer, region, params)
// triple. A region is either a catalog point/campaign identifier or a
// mosaic's grid key; it is opaque to this package.
func MetaKey(layer, regionID, renderParamsDigest string) string {
	return fmt.Sprintf("%s_%s_%s", layer, regionID, renderParamsDigest)
}
