package tilekey

import (
	"math"
	"testing"
)

func TestLatLonToTileRoundTrip(t *testing.T) {
	cases := []struct {
		lat, lon float64
		zoom     int
	}{
		{-15.7801, -47.9292, 10}, // Brasília
		{0, 0, 5},
		{51.5074, -0.1278, 12}, // London
		{-33.8688, 151.2093, 8},
	}

	for _, c := range cases {
		x, y := LatLonToTile(c.lat, c.lon, c.zoom)
		bbox := TileBBox(x, y, c.zoom)

		if c.lon < bbox.West || c.lon > bbox.East {
			t.Errorf("lon %v not within bbox [%v,%v] at zoom %d", c.lon, bbox.West, bbox.East, c.zoom)
		}
		if c.lat < bbox.South || c.lat > bbox.North {
			t.Errorf("lat %v not within bbox [%v,%v] at zoom %d", c.lat, bbox.South, bbox.North, c.zoom)
		}
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	k := TileKey{Layer: "landsat", Z: 10, X: 512, Y: 384, RenderParamsDigest: "abc123"}

	a := CacheKey(k)
	b := CacheKey(k)
	if a != b {
		t.Fatalf("CacheKey not deterministic: %q != %q", a, b)
	}

	other := k
	other.Y = 385
	if CacheKey(other) == a {
		t.Fatalf("different identities produced the same cache key")
	}
}

func TestCacheKeyDiffersByDigest(t *testing.T) {
	a := TileKey{Layer: "sentinel", Z: 9, X: 1, Y: 1, RenderParamsDigest: "digest-one"}
	b := a
	b.RenderParamsDigest = "digest-two"

	if CacheKey(a) == CacheKey(b) {
		t.Fatalf("expected different render param digests to yield different cache keys")
	}
}

func TestCanonicalDigestOrderIndependent(t *testing.T) {
	p1 := map[string]any{"year": 2023, "vis": "tvi-false", "month": 6}
	p2 := map[string]any{"month": 6, "year": 2023, "vis": "tvi-false"}

	if CanonicalDigest(p1) != CanonicalDigest(p2) {
		t.Fatalf("digest should not depend on map insertion order")
	}

	p3 := map[string]any{"year": 2024, "vis": "tvi-false", "month": 6}
	if CanonicalDigest(p1) == CanonicalDigest(p3) {
		t.Fatalf("different params produced the same digest")
	}
}

func TestGroupTilesIntoMosaicsRespectsGridSize(t *testing.T) {
	var tiles []Tile
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			tiles = append(tiles, Tile{Z: 10, X: x, Y: y})
		}
	}

	mosaics := GroupTilesIntoMosaics(tiles, 4)

	total := 0
	for _, m := range mosaics {
		w := m.MaxX - m.MinX + 1
		h := m.MaxY - m.MinY + 1
		if w > 4 || h > 4 {
			t.Errorf("mosaic exceeds max grid: %dx%d", w, h)
		}
		total += len(m.Tiles)
	}

	if total != len(tiles) {
		t.Fatalf("expected all %d tiles covered, got %d", len(tiles), total)
	}
}

func TestGroupTilesIntoMosaicsSeparatesZoomLevels(t *testing.T) {
	tiles := []Tile{
		{Z: 10, X: 0, Y: 0},
		{Z: 11, X: 0, Y: 0},
	}

	mosaics := GroupTilesIntoMosaics(tiles, 4)
	if len(mosaics) != 2 {
		t.Fatalf("expected tiles at different zooms to produce separate mosaics, got %d", len(mosaics))
	}
}

func TestMosaicBBoxIsUnionOfMembers(t *testing.T) {
	tiles := []Tile{{Z: 12, X: 100, Y: 100}, {Z: 12, X: 101, Y: 100}, {Z: 12, X: 100, Y: 101}, {Z: 12, X: 101, Y: 101}}
	mosaics := GroupTilesIntoMosaics(tiles, 4)
	if len(mosaics) != 1 {
		t.Fatalf("expected a single 2x2 mosaic, got %d", len(mosaics))
	}

	bbox := mosaics[0].BBox()
	single := TileBBox(100, 100, 12)
	if math.Abs(bbox.West-single.West) > 1e-9 || math.Abs(bbox.North-single.North) > 1e-9 {
		t.Errorf("mosaic bbox northwest corner should match the northwest member tile")
	}
}
