package tilekey

import "sort"

// Tile identifies a single (x, y) tile at a zoom level, independent of
// layer or rendering parameters — the unit that warming groups into
// mosaics.
type Tile struct {
	Z, X, Y int
}

// Mosaic is a contiguous rectangle of tiles, at most MaxGrid×MaxGrid,
// materialized from a single backend lease.
type Mosaic struct {
	Z          int
	MinX, MinY int
	MaxX, MaxY int
	Tiles      []Tile
}

// BBox returns the union bounding box of the mosaic's tiles.
func (m Mosaic) BBox() BBox {
	nw := TileBBox(m.MinX, m.MinY, m.Z)
	se := TileBBox(m.MaxX, m.MaxY, m.Z)
	return BBox{West: nw.West, North: nw.North, East: se.East, South: se.South}
}

// GroupTilesIntoMosaics groups tiles per-zoom into rectangles of at most
// maxGrid×maxGrid, sorted (z asc, x asc, y asc), greedily expanding each
// unassigned tile into the largest rectangle of unassigned neighbors.
func GroupTilesIntoMosaics(tiles []Tile, maxGrid int) []Mosaic {
	if len(tiles) == 0 {
		return nil
	}
	if maxGrid < 1 {
		maxGrid = 1
	}

	byZoom := make(map[int][]Tile)
	for _, t := range tiles {
		byZoom[t.Z] = append(byZoom[t.Z], t)
	}

	zooms := make([]int, 0, len(byZoom))
	for z := range byZoom {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	var mosaics []Mosaic
	for _, z := range zooms {
		zoomTiles := byZoom[z]
		sort.Slice(zoomTiles, func(i, j int) bool {
			if zoomTiles[i].X != zoomTiles[j].X {
				return zoomTiles[i].X < zoomTiles[j].X
			}
			return zoomTiles[i].Y < zoomTiles[j].Y
		})

		present := make(map[Tile]bool, len(zoomTiles))
		for _, t := range zoomTiles {
			present[t] = true
		}
		processed := make(map[Tile]bool, len(zoomTiles))

		for _, t := range zoomTiles {
			if processed[t] {
				continue
			}

			minX, minY := t.X, t.Y
			maxX, maxY := t.X, t.Y

			// Expand the rectangle one row/column at a time while every
			// candidate cell in the next row or column is present and
			// unprocessed, and the grid stays within maxGrid.
			for maxX-minX+1 < maxGrid && canExtendColumn(z, present, processed, minY, maxY, maxX+1) {
				maxX++
			}
			for maxY-minY+1 < maxGrid && canExtendRow(z, present, processed, minX, maxX, maxY+1) {
				maxY++
			}

			var members []Tile
			for x := minX; x <= maxX; x++ {
				for y := minY; y <= maxY; y++ {
					mt := Tile{Z: z, X: x, Y: y}
					if present[mt] {
						members = append(members, mt)
						processed[mt] = true
					}
				}
			}

			mosaics = append(mosaics, Mosaic{
				Z:    z,
				MinX: minX, MinY: minY,
				MaxX: maxX, MaxY: maxY,
				Tiles: members,
			})
		}
	}

	return mosaics
}

func canExtendColumn(z int, present, processed map[Tile]bool, minY, maxY, x int) bool {
	for y := minY; y <= maxY; y++ {
		t := Tile{Z: z, X: x, Y: y}
		if !present[t] || processed[t] {
			return false
		}
	}
	return true
}

func canExtendRow(z int, present, processed map[Tile]bool, minX, maxX, y int) bool {
	for x := minX; x <= maxX; x++ {
		t := Tile{Z: z, X: x, Y: y}
		if !present[t] || processed[t] {
			return false
		}
	}
	return true
}
