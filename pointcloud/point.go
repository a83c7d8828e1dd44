package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Point is a single colored point in world coordinates (metres). Tile is a bitmask
// naming the camera that produced it: camera i sets bit i.
type Point struct {
	Position r3.Vector
	Color    color.NRGBA
	Tile     uint8
}

// NewPoint returns an opaque point with the given position, rgb color and tile.
func NewPoint(x, y, z float64, r, g, b, tile uint8) Point {
	return Point{
		Position: r3.Vector{X: x, Y: y, Z: z},
		Color:    color.NRGBA{R: r, G: g, B: b, A: 255},
		Tile:     tile,
	}
}

// RGB255 returns the RGB components of the color.
func (p Point) RGB255() (uint8, uint8, uint8) {
	return p.Color.R, p.Color.G, p.Color.B
}

// TileForCamera returns the tile bit of the camera with the given index.
// Indices outside [0, 8) have no bit and get 0.
func TileForCamera(index int) uint8 {
	if index < 0 || index >= 8 {
		return 0
	}
	return uint8(1) << uint(index)
}
