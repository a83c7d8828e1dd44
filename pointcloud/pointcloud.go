// Package pointcloud defines the ordered, colored point cloud produced by every camera
// and the merged cloud handed to consumers, along with PCD and LAS file support.
//
// A cloud is append-only while it is being built by its producer. Once published it
// must be treated as immutable.
package pointcloud

import (
	"math"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	// Tiles is the union of the tile bits of all points.
	Tiles uint8
}

// NewMetaData returns meta data for an empty cloud.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge extends the bounds and tile set to include p.
func (meta *MetaData) Merge(p Point) {
	v := p.Position
	meta.Tiles |= p.Tile

	if v.X > meta.MaxX {
		meta.MaxX = v.X
	}
	if v.Y > meta.MaxY {
		meta.MaxY = v.Y
	}
	if v.Z > meta.MaxZ {
		meta.MaxZ = v.Z
	}

	if v.X < meta.MinX {
		meta.MinX = v.X
	}
	if v.Y < meta.MinY {
		meta.MinY = v.Y
	}
	if v.Z < meta.MinZ {
		meta.MinZ = v.Z
	}
}

// PointCloud is an ordered list of points. Order is insertion order; merged clouds
// keep camera-index order.
type PointCloud struct {
	points []Point
	meta   MetaData
}

// New returns an empty PointCloud.
func New() *PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty PointCloud with room for size points.
func NewWithPrealloc(size int) *PointCloud {
	return &PointCloud{
		points: make([]Point, 0, size),
		meta:   NewMetaData(),
	}
}

// Size returns the number of points in the cloud.
func (cloud *PointCloud) Size() int {
	if cloud == nil {
		return 0
	}
	return len(cloud.points)
}

// MetaData returns meta data.
func (cloud *PointCloud) MetaData() MetaData {
	return cloud.meta
}

// Append adds p to the end of the cloud.
func (cloud *PointCloud) Append(p Point) {
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
}

// Grow makes room for at least n more points without reallocation.
func (cloud *PointCloud) Grow(n int) {
	if n <= cap(cloud.points)-len(cloud.points) {
		return
	}
	grown := make([]Point, len(cloud.points), len(cloud.points)+n)
	copy(grown, cloud.points)
	cloud.points = grown
}

// Cap returns the number of points the cloud can hold before reallocating.
func (cloud *PointCloud) Cap() int {
	return cap(cloud.points)
}

// At returns the i-th point.
func (cloud *PointCloud) At(i int) Point {
	return cloud.points[i]
}

// Points returns the points of the cloud. The returned slice must not be modified.
func (cloud *PointCloud) Points() []Point {
	if cloud == nil {
		return nil
	}
	return cloud.points
}

// Iterate iterates over all points in the cloud and calls the given
// function for each point. If the supplied function returns false,
// iteration will stop after the function returns.
// numBatches lets you divide up the work. 0 means don't divide
// myBatch is used iff numBatches > 0 and is which batch you want.
func (cloud *PointCloud) Iterate(numBatches, myBatch int, fn func(p Point) bool) {
	if cloud == nil {
		return
	}
	start, end := 0, len(cloud.points)
	if numBatches > 0 {
		batchSize := (len(cloud.points) + numBatches - 1) / numBatches
		start = myBatch * batchSize
		end = start + batchSize
		if end > len(cloud.points) {
			end = len(cloud.points)
		}
	}
	for i := start; i < end; i++ {
		if !fn(cloud.points[i]) {
			return
		}
	}
}

// CountTile returns how many points carry the given tile bit.
func (cloud *PointCloud) CountTile(tile uint8) int {
	count := 0
	cloud.Iterate(0, 0, func(p Point) bool {
		if p.Tile&tile != 0 {
			count++
		}
		return true
	})
	return count
}
