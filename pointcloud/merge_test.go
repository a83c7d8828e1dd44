package pointcloud

import (
	"testing"

	"go.viam.com/test"
)

func makeCloud(tile uint8, n int) *PointCloud {
	pc := NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		pc.Append(NewPoint(float64(i), float64(tile), 0, 1, 2, 3, tile))
	}
	return pc
}

func TestMerge(t *testing.T) {
	t.Run("sums sizes in argument order", func(t *testing.T) {
		a := makeCloud(TileForCamera(0), 1000)
		b := makeCloud(TileForCamera(1), 1500)

		dst := New()
		expected := Merge(dst, a, b)
		test.That(t, expected, test.ShouldEqual, 2500)
		test.That(t, dst.Size(), test.ShouldEqual, expected)
		test.That(t, dst.Cap(), test.ShouldEqual, 2500)

		test.That(t, dst.At(0).Tile, test.ShouldEqual, uint8(1))
		test.That(t, dst.At(999).Tile, test.ShouldEqual, uint8(1))
		test.That(t, dst.At(1000).Tile, test.ShouldEqual, uint8(2))
		test.That(t, dst.CountTile(1), test.ShouldEqual, 1000)
		test.That(t, dst.CountTile(2), test.ShouldEqual, 1500)
		test.That(t, dst.MetaData().Tiles, test.ShouldEqual, uint8(3))
		test.That(t, dst.MetaData().MaxX, test.ShouldEqual, 1499)
	})

	t.Run("nil and empty clouds contribute nothing", func(t *testing.T) {
		dst := New()
		expected := Merge(dst, nil, New(), makeCloud(4, 3), nil)
		test.That(t, expected, test.ShouldEqual, 3)
		test.That(t, dst.Size(), test.ShouldEqual, 3)
		test.That(t, dst.MetaData().Tiles, test.ShouldEqual, uint8(4))
	})

	t.Run("no clouds", func(t *testing.T) {
		dst := New()
		test.That(t, Merge(dst), test.ShouldEqual, 0)
		test.That(t, dst.Size(), test.ShouldEqual, 0)
	})

	t.Run("sources are not modified", func(t *testing.T) {
		a := makeCloud(1, 5)
		dst := New()
		Merge(dst, a)
		test.That(t, a.Size(), test.ShouldEqual, 5)
		test.That(t, a.Points()[4], test.ShouldResemble, dst.Points()[4])
	})
}
