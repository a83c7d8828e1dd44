package pointcloud

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestPointCloudBasic(t *testing.T) {
	pc := New()
	test.That(t, pc.Size(), test.ShouldEqual, 0)

	p0 := NewPoint(0, 0, 0, 10, 20, 30, TileForCamera(0))
	p1 := NewPoint(1, -2, 3, 40, 50, 60, TileForCamera(2))
	pc.Append(p0)
	pc.Append(p1)

	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.At(0), test.ShouldResemble, p0)
	test.That(t, pc.At(1), test.ShouldResemble, p1)

	meta := pc.MetaData()
	test.That(t, meta.MinX, test.ShouldEqual, 0)
	test.That(t, meta.MaxX, test.ShouldEqual, 1)
	test.That(t, meta.MinY, test.ShouldEqual, -2)
	test.That(t, meta.MaxZ, test.ShouldEqual, 3)
	test.That(t, meta.Tiles, test.ShouldEqual, uint8(0b101))

	test.That(t, pc.CountTile(TileForCamera(2)), test.ShouldEqual, 1)
	test.That(t, pc.CountTile(TileForCamera(1)), test.ShouldEqual, 0)

	var nilCloud *PointCloud
	test.That(t, nilCloud.Size(), test.ShouldEqual, 0)
	test.That(t, nilCloud.Points(), test.ShouldBeNil)
}

func TestTileForCamera(t *testing.T) {
	test.That(t, TileForCamera(0), test.ShouldEqual, uint8(1))
	test.That(t, TileForCamera(3), test.ShouldEqual, uint8(8))
	test.That(t, TileForCamera(7), test.ShouldEqual, uint8(128))
	test.That(t, TileForCamera(8), test.ShouldEqual, uint8(0))
	test.That(t, TileForCamera(-1), test.ShouldEqual, uint8(0))
}

func TestIterateBatches(t *testing.T) {
	pc := NewWithPrealloc(10)
	for i := 0; i < 10; i++ {
		pc.Append(NewPoint(float64(i), 0, 0, 0, 0, 0, 1))
	}

	seen := map[float64]int{}
	for batch := 0; batch < 3; batch++ {
		pc.Iterate(3, batch, func(p Point) bool {
			seen[p.Position.X]++
			return true
		})
	}
	test.That(t, seen, test.ShouldHaveLength, 10)
	for _, count := range seen {
		test.That(t, count, test.ShouldEqual, 1)
	}

	count := 0
	pc.Iterate(0, 0, func(p Point) bool {
		count++
		return count < 4
	})
	test.That(t, count, test.ShouldEqual, 4)
}

func TestGrow(t *testing.T) {
	pc := New()
	pc.Append(NewPoint(1, 1, 1, 0, 0, 0, 1))
	pc.Grow(100)
	test.That(t, pc.Cap(), test.ShouldBeGreaterThanOrEqualTo, 101)
	test.That(t, pc.Size(), test.ShouldEqual, 1)
	test.That(t, pc.At(0).Position.X, test.ShouldEqual, 1)

	capBefore := pc.Cap()
	pc.Grow(5)
	test.That(t, pc.Cap(), test.ShouldEqual, capBefore)
}

func TestAuxiliaryData(t *testing.T) {
	aux := NewAuxiliaryData()
	var wg sync.WaitGroup
	for _, name := range []string{"rgb.cam0", "depth.cam0", "rgb.cam1"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			aux.Insert(name, ImageDescription(4, 2, 16, 4, FormatBGRA), []byte(name))
		}(name)
	}
	wg.Wait()

	test.That(t, aux.Count(), test.ShouldEqual, 3)
	item, ok := aux.Get("depth.cam0")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, string(item.Data), test.ShouldEqual, "depth.cam0")
	test.That(t, item.Description, test.ShouldEqual, "width=4,height=2,stride=16,bpp=4,format=BGRA")

	_, ok = aux.Get("skeleton")
	test.That(t, ok, test.ShouldBeFalse)

	var nilAux *AuxiliaryData
	test.That(t, nilAux.Count(), test.ShouldEqual, 0)
}
