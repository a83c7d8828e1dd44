package framesource

import (
	"testing"

	"go.viam.com/test"

	"github.com/volcap/multicam/rimage/transform"
)

func testFrameset() *Frameset {
	depth := &DepthFrame{
		Width:       2,
		Height:      2,
		Data:        []uint16{0, 1000, 2000, 500},
		TimestampUs: 42,
		Intrinsics:  transform.PinholeCameraIntrinsics{Width: 2, Height: 2, Fx: 1, Fy: 1, Ppx: 0, Ppy: 0},
	}
	// One 4x4 color image so every depth pixel maps to a 2x2 block.
	data := make([]byte, 4*4*4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			i := (y*4 + x) * 4
			data[i] = uint8(10 * x)   // b
			data[i+1] = uint8(10 * y) // g
			data[i+2] = 200           // r
			data[i+3] = 255
		}
	}
	return &Frameset{Index: 7, Depth: depth, Color: &ColorFrame{Width: 4, Height: 4, Data: data, TimestampUs: 41}}
}

func TestPointCloudFilter(t *testing.T) {
	fs := testFrameset()
	test.That(t, fs.Timestamp(), test.ShouldEqual, uint64(42))

	points, err := PointCloudFilter(fs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, points, test.ShouldHaveLength, 4)

	test.That(t, points[0].Z, test.ShouldEqual, float32(0))

	// pixel (1,0) at 1000mm
	test.That(t, points[1].X, test.ShouldEqual, float32(1000))
	test.That(t, points[1].Y, test.ShouldEqual, float32(0))
	test.That(t, points[1].Z, test.ShouldEqual, float32(1000))
	// R carries the blue byte, B the red byte.
	test.That(t, points[1].R, test.ShouldEqual, uint8(20))
	test.That(t, points[1].B, test.ShouldEqual, uint8(200))

	// pixel (0,1) at 2000mm
	test.That(t, points[2].Y, test.ShouldEqual, float32(2000))
	test.That(t, points[2].G, test.ShouldEqual, uint8(20))
}

func TestPointCloudFilterErrors(t *testing.T) {
	_, err := PointCloudFilter(nil)
	test.That(t, err, test.ShouldNotBeNil)

	fs := testFrameset()
	fs.Color = nil
	_, err = PointCloudFilter(fs)
	test.That(t, err, test.ShouldNotBeNil)

	fs = testFrameset()
	fs.Depth.Data = fs.Depth.Data[:3]
	_, err = PointCloudFilter(fs)
	test.That(t, err, test.ShouldNotBeNil)

	fs = testFrameset()
	fs.Depth.Intrinsics.Fx = 0
	_, err = PointCloudFilter(fs)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameHelpers(t *testing.T) {
	fs := testFrameset()
	test.That(t, fs.Depth.At(1, 1), test.ShouldEqual, uint16(500))
	test.That(t, fs.Depth.Bytes(), test.ShouldResemble, []byte{0, 0, 0xe8, 0x03, 0xd0, 0x07, 0xf4, 0x01})
	test.That(t, fs.Color.Stride(), test.ShouldEqual, 16)
	b, g, r, a := fs.Color.BGRA(3, 2)
	test.That(t, []uint8{b, g, r, a}, test.ShouldResemble, []uint8{30, 20, 200, 255})

	var empty *Frameset
	test.That(t, empty.Timestamp(), test.ShouldEqual, uint64(0))
	test.That(t, (&Frameset{}).Timestamp(), test.ShouldEqual, uint64(0))

	test.That(t, StreamConfig{FPS: 0}.FramePeriod().Seconds(), test.ShouldEqual, 1)
	test.That(t, SyncPrimary.String(), test.ShouldEqual, "primary")
}
