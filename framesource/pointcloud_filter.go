package framesource

import (
	"github.com/pkg/errors"
)

// ColorPoint is one deprojected depth pixel in camera coordinates (millimetres).
//
// Like the vendor point cloud filter it stands in for, R and B hold the first and third
// byte of the BGRA pixel, so R is really blue. Consumers swap them.
type ColorPoint struct {
	X, Y, Z float32
	R, G, B uint8
}

// PointCloudFilter deprojects every pixel of the depth frame through the depth
// intrinsics and attaches the color of the registered color pixel. Pixels without depth
// yield points with Z == 0. The result always holds Width*Height points.
func PointCloudFilter(fs *Frameset) ([]ColorPoint, error) {
	if fs == nil || fs.Depth == nil {
		return nil, errors.New("frameset has no depth frame")
	}
	if fs.Color == nil {
		return nil, errors.New("frameset has no color frame")
	}
	depth, clr := fs.Depth, fs.Color
	if len(depth.Data) != depth.Width*depth.Height {
		return nil, errors.Errorf("depth frame holds %d values, expected %dx%d", len(depth.Data), depth.Width, depth.Height)
	}
	if len(clr.Data) != clr.Stride()*clr.Height {
		return nil, errors.Errorf("color frame holds %d bytes, expected %dx%dx4", len(clr.Data), clr.Width, clr.Height)
	}
	if err := depth.Intrinsics.CheckValid(); err != nil {
		return nil, err
	}

	points := make([]ColorPoint, depth.Width*depth.Height)
	for y := 0; y < depth.Height; y++ {
		cy := y * clr.Height / depth.Height
		for x := 0; x < depth.Width; x++ {
			pt := &points[y*depth.Width+x]
			d := depth.Data[y*depth.Width+x]
			if d == 0 {
				continue
			}
			px, py, pz := depth.Intrinsics.PixelToPoint(float64(x), float64(y), float64(d))
			pt.X, pt.Y, pt.Z = float32(px), float32(py), float32(pz)

			cx := x * clr.Width / depth.Width
			b, g, r, _ := clr.BGRA(cx, cy)
			pt.R, pt.G, pt.B = b, g, r
		}
	}
	return points, nil
}
