package framesource

import (
	"github.com/volcap/multicam/rimage/transform"
)

// DepthFrame is a Y16 image of distances in millimetres. Zero means no measurement.
type DepthFrame struct {
	Width, Height int
	Data          []uint16
	TimestampUs   uint64
	Intrinsics    transform.PinholeCameraIntrinsics
}

// At returns the depth at pixel (x, y).
func (df *DepthFrame) At(x, y int) uint16 {
	return df.Data[y*df.Width+x]
}

// Bytes returns the frame as little endian Z16 bytes.
func (df *DepthFrame) Bytes() []byte {
	out := make([]byte, 2*len(df.Data))
	for i, d := range df.Data {
		out[2*i] = byte(d)
		out[2*i+1] = byte(d >> 8)
	}
	return out
}

// ColorFrame is a BGRA image.
type ColorFrame struct {
	Width, Height int
	Data          []byte
	TimestampUs   uint64
}

// Stride returns the number of bytes per row.
func (cf *ColorFrame) Stride() int {
	return cf.Width * 4
}

// BGRA returns the channels of pixel (x, y).
func (cf *ColorFrame) BGRA(x, y int) (b, g, r, a uint8) {
	i := y*cf.Stride() + x*4
	return cf.Data[i], cf.Data[i+1], cf.Data[i+2], cf.Data[i+3]
}

// Frameset is one synchronized capture. Either frame may be missing.
type Frameset struct {
	Index uint64
	Depth *DepthFrame
	Color *ColorFrame
}

// Timestamp returns the depth timestamp in microseconds, or 0 without a depth frame.
func (fs *Frameset) Timestamp() uint64 {
	if fs == nil || fs.Depth == nil {
		return 0
	}
	return fs.Depth.TimestampUs
}
