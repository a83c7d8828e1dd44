// Package rimage holds the color helpers used when filtering captured points.
package rimage

import (
	"fmt"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Color is an rgb color together with its HSV representation. Hue is in degrees,
// saturation and value are in [0,1].
type Color struct {
	R, G, B uint8
	H, S, V float64
}

func (c Color) String() string {
	return fmt.Sprintf("%s (%3d,%4.2f,%4.2f)", c.Hex(), int(c.H), c.S, c.V)
}

// Hex returns the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%.2x%.2x%.2x", c.R, c.G, c.B)
}

// NRGBA returns the opaque color.
func (c Color) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// NewColor computes the HSV representation of an rgb color.
func NewColor(r, g, b uint8) Color {
	cc := colorful.Color{
		R: float64(r) / 255.0,
		G: float64(g) / 255.0,
		B: float64(b) / 255.0,
	}
	h, s, v := cc.Hsv()

	return Color{
		R: r,
		G: g,
		B: b,
		H: h,
		S: s,
		V: v,
	}
}

// NewColorFromHex parses a #rrggbb color.
func NewColorFromHex(hex string) (Color, error) {
	var r, g, b uint8
	n, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	if n != 3 || err != nil {
		return Color{}, errors.Errorf("couldn't parse hex (%s) n: %d err: %v", hex, n, err)
	}
	return NewColor(r, g, b), nil
}

// NewColorFromHSV returns the rgb color closest to the given HSV triple.
func NewColorFromHSV(h, s, v float64) Color {
	cc := colorful.Hsv(h, s, v)
	r, g, b := cc.Clamped().RGB255()
	return Color{
		R: r,
		G: g,
		B: b,
		H: h,
		S: s,
		V: v,
	}
}

// ChromaKey describes the band of colors treated as backdrop by greenscreen removal.
type ChromaKey struct {
	HueMin, HueMax float64
	MinSaturation  float64
	MinValue       float64
}

// DefaultGreenscreen matches the saturated greens of a typical chroma key backdrop.
var DefaultGreenscreen = ChromaKey{
	HueMin:        80,
	HueMax:        160,
	MinSaturation: 0.25,
	MinValue:      0.15,
}

// Matches reports whether c falls inside the key.
func (key ChromaKey) Matches(c Color) bool {
	return c.H >= key.HueMin && c.H <= key.HueMax && c.S >= key.MinSaturation && c.V >= key.MinValue
}

// MatchesRGB is Matches for a raw rgb triple.
func (key ChromaKey) MatchesRGB(r, g, b uint8) bool {
	// Grays have no hue; skip the conversion for the common case of a dim or neutral pixel.
	if r == g && g == b {
		return false
	}
	return key.Matches(NewColor(r, g, b))
}
