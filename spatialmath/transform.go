// Package spatialmath defines the rigid transforms that map camera coordinates to
// world coordinates.
package spatialmath

import (
	"encoding/json"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrSingularTransform is returned when a transform cannot be inverted.
var ErrSingularTransform = errors.New("transform is singular")

// Transform is a 4x4 homogeneous matrix, stored row major. Only the first three rows
// are used when transforming points; the last row is expected to be 0 0 0 1.
// The zero value is not valid, use NewIdentityTransform.
type Transform struct {
	m [4][4]float64
}

// NewIdentityTransform returns a transform that maps every point to itself.
func NewIdentityTransform() Transform {
	return Transform{m: [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}}
}

// NewTransformFromRows returns a transform with the given rows.
func NewTransformFromRows(rows [4][4]float64) Transform {
	return Transform{m: rows}
}

// NewTranslation returns a transform that moves points by (x, y, z).
func NewTranslation(x, y, z float64) Transform {
	t := NewIdentityTransform()
	t.m[0][3] = x
	t.m[1][3] = y
	t.m[2][3] = z
	return t
}

// NewTransformFromQuaternion returns the transform rotating by the unit quaternion q and
// then translating by translation.
func NewTransformFromQuaternion(q quat.Number, translation r3.Vector) Transform {
	n := quat.Abs(q)
	if n == 0 {
		q, n = quat.Number{Real: 1}, 1
	}
	w, x, y, z := q.Real/n, q.Imag/n, q.Jmag/n, q.Kmag/n
	return Transform{m: [4][4]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), translation.X},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), translation.Y},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), translation.Z},
		{0, 0, 0, 1},
	}}
}

// NewRotationAboutY returns the transform rotating by degrees around the vertical axis
// and then translating by translation. This is how cameras standing around a capture
// area are usually placed.
func NewRotationAboutY(degrees float64, translation r3.Vector) Transform {
	half := degrees * math.Pi / 360
	return NewTransformFromQuaternion(quat.Number{Real: math.Cos(half), Jmag: math.Sin(half)}, translation)
}

// At returns the element at row i, column j.
func (t Transform) At(i, j int) float64 {
	return t.m[i][j]
}

// Rows returns a copy of the matrix.
func (t Transform) Rows() [4][4]float64 {
	return t.m
}

// Apply transforms v.
func (t Transform) Apply(v r3.Vector) r3.Vector {
	m := &t.m
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z + m[0][3],
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z + m[1][3],
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z + m[2][3],
	}
}

// Position returns where the transform puts the origin. For a camera-to-world transform
// this is the camera position in the world.
func (t Transform) Position() r3.Vector {
	return r3.Vector{X: t.m[0][3], Y: t.m[1][3], Z: t.m[2][3]}
}

// IsIdentity reports whether t is the identity.
func (t Transform) IsIdentity() bool {
	return t == NewIdentityTransform()
}

func (t Transform) dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for _, row := range t.m {
		data = append(data, row[:]...)
	}
	return mat.NewDense(4, 4, data)
}

func fromDense(d mat.Matrix) Transform {
	var t Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t.m[i][j] = d.At(i, j)
		}
	}
	return t
}

// Compose returns the transform that applies other first and then t.
func (t Transform) Compose(other Transform) Transform {
	var out mat.Dense
	out.Mul(t.dense(), other.dense())
	return fromDense(&out)
}

// Inverse returns the transform undoing t.
func (t Transform) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.dense()); err != nil {
		return Transform{}, errors.Wrap(ErrSingularTransform, err.Error())
	}
	return fromDense(&inv), nil
}

// Validate checks that t is an affine transform that can be inverted.
func (t Transform) Validate() error {
	for i, v := range t.m[3] {
		want := 0.
		if i == 3 {
			want = 1
		}
		if v != want {
			return errors.Errorf("last row of transform must be 0 0 0 1, got %v", t.m[3])
		}
	}
	for _, row := range t.m {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.New("transform contains NaN or Inf")
			}
		}
	}
	if det := mat.Det(t.dense().Slice(0, 3, 0, 3)); math.Abs(det) < 1e-9 {
		return errors.Wrapf(ErrSingularTransform, "rotation part has determinant %v", det)
	}
	return nil
}

// MarshalJSON encodes the transform as an array of four rows.
func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.m)
}

// UnmarshalJSON decodes an array of four rows of four numbers.
func (t *Transform) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return errors.Wrap(err, "trafo must be an array of 4 arrays of 4 numbers")
	}
	if len(rows) != 4 {
		return errors.Errorf("trafo must have 4 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if len(row) != 4 {
			return errors.Errorf("trafo row %d must have 4 columns, got %d", i, len(row))
		}
		copy(t.m[i][:], row)
	}
	return nil
}
