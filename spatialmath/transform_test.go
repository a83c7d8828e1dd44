package spatialmath

import (
	"encoding/json"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func vectorsAlmostEqual(t *testing.T, got, want r3.Vector) {
	t.Helper()
	test.That(t, got.X, test.ShouldAlmostEqual, want.X, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, 1e-9)
	test.That(t, got.Z, test.ShouldAlmostEqual, want.Z, 1e-9)
}

func TestApply(t *testing.T) {
	p := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, NewIdentityTransform().Apply(p), test.ShouldResemble, p)
	test.That(t, NewIdentityTransform().IsIdentity(), test.ShouldBeTrue)

	moved := NewTranslation(0.5, -1, 2)
	test.That(t, moved.Apply(p), test.ShouldResemble, r3.Vector{X: 1.5, Y: 1, Z: 5})
	test.That(t, moved.Position(), test.ShouldResemble, r3.Vector{X: 0.5, Y: -1, Z: 2})
	test.That(t, moved.IsIdentity(), test.ShouldBeFalse)

	// A camera 2m in front of the origin, turned around to look back at it.
	turned := NewRotationAboutY(180, r3.Vector{Z: 2})
	vectorsAlmostEqual(t, turned.Apply(r3.Vector{Z: 1}), r3.Vector{Z: 1})
	vectorsAlmostEqual(t, turned.Apply(r3.Vector{X: 1, Z: 2}), r3.Vector{X: -1})

	quarter := NewRotationAboutY(90, r3.Vector{})
	vectorsAlmostEqual(t, quarter.Apply(r3.Vector{Z: 1}), r3.Vector{X: 1})
}

func TestComposeInverse(t *testing.T) {
	a := NewRotationAboutY(30, r3.Vector{X: 1, Y: 2, Z: 3})
	inv, err := a.Inverse()
	test.That(t, err, test.ShouldBeNil)

	p := r3.Vector{X: -0.3, Y: 1.1, Z: 2.5}
	vectorsAlmostEqual(t, inv.Apply(a.Apply(p)), p)
	vectorsAlmostEqual(t, a.Compose(inv).Apply(p), p)

	b := NewTranslation(1, 0, 0)
	vectorsAlmostEqual(t, b.Compose(a).Apply(p), b.Apply(a.Apply(p)))

	var zero Transform
	_, err = zero.Inverse()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	test.That(t, NewIdentityTransform().Validate(), test.ShouldBeNil)
	test.That(t, NewRotationAboutY(45, r3.Vector{X: 1}).Validate(), test.ShouldBeNil)

	rows := NewIdentityTransform().Rows()
	rows[3][0] = 1
	err := NewTransformFromRows(rows).Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "last row")

	rows = NewIdentityTransform().Rows()
	rows[1][1] = 0
	err = NewTransformFromRows(rows).Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "determinant")
}

func TestTransformJSON(t *testing.T) {
	orig := NewRotationAboutY(90, r3.Vector{X: 0.25, Y: 1.5, Z: -2})
	data, err := json.Marshal(orig)
	test.That(t, err, test.ShouldBeNil)

	var got Transform
	test.That(t, json.Unmarshal(data, &got), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, orig)

	err = json.Unmarshal([]byte(`[[1,0,0,0],[0,1,0,0],[0,0,1,0]]`), &got)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "4 rows")

	err = json.Unmarshal([]byte(`[[1,0,0],[0,1,0,0],[0,0,1,0],[0,0,0,1]]`), &got)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "row 0")

	test.That(t, json.Unmarshal([]byte(`"identity"`), &got), test.ShouldNotBeNil)
}
