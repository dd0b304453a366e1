// Package transform holds the rigid field transforms used for target locations
// and robot poses.
//
// A Matrix is a 4x4 homogeneous transform. Translations are in millimetres and
// rotations are built extrinsically about the field X, then Y, then Z axes, in
// degrees. The order matters: New(0, 0, 0, 90, 0, 90) is not the same pose as
// rotating about Z first.
package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// gimbalEpsilon is how close cos(second angle) may get to zero before the first
// and third angles are no longer separable.
const gimbalEpsilon = 1e-9

// Matrix is a rigid transform, stored column-major like mgl64.Mat4.
type Matrix mgl64.Mat4

// Params are the six numbers a Matrix is built from: a translation (mm) and
// extrinsic X, Y, Z rotations (degrees).
type Params struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	U float64 `json:"u"` // about X
	V float64 `json:"v"` // about Y
	W float64 `json:"w"` // about Z
}

// Orientation is an extrinsic XYZ Euler decomposition in degrees.
type Orientation struct {
	First  float64 `json:"first"`  // about X
	Second float64 `json:"second"` // about Y
	Third  float64 `json:"third"`  // about Z
}

// New builds the translation (x, y, z) composed with rotations u about X, then
// v about Y, then w about Z, all about the fixed field axes.
func New(x, y, z, u, v, w float64) Matrix {
	rot := mgl64.HomogRotate3DZ(mgl64.DegToRad(w)).
		Mul4(mgl64.HomogRotate3DY(mgl64.DegToRad(v))).
		Mul4(mgl64.HomogRotate3DX(mgl64.DegToRad(u)))
	return Matrix(mgl64.Translate3D(x, y, z).Mul4(rot))
}

// FromParams is New with its arguments packed in a Params.
func FromParams(p Params) Matrix {
	return New(p.X, p.Y, p.Z, p.U, p.V, p.W)
}

// Origin is the zero transform. On the field it is the corner with the red depot
// by the human player station, seen from the audience.
func Origin() Matrix {
	return New(0, 0, 0, 0, 0, 0)
}

func (m Matrix) mat() mgl64.Mat4 { return mgl64.Mat4(m) }

// Multiplied returns m · other.
func (m Matrix) Multiplied(other Matrix) Matrix {
	return Matrix(m.mat().Mul4(other.mat()))
}

// Inverted returns the inverse rigid transform.
func (m Matrix) Inverted() Matrix {
	rt := m.mat().Mat3().Transpose()
	t := rt.Mul3x1(mgl64.Vec3{m[12], m[13], m[14]}).Mul(-1)
	inv := rt.Mat4()
	inv[12], inv[13], inv[14] = t[0], t[1], t[2]
	return Matrix(inv)
}

// Translation returns the translation part of m.
func (m Matrix) Translation() r3.Vector {
	return r3.Vector{X: m[12], Y: m[13], Z: m[14]}
}

// Orientation decomposes the rotation part of m into extrinsic X, Y, Z angles.
func (m Matrix) Orientation() Orientation {
	mm := m.mat()
	r00, r01 := mm.At(0, 0), mm.At(0, 1)
	r10, r11 := mm.At(1, 0), mm.At(1, 1)
	r20, r21, r22 := mm.At(2, 0), mm.At(2, 1), mm.At(2, 2)

	cosSecond := math.Hypot(r00, r10)
	second := math.Atan2(-r20, cosSecond)

	var first, third float64
	if cosSecond > gimbalEpsilon {
		first = math.Atan2(r21, r22)
		third = math.Atan2(r10, r00)
	} else {
		// gimbal lock: only first±third is observable, put it all in third
		third = math.Atan2(-r01, r11)
	}

	return Orientation{
		First:  mgl64.RadToDeg(first),
		Second: mgl64.RadToDeg(second),
		Third:  mgl64.RadToDeg(third),
	}
}

// Params decomposes m back into the values New was called with (modulo
// equivalent angle sets).
func (m Matrix) Params() Params {
	t := m.Translation()
	o := m.Orientation()
	return Params{X: t.X, Y: t.Y, Z: t.Z, U: o.First, V: o.Second, W: o.Third}
}

// Equal reports exact equality.
func (m Matrix) Equal(other Matrix) bool {
	return m == other
}

// ApproxEqual reports whether every element of m is within eps of other's.
func (m Matrix) ApproxEqual(other Matrix, eps float64) bool {
	for i := range m {
		if math.Abs(m[i]-other[i]) > eps {
			return false
		}
	}
	return true
}

// FormatAsTransform renders m as its orientation followed by its translation,
// e.g. "{EXTRINSIC XYZ 90 0 90} {0.00 914.40 0.00}".
func (m Matrix) FormatAsTransform() string {
	return fmt.Sprintf("%s %s", m.Orientation(), formatVector(m.Translation()))
}

// String implements fmt.Stringer.
func (m Matrix) String() string {
	return m.FormatAsTransform()
}

// MarshalJSON encodes m as its Params.
func (m Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Params())
}

// UnmarshalJSON decodes Params and rebuilds the matrix.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = FromParams(p)
	return nil
}

func (o Orientation) String() string {
	return fmt.Sprintf("{EXTRINSIC XYZ %s %s %s}", formatAngle(o.First), formatAngle(o.Second), formatAngle(o.Third))
}

func formatAngle(deg float64) string {
	r := math.Round(deg)
	if r == 0 {
		r = 0 // drop negative zero
	}
	return fmt.Sprintf("%.0f", r)
}

func formatVector(v r3.Vector) string {
	return fmt.Sprintf("{%.2f %.2f %.2f}", v.X, v.Y, v.Z)
}
