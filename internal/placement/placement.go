// Package placement computes where a reference plane goes: its rotation,
// its offset from the scene origin along the view's outward axis, and where
// its pivot sits relative to its center.
//
// Planes are created flat in the XY plane of a right-handed, Z-up world and
// rotated with XYZ Euler angles in degrees. All functions are pure.
package placement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/refcast-service/internal/view"
)

var (
	// ErrInvalidView indicates a view outside the six canonical views.
	ErrInvalidView = errors.New("invalid view")
	// ErrInvalidPivot indicates a pivot outside the known pivot kinds.
	ErrInvalidPivot = errors.New("invalid pivot")
)

// Pivot names the point of the plane's rectangle used as its local origin.
// The zero value is invalid.
type Pivot int

const (
	Center Pivot = iota + 1
	BottomCenter
	TopCenter
	LeftEdge
	RightEdge
)

var pivotNames = [...]string{
	Center:       "Center",
	BottomCenter: "Bottom Center",
	TopCenter:    "Top Center",
	LeftEdge:     "Left Edge",
	RightEdge:    "Right Edge",
}

// Pivots returns every pivot kind.
func Pivots() []Pivot {
	return []Pivot{Center, BottomCenter, TopCenter, LeftEdge, RightEdge}
}

// Valid reports whether p is a known pivot kind.
func (p Pivot) Valid() bool {
	return p >= Center && p <= RightEdge
}

func (p Pivot) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Pivot(%d)", int(p))
	}

	return pivotNames[p]
}

// MarshalText encodes the pivot as its label.
func (p Pivot) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", p, ErrInvalidPivot)
	}

	return []byte(p.String()), nil
}

// UnmarshalText decodes a label accepted by ParsePivot.
func (p *Pivot) UnmarshalText(text []byte) error {
	parsed, err := ParsePivot(string(text))
	if err != nil {
		return err
	}

	*p = parsed

	return nil
}

// ParsePivot reads labels such as "Bottom Center", "bottom-center" or
// "bottom_center".
func ParsePivot(label string) (Pivot, error) {
	key := strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(label)))
	for _, pivot := range Pivots() {
		if key == strings.ReplaceAll(strings.ToLower(pivotNames[pivot]), " ", "") {
			return pivot, nil
		}
	}

	return 0, fmt.Errorf("parse %q: %w", label, ErrInvalidPivot)
}

// Vec3 is an (x, y, z) triple: degrees for rotations, scene units otherwise.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns the component-wise sum of v and other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Spec describes one plane to place. ImageWidth, ImageHeight and Scale must
// be positive and Offset must not be negative; these are preconditions and
// are not checked here.
type Spec struct {
	View        view.View
	ImageWidth  float64
	ImageHeight float64
	Scale       float64
	Offset      float64
	Pivot       Pivot
}

// Result is the transform of one placed plane.
type Result struct {
	Rotation    Vec3
	Position    Vec3
	PivotOffset Vec3
	Width       float64
	Height      float64
}

// PivotPoint is the world position of the plane's pivot.
func (r Result) PivotPoint() Vec3 {
	return r.Position.Add(r.PivotOffset)
}

// Compute places the plane described by spec.
func Compute(spec Spec) (Result, error) {
	width := spec.ImageWidth * spec.Scale
	height := spec.ImageHeight * spec.Scale

	rotation, err := Rotation(spec.View)
	if err != nil {
		return Result{}, err
	}

	position, err := Position(spec.View, spec.Offset)
	if err != nil {
		return Result{}, err
	}

	pivotOffset, err := PivotOffset(spec.View, spec.Pivot, width, height)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Rotation:    rotation,
		Position:    position,
		PivotOffset: pivotOffset,
		Width:       width,
		Height:      height,
	}, nil
}

// Rotation returns the XYZ Euler rotation in degrees that turns a flat plane
// to face outward for v.
func Rotation(v view.View) (Vec3, error) {
	f, err := frameOf(v)
	if err != nil {
		return Vec3{}, err
	}

	return f.rotation, nil
}

// Position returns the plane center: offset units from the origin along the
// view's outward axis.
func Position(v view.View, offset float64) (Vec3, error) {
	f, err := frameOf(v)
	if err != nil {
		return Vec3{}, err
	}

	return f.outward.vector(offset), nil
}

// PivotOffset returns where the pivot lies relative to the plane center, in
// world axes, for a plane of the given final width and height.
func PivotOffset(v view.View, pivot Pivot, width, height float64) (Vec3, error) {
	f, err := frameOf(v)
	if err != nil {
		return Vec3{}, err
	}

	halfWidth := width / 2
	halfHeight := height / 2

	switch pivot {
	case Center:
		return Vec3{}, nil
	case BottomCenter:
		return f.up.vector(-halfHeight), nil
	case TopCenter:
		return f.up.vector(halfHeight), nil
	case LeftEdge:
		return f.right.vector(-halfWidth), nil
	case RightEdge:
		return f.right.vector(halfWidth), nil
	default:
		return Vec3{}, fmt.Errorf("pivot %s: %w", pivot, ErrInvalidPivot)
	}
}

func frameOf(v view.View) (frame, error) {
	if !v.Valid() {
		return frame{}, fmt.Errorf("view %s: %w", v, ErrInvalidView)
	}

	return frames[v], nil
}
