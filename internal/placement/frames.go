package placement

import "github.com/book-expert/refcast-service/internal/view"

type axis int

const (
	axisX axis = iota
	axisY
	axisZ
)

// direction is a signed world axis.
type direction struct {
	axis axis
	sign float64
}

func (d direction) vector(magnitude float64) Vec3 {
	if magnitude == 0 {
		return Vec3{}
	}

	value := d.sign * magnitude

	switch d.axis {
	case axisX:
		return Vec3{X: value}
	case axisY:
		return Vec3{Y: value}
	default:
		return Vec3{Z: value}
	}
}

// frame holds everything placement needs to know about one view: the
// rotation, the outward axis the plane is pushed along, and the world
// directions of the image's "right" and "up" as used by pivots.
type frame struct {
	rotation Vec3
	outward  direction
	right    direction
	up       direction
}

// frames is indexed by view. Bottom mirrors Top vertically because it faces
// the opposite way. Back keeps Front's horizontal convention.
var frames = [view.Count + 1]frame{
	view.Front: {
		rotation: Vec3{X: 90},
		outward:  direction{axisY, 1},
		right:    direction{axisX, 1},
		up:       direction{axisZ, 1},
	},
	view.Back: {
		rotation: Vec3{X: 90, Z: 180},
		outward:  direction{axisY, -1},
		right:    direction{axisX, 1},
		up:       direction{axisZ, 1},
	},
	view.Left: {
		rotation: Vec3{X: 90, Z: -90},
		outward:  direction{axisX, 1},
		right:    direction{axisY, -1},
		up:       direction{axisZ, 1},
	},
	view.Right: {
		rotation: Vec3{X: 90, Z: 90},
		outward:  direction{axisX, -1},
		right:    direction{axisY, 1},
		up:       direction{axisZ, 1},
	},
	view.Top: {
		rotation: Vec3{},
		outward:  direction{axisZ, -1},
		right:    direction{axisX, 1},
		up:       direction{axisY, 1},
	},
	view.Bottom: {
		rotation: Vec3{X: 180},
		outward:  direction{axisZ, 1},
		right:    direction{axisX, 1},
		up:       direction{axisY, -1},
	},
}
