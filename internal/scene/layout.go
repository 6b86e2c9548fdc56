// Package scene holds the layout produced by an import: the planes to create,
// their materials and what could not be imported. A layout is written as a
// JSON or YAML manifest and can be exported as a binary glTF scene.
package scene

import (
	"strings"
	"time"

	"github.com/book-expert/refcast-service/internal/placement"
	"github.com/book-expert/refcast-service/internal/view"
)

const (
	// FormatVersion is the manifest format written by this package.
	FormatVersion = "1.0.0"
	// SupportedVersions is the semver constraint manifests must satisfy to be read.
	SupportedVersions = "^1"
	// Generator identifies manifests written by this tool.
	Generator = "refcast"
	// DefaultLayer is the layer every plane is placed on.
	DefaultLayer = "REFERENCES"
	// PlanePrefix starts every plane and material name.
	PlanePrefix = "Ref_"
	// BoxMaterialPrefix starts the shared material name of a box import.
	BoxMaterialPrefix = "Ref_Box_"
)

// MaterialType is the renderer family a host should build the material for.
type MaterialType string

const (
	Physical MaterialType = "Physical"
	Standard MaterialType = "Standard"
	VRay     MaterialType = "VRay"
	Corona   MaterialType = "Corona"
	Arnold   MaterialType = "Arnold"
	Redshift MaterialType = "Redshift"
)

// MaterialTypes lists every material type.
func MaterialTypes() []MaterialType {
	return []MaterialType{Physical, Standard, VRay, Corona, Arnold, Redshift}
}

// ParseMaterialType matches name case-insensitively. Unknown names fall back
// to Standard, which every host can build.
func ParseMaterialType(name string) MaterialType {
	for _, materialType := range MaterialTypes() {
		if strings.EqualFold(strings.TrimSpace(name), string(materialType)) {
			return materialType
		}
	}

	return Standard
}

type slots struct {
	color   string
	opacity string
}

var materialSlots = map[MaterialType]slots{
	Physical: {"base_color_map", "cutout_map"},
	Standard: {"diffuseMap", "opacityMap"},
	VRay:     {"texmap_diffuse", "texmap_opacity"},
	Corona:   {"baseTexmap", "opacityTexmap"},
	Arnold:   {"base_color_shader", "opacity_shader"},
	Redshift: {"diffuse_color_map", "opacity_color_map"},
}

// ColorSlot is the material property the texture is bound to.
func (m MaterialType) ColorSlot() string {
	return materialSlots[ParseMaterialType(string(m))].color
}

// OpacitySlot is the property the texture is also bound to when its alpha
// channel cuts out the plane.
func (m MaterialType) OpacitySlot() string {
	return materialSlots[ParseMaterialType(string(m))].opacity
}

// Display holds the viewport and render flags applied to every plane.
type Display struct {
	Opacity        float64 `json:"opacity"         yaml:"opacity"`
	Freeze         bool    `json:"freeze"          yaml:"freeze"`
	FrozenGray     bool    `json:"frozen_gray"     yaml:"frozen_gray"`
	BackfaceCull   bool    `json:"backface_cull"   yaml:"backface_cull"`
	Renderable     bool    `json:"renderable"      yaml:"renderable"`
	CastShadows    bool    `json:"cast_shadows"    yaml:"cast_shadows"`
	ReceiveShadows bool    `json:"receive_shadows" yaml:"receive_shadows"`
}

// DefaultDisplay is what a fresh import uses when nothing is configured.
func DefaultDisplay() Display {
	return Display{
		Opacity:        1,
		Freeze:         false,
		FrozenGray:     false,
		BackfaceCull:   true,
		Renderable:     true,
		CastShadows:    false,
		ReceiveShadows: false,
	}
}

// Material is one texture-bearing material, shared by every plane of a box.
type Material struct {
	Name    string       `json:"name"    yaml:"name"`
	Type    MaterialType `json:"type"    yaml:"type"`
	Texture string       `json:"texture" yaml:"texture"`
	// Preview is a still image of the texture: the texture itself, or the
	// first frame of a sequence.
	Preview     string  `json:"preview"                yaml:"preview"`
	ColorSlot   string  `json:"color_slot"             yaml:"color_slot"`
	OpacitySlot string  `json:"opacity_slot,omitempty" yaml:"opacity_slot,omitempty"`
	UseAlpha    bool    `json:"use_alpha"              yaml:"use_alpha"`
	Animated    bool    `json:"animated"               yaml:"animated"`
	Frames      int     `json:"frames,omitempty"       yaml:"frames,omitempty"`
	Roughness   float64 `json:"roughness"              yaml:"roughness"`
}

// Plane is one reference plane with its final transform.
type Plane struct {
	Name     string          `json:"name"     yaml:"name"`
	View     view.View       `json:"view"     yaml:"view"`
	Source   string          `json:"source"   yaml:"source"`
	Texture  string          `json:"texture"  yaml:"texture"`
	Material string          `json:"material" yaml:"material"`
	Width    float64         `json:"width"    yaml:"width"`
	Height   float64         `json:"height"   yaml:"height"`
	Pixels   [2]int          `json:"pixels"   yaml:"pixels"`
	Rotation placement.Vec3  `json:"rotation" yaml:"rotation"`
	Position placement.Vec3  `json:"position" yaml:"position"`
	Pivot    placement.Pivot `json:"pivot"    yaml:"pivot"`
	// PivotPoint is the world position of the pivot: Position plus the
	// pivot offset.
	PivotPoint placement.Vec3 `json:"pivot_point" yaml:"pivot_point"`
	Display    Display        `json:"display"     yaml:"display"`
}

// PivotOffset is the pivot relative to the plane center.
func (p Plane) PivotOffset() placement.Vec3 {
	return placement.Vec3{
		X: p.PivotPoint.X - p.Position.X,
		Y: p.PivotPoint.Y - p.Position.Y,
		Z: p.PivotPoint.Z - p.Position.Z,
	}
}

// Failure is an input that could not be loaded.
type Failure struct {
	Path    string `json:"path"    yaml:"path"`
	Message string `json:"message" yaml:"message"`
}

// Layout is the complete result of one import.
type Layout struct {
	FormatVersion string     `json:"format_version" yaml:"format_version"`
	Generator     string     `json:"generator"      yaml:"generator"`
	Layer         string     `json:"layer"          yaml:"layer"`
	Mode          string     `json:"mode"           yaml:"mode"`
	CreatedAt     time.Time  `json:"created_at"     yaml:"created_at"`
	// SideOffset pushes Front, Back, Left and Right planes out; Top and
	// Bottom use VerticalOffset in box imports and SideOffset otherwise.
	SideOffset     float64    `json:"side_offset"     yaml:"side_offset"`
	VerticalOffset float64    `json:"vertical_offset" yaml:"vertical_offset"`
	Planes         []Plane    `json:"planes"          yaml:"planes"`
	Materials      []Material `json:"materials"       yaml:"materials"`
	Failures       []Failure  `json:"failures"        yaml:"failures"`
	// Undetected lists Smart-mode inputs whose view could not be guessed.
	Undetected []string `json:"undetected" yaml:"undetected"`
}

// NewLayout returns an empty layout stamped with the current format.
func NewLayout(layer, mode string, createdAt time.Time) *Layout {
	if layer == "" {
		layer = DefaultLayer
	}

	return &Layout{
		FormatVersion: FormatVersion,
		Generator:     Generator,
		Layer:         layer,
		Mode:          mode,
		CreatedAt:     createdAt.UTC(),
		Planes:        []Plane{},
		Materials:     []Material{},
		Failures:      []Failure{},
		Undetected:    []string{},
	}
}

// Material returns the material called name.
func (l *Layout) Material(name string) (Material, bool) {
	for _, material := range l.Materials {
		if material.Name == name {
			return material, true
		}
	}

	return Material{}, false
}
