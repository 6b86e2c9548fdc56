package scene_test

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/book-expert/refcast-service/internal/placement"
	"github.com/book-expert/refcast-service/internal/scene"
	"github.com/book-expert/refcast-service/internal/view"
)

const tolerance = 1e-4

func newPlane(t *testing.T, v view.View, pivot placement.Pivot, material string) scene.Plane {
	t.Helper()

	result, err := placement.Compute(placement.Spec{
		View: v, ImageWidth: 200, ImageHeight: 100, Scale: 1, Offset: 50, Pivot: pivot,
	})
	require.NoError(t, err)

	return scene.Plane{
		Name:       "Ref_" + v.String() + "_ref.png",
		View:       v,
		Source:     "/refs/ref.png",
		Texture:    "/refs/ref.png",
		Material:   material,
		Width:      result.Width,
		Height:     result.Height,
		Pixels:     [2]int{200, 100},
		Rotation:   result.Rotation,
		Position:   result.Position,
		Pivot:      pivot,
		PivotPoint: result.PivotPoint(),
		Display:    scene.DefaultDisplay(),
	}
}

func newLayout(t *testing.T) *scene.Layout {
	t.Helper()

	layout := scene.NewLayout("", "Box", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	layout.SideOffset = 100
	layout.VerticalOffset = 50
	layout.Materials = append(layout.Materials, scene.Material{
		Name:        "Ref_Box_ref.png",
		Type:        scene.Physical,
		Texture:     "/refs/ref.tga",
		Preview:     "/refs/ref.tga",
		ColorSlot:   scene.Physical.ColorSlot(),
		OpacitySlot: scene.Physical.OpacitySlot(),
		UseAlpha:    true,
		Roughness:   1,
	})

	for _, v := range view.All() {
		layout.Planes = append(layout.Planes, newPlane(t, v, placement.BottomCenter, "Ref_Box_ref.png"))
	}

	layout.Failures = append(layout.Failures, scene.Failure{Path: "/refs/broken.tga", Message: "invalid image dimensions"})

	return layout
}

func TestParseMaterialType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, scene.VRay, scene.ParseMaterialType("vray"))
	assert.Equal(t, scene.Redshift, scene.ParseMaterialType(" REDSHIFT "))
	assert.Equal(t, scene.Standard, scene.ParseMaterialType("Octane"))
	assert.Equal(t, scene.Standard, scene.ParseMaterialType(""))

	for _, materialType := range scene.MaterialTypes() {
		assert.NotEmpty(t, materialType.ColorSlot(), materialType)
		assert.NotEmpty(t, materialType.OpacitySlot(), materialType)
	}

	assert.Equal(t, "diffuseMap", scene.MaterialType("unknown").ColorSlot())
	assert.Equal(t, "cutout_map", scene.Physical.OpacitySlot())
}

func TestNewLayout_Defaults(t *testing.T) {
	t.Parallel()

	layout := scene.NewLayout("", "Smart", time.Now())
	assert.Equal(t, scene.DefaultLayer, layout.Layer)
	assert.Equal(t, scene.FormatVersion, layout.FormatVersion)
	assert.Equal(t, time.UTC, layout.CreatedAt.Location())
	assert.NotNil(t, layout.Planes)
	assert.NotNil(t, layout.Undetected)
}

func TestManifest_JSONAndYAML(t *testing.T) {
	t.Parallel()

	layout := newLayout(t)

	for _, name := range []string{"layout.json", "nested/layout.yaml", "layout.YML"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, scene.WriteManifest(path, layout))

		decoded, err := scene.ReadManifest(path)
		require.NoError(t, err, name)
		assert.Equal(t, layout, decoded, name)
	}
}

func TestManifest_ViewAndPivotAreLabels(t *testing.T) {
	t.Parallel()

	data, err := scene.Marshal(newLayout(t), scene.JSON)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"view": "Front"`)
	assert.Contains(t, string(data), `"pivot": "Bottom Center"`)

	data, err = scene.Marshal(newLayout(t), scene.YAML)
	require.NoError(t, err)
	assert.Contains(t, string(data), "view: Bottom")
	assert.Contains(t, string(data), "layer: REFERENCES")
}

func TestManifest_Errors(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, scene.WriteManifest(filepath.Join(t.TempDir(), "layout.xml"), newLayout(t)), scene.ErrUnsupportedManifest)

	_, err := scene.ReadManifest("layout.toml")
	require.ErrorIs(t, err, scene.ErrUnsupportedManifest)

	_, err = scene.Decode(strings.NewReader(`{"format_version": "2.0.0"}`), scene.JSON)
	require.ErrorIs(t, err, scene.ErrIncompatibleVersion)

	_, err = scene.Decode(strings.NewReader("format_version: banana\n"), scene.YAML)
	require.ErrorIs(t, err, scene.ErrIncompatibleVersion)

	require.NoError(t, scene.CheckVersion("1.4.2"))
}

func TestEulerRotation_FacesOutward(t *testing.T) {
	t.Parallel()

	// The flat plane's normal is +Z; after rotation it must point back at
	// the origin, opposite to the plane's offset direction.
	for _, v := range view.All() {
		rotation, err := placement.Rotation(v)
		require.NoError(t, err)

		position, err := placement.Position(v, 1)
		require.NoError(t, err)

		normal := scene.EulerRotation(rotation).Rotate(r3.Vec{Z: 1})
		assert.InDelta(t, -position.X, normal.X, tolerance, v.String())
		assert.InDelta(t, -position.Y, normal.Y, tolerance, v.String())
		assert.InDelta(t, -position.Z, normal.Z, tolerance, v.String())
	}
}

func TestBuildDocument_PivotKeepsRectangleInPlace(t *testing.T) {
	t.Parallel()

	layout := newLayout(t)

	doc, err := scene.BuildDocument(layout, t.TempDir())
	require.NoError(t, err)

	root := doc.Nodes[0]
	assert.Equal(t, scene.DefaultLayer, root.Name)
	require.Len(t, root.Children, len(layout.Planes))

	for index, plane := range layout.Planes {
		node := doc.Nodes[root.Children[index]]
		assert.Equal(t, plane.Name, node.Name)
		assert.Equal(t, [3]float64{plane.PivotPoint.X, plane.PivotPoint.Y, plane.PivotPoint.Z}, node.Translation)

		mesh := doc.Meshes[*node.Mesh]
		accessor := doc.Accessors[mesh.Primitives[0].Attributes[gltf.POSITION]]

		positions, err := modeler.ReadPosition(doc, accessor, nil)
		require.NoError(t, err)
		require.Len(t, positions, 4)

		rotation := scene.EulerRotation(plane.Rotation)
		bottomLeft := r3.Add(
			r3.Vec{X: node.Translation[0], Y: node.Translation[1], Z: node.Translation[2]},
			rotation.Rotate(r3.Vec{X: float64(positions[0][0]), Y: float64(positions[0][1]), Z: float64(positions[0][2])}),
		)
		expected := r3.Add(
			r3.Vec{X: plane.Position.X, Y: plane.Position.Y, Z: plane.Position.Z},
			rotation.Rotate(r3.Vec{X: -plane.Width / 2, Y: -plane.Height / 2}),
		)

		assert.InDelta(t, expected.X, bottomLeft.X, tolerance, plane.Name)
		assert.InDelta(t, expected.Y, bottomLeft.Y, tolerance, plane.Name)
		assert.InDelta(t, expected.Z, bottomLeft.Z, tolerance, plane.Name)
	}
}

func TestBuildDocument_FrontBottomCenterSitsOnPivot(t *testing.T) {
	t.Parallel()

	layout := scene.NewLayout("", "Manual", time.Now())
	layout.Materials = []scene.Material{{Name: "Ref_ref.png", Texture: "ref.tga", Roughness: 1}}
	layout.Planes = []scene.Plane{newPlane(t, view.Front, placement.BottomCenter, "Ref_ref.png")}

	doc, err := scene.BuildDocument(layout, t.TempDir())
	require.NoError(t, err)

	node := doc.Nodes[1]
	assert.Equal(t, [3]float64{0, 50, -50}, node.Translation)

	positions, err := modeler.ReadPosition(doc, doc.Accessors[doc.Meshes[0].Primitives[0].Attributes[gltf.POSITION]], nil)
	require.NoError(t, err)

	// In the plane's local frame the pivot is the middle of the bottom edge.
	assert.InDelta(t, -100, positions[0][0], tolerance)
	assert.InDelta(t, 0, positions[0][1], tolerance)
	assert.InDelta(t, 100, positions[2][0], tolerance)
	assert.InDelta(t, 100, positions[2][1], tolerance)
}

func TestBuildDocument_BackfaceCullingSetsDoubleSided(t *testing.T) {
	t.Parallel()

	layout := scene.NewLayout("", "Manual", time.Now())
	layout.Materials = []scene.Material{{Name: "Ref_ref.png", Texture: "ref.tga", Roughness: 1}}

	culled := newPlane(t, view.Front, placement.Center, "Ref_ref.png")
	open := newPlane(t, view.Back, placement.Center, "Ref_ref.png")
	open.Display.BackfaceCull = false
	alsoOpen := newPlane(t, view.Left, placement.Center, "Ref_ref.png")
	alsoOpen.Display.BackfaceCull = false

	layout.Planes = []scene.Plane{culled, open, alsoOpen}

	doc, err := scene.BuildDocument(layout, t.TempDir())
	require.NoError(t, err)

	require.Len(t, doc.Materials, 2)
	assert.False(t, doc.Materials[0].DoubleSided)
	assert.True(t, doc.Materials[1].DoubleSided)
	assert.Equal(t, "Ref_ref.png", doc.Materials[1].Name)

	materialOf := func(plane int) int {
		node := doc.Nodes[doc.Nodes[0].Children[plane]]

		return *doc.Meshes[*node.Mesh].Primitives[0].Material
	}

	assert.Equal(t, 0, materialOf(0))
	assert.Equal(t, 1, materialOf(1))
	assert.Equal(t, 1, materialOf(2))
}

func TestBuildDocument_UnknownMaterial(t *testing.T) {
	t.Parallel()

	layout := scene.NewLayout("", "Manual", time.Now())
	layout.Planes = []scene.Plane{newPlane(t, view.Top, placement.Center, "missing")}

	_, err := scene.BuildDocument(layout, t.TempDir())
	require.Error(t, err)
}

func TestExportGLB(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, image.NewNRGBA(image.Rect(0, 0, 8, 4))))

	pngPath := filepath.Join(dir, "refs", "front.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(pngPath), 0o750))
	require.NoError(t, os.WriteFile(pngPath, buffer.Bytes(), 0o600))

	tgaHeader := make([]byte, 18)
	binary.LittleEndian.PutUint16(tgaHeader[12:], 8)
	binary.LittleEndian.PutUint16(tgaHeader[14:], 4)

	tgaPath := filepath.Join(dir, "refs", "side.tga")
	require.NoError(t, os.WriteFile(tgaPath, tgaHeader, 0o600))

	layout := scene.NewLayout("", "Smart", time.Now())
	layout.Materials = []scene.Material{
		{Name: "Ref_front.png", Type: scene.Physical, Texture: pngPath, Preview: pngPath, UseAlpha: true, Roughness: 1},
		{Name: "Ref_side.tga", Type: scene.Standard, Texture: tgaPath, Preview: tgaPath, Roughness: 1},
	}
	layout.Planes = []scene.Plane{
		newPlane(t, view.Front, placement.Center, "Ref_front.png"),
		newPlane(t, view.Left, placement.LeftEdge, "Ref_side.tga"),
	}

	output := filepath.Join(dir, "out", "refs.glb")
	require.NoError(t, scene.ExportGLB(output, layout))

	doc, err := gltf.Open(output)
	require.NoError(t, err)

	require.Len(t, doc.Nodes, 3)
	assert.Equal(t, "REFERENCES", doc.Nodes[0].Name)
	require.Len(t, doc.Materials, 2)
	assert.Equal(t, gltf.AlphaMask, doc.Materials[0].AlphaMode)
	assert.Equal(t, gltf.AlphaOpaque, doc.Materials[1].AlphaMode)

	require.Len(t, doc.Images, 2)
	assert.NotNil(t, doc.Images[0].BufferView)
	assert.Equal(t, "image/png", doc.Images[0].MimeType)
	assert.Equal(t, "../refs/side.tga", doc.Images[1].URI)
}
