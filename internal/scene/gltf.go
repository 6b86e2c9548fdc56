package scene

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/book-expert/refcast-service/internal/placement"
)

const alphaCutoff = 0.5

// zUpToYUp turns the Z-up layout into glTF's Y-up space: -90 degrees about X.
var zUpToYUp = [4]float64{-math.Sqrt2 / 2, 0, 0, math.Sqrt2 / 2}

var embeddableMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// EulerRotation converts XYZ Euler angles in degrees (X applied first) into
// a rotation.
func EulerRotation(degrees placement.Vec3) r3.Rotation {
	rotationX := r3.NewRotation(degrees.X*math.Pi/180, r3.Vec{X: 1})
	rotationY := r3.NewRotation(degrees.Y*math.Pi/180, r3.Vec{Y: 1})
	rotationZ := r3.NewRotation(degrees.Z*math.Pi/180, r3.Vec{Z: 1})

	return r3.Rotation(quat.Mul(quat.Number(rotationZ), quat.Mul(quat.Number(rotationY), quat.Number(rotationX))))
}

// ExportGLB writes layout as a binary glTF scene at path. Each plane becomes
// a textured quad whose node origin is the plane's pivot. PNG and JPEG
// textures are embedded; other formats are referenced relative to path.
func ExportGLB(path string, layout *Layout) error {
	doc, err := BuildDocument(layout, filepath.Dir(path))
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), defaultDirPermission)
	if err != nil {
		return fmt.Errorf("create scene directory: %w", err)
	}

	err = gltf.SaveBinary(doc, path)
	if err != nil {
		return fmt.Errorf("save glTF scene: %w", err)
	}

	return nil
}

// BuildDocument converts layout into a glTF document. baseDir anchors the
// relative URIs of textures that are not embedded.
func BuildDocument(layout *Layout, baseDir string) (*gltf.Document, error) {
	doc := gltf.NewDocument()
	doc.Asset.Generator = Generator

	root := &gltf.Node{
		Name:     layout.Layer,
		Rotation: zUpToYUp,
		Extras:   map[string]any{"mode": layout.Mode, "format_version": layout.FormatVersion},
	}
	doc.Nodes = append(doc.Nodes, root)
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, 0)

	materials := make(map[string]Material, len(layout.Materials))
	for _, material := range layout.Materials {
		materials[material.Name] = material
	}

	// A material is emitted once per culling mode its planes use.
	materialIndex := make(map[materialVariant]int, len(layout.Materials))
	textureIndex := make(map[string]int)

	for _, plane := range layout.Planes {
		material, ok := materials[plane.Material]
		if !ok {
			return nil, fmt.Errorf("plane %s uses unknown material %q", plane.Name, plane.Material)
		}

		variant := materialVariant{name: plane.Material, doubleSided: !plane.Display.BackfaceCull}

		index, ok := materialIndex[variant]
		if !ok {
			var err error

			index, err = addMaterial(doc, material, variant.doubleSided, baseDir, textureIndex)
			if err != nil {
				return nil, err
			}

			materialIndex[variant] = index
		}

		nodeIndex := addPlane(doc, plane, index)
		root.Children = append(root.Children, nodeIndex)
	}

	return doc, nil
}

type materialVariant struct {
	name        string
	doubleSided bool
}

func addMaterial(
	doc *gltf.Document,
	material Material,
	doubleSided bool,
	baseDir string,
	textureIndex map[string]int,
) (int, error) {
	source := material.Preview
	if source == "" {
		source = material.Texture
	}

	texture, ok := textureIndex[source]
	if !ok {
		image, err := addImage(doc, source, baseDir)
		if err != nil {
			return 0, err
		}

		if len(doc.Samplers) == 0 {
			doc.Samplers = append(doc.Samplers, &gltf.Sampler{
				MagFilter: gltf.MagLinear,
				MinFilter: gltf.MinLinearMipMapLinear,
				WrapS:     gltf.WrapClampToEdge,
				WrapT:     gltf.WrapClampToEdge,
			})
		}

		doc.Textures = append(doc.Textures, &gltf.Texture{Source: gltf.Index(image), Sampler: gltf.Index(0)})
		texture = len(doc.Textures) - 1
		textureIndex[source] = texture
	}

	gltfMaterial := &gltf.Material{
		Name:        material.Name,
		DoubleSided: doubleSided,
		PBRMetallicRoughness: &gltf.PBRMetallicRoughness{
			BaseColorTexture: &gltf.TextureInfo{Index: texture},
			MetallicFactor:   gltf.Float(0),
			RoughnessFactor:  gltf.Float(material.Roughness),
		},
		Extras: map[string]any{
			"type":         string(material.Type),
			"texture":      material.Texture,
			"color_slot":   material.ColorSlot,
			"opacity_slot": material.OpacitySlot,
			"animated":     material.Animated,
		},
	}

	if material.UseAlpha {
		gltfMaterial.AlphaMode = gltf.AlphaMask
		gltfMaterial.AlphaCutoff = gltf.Float(alphaCutoff)
	}

	doc.Materials = append(doc.Materials, gltfMaterial)

	return len(doc.Materials) - 1, nil
}

func addImage(doc *gltf.Document, source, baseDir string) (int, error) {
	mimeType, embeddable := embeddableMIME[strings.ToLower(filepath.Ext(source))]
	if embeddable {
		file, err := os.Open(filepath.Clean(source))
		if err != nil {
			return 0, fmt.Errorf("open texture: %w", err)
		}
		defer file.Close()

		index, err := modeler.WriteImage(doc, filepath.Base(source), mimeType, file)
		if err != nil {
			return 0, fmt.Errorf("embed texture %s: %w", source, err)
		}

		return index, nil
	}

	uri := source
	if relative, err := filepath.Rel(baseDir, source); err == nil {
		uri = relative
	}

	doc.Images = append(doc.Images, &gltf.Image{Name: filepath.Base(source), URI: filepath.ToSlash(uri)})

	return len(doc.Images) - 1, nil
}

// addPlane writes the quad of plane and its node. The node sits at the pivot
// point, so the vertices are shifted by the pivot offset expressed in the
// plane's local frame.
func addPlane(doc *gltf.Document, plane Plane, material int) int {
	rotation := EulerRotation(plane.Rotation)
	offset := plane.PivotOffset()
	local := r3.Rotation(quat.Conj(quat.Number(rotation))).Rotate(r3.Vec{X: offset.X, Y: offset.Y, Z: offset.Z})

	halfWidth := plane.Width / 2
	halfHeight := plane.Height / 2

	corners := [4][2]float64{
		{-halfWidth, -halfHeight},
		{halfWidth, -halfHeight},
		{halfWidth, halfHeight},
		{-halfWidth, halfHeight},
	}

	positions := make([][3]float32, 0, len(corners))
	for _, corner := range corners {
		positions = append(positions, [3]float32{
			float32(corner[0] - local.X),
			float32(corner[1] - local.Y),
			float32(-local.Z),
		})
	}

	normals := [][3]float32{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}}
	coords := [][2]float32{{0, 1}, {1, 1}, {1, 0}, {0, 0}}
	indices := []uint16{0, 1, 2, 0, 2, 3}

	doc.Meshes = append(doc.Meshes, &gltf.Mesh{
		Name: plane.Name,
		Primitives: []*gltf.Primitive{{
			Indices: gltf.Index(modeler.WriteIndices(doc, indices)),
			Attributes: gltf.PrimitiveAttributes{
				gltf.POSITION:   modeler.WritePosition(doc, positions),
				gltf.NORMAL:     modeler.WriteNormal(doc, normals),
				gltf.TEXCOORD_0: modeler.WriteTextureCoord(doc, coords),
			},
			Material: gltf.Index(material),
		}},
	})

	doc.Nodes = append(doc.Nodes, &gltf.Node{
		Name:        plane.Name,
		Mesh:        gltf.Index(len(doc.Meshes) - 1),
		Translation: [3]float64{plane.PivotPoint.X, plane.PivotPoint.Y, plane.PivotPoint.Z},
		Rotation:    [4]float64{rotation.Imag, rotation.Jmag, rotation.Kmag, rotation.Real},
		Scale:       [3]float64{1, 1, 1},
		Extras: map[string]any{
			"view":            plane.View.String(),
			"pivot":           plane.Pivot.String(),
			"source":          plane.Source,
			"opacity":         plane.Display.Opacity,
			"freeze":          plane.Display.Freeze,
			"frozen_gray":     plane.Display.FrozenGray,
			"backface_cull":   plane.Display.BackfaceCull,
			"renderable":      plane.Display.Renderable,
			"cast_shadows":    plane.Display.CastShadows,
			"receive_shadows": plane.Display.ReceiveShadows,
		},
	})

	return len(doc.Nodes) - 1
}
