package media

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	tgaHeaderLength = 18
	exrHeaderLimit  = 64 * 1024
	hdrHeaderLimit  = 64 * 1024
	// exrPreambleLength covers the magic number and the version field.
	exrPreambleLength = 8
)

var exrMagic = []byte{0x76, 0x2f, 0x31, 0x01}

// Info describes a probed input.
type Info struct {
	Path   string
	Kind   Kind
	Format string
	Width  int
	Height int
	// Frames lists sequence frames; it is nil for still images.
	Frames []string
}

// Probe validates path and reads its pixel dimensions from the file header.
// A sequence takes the dimensions of its first frame. Videos must be
// converted to a sequence before they can be probed.
func Probe(path string) (Info, error) {
	kind := Classify(path)

	switch kind {
	case Image:
		return probeImage(path)
	case Sequence:
		return probeSequence(path)
	case Video:
		return Info{}, fmt.Errorf("probe %s: video needs conversion first: %w", path, ErrUnsupportedFormat)
	default:
		return Info{}, fmt.Errorf("probe %s: %w", path, ErrUnsupportedFormat)
	}
}

func probeImage(path string) (Info, error) {
	err := validateFile(path)
	if err != nil {
		return Info{}, err
	}

	var (
		width, height int
		format        string
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tga":
		format = "tga"
		width, height, err = tgaSize(path)
	case ".hdr":
		format = "hdr"
		width, height, err = hdrSize(path)
	case ".exr":
		format = "exr"
		width, height, err = exrSize(path)
	default:
		width, height, format, err = decodeConfig(path)
	}

	if err != nil {
		return Info{}, fmt.Errorf("read header of %s: %w", path, err)
	}

	if width <= 0 || height <= 0 {
		return Info{}, fmt.Errorf("%s is %dx%d: %w", path, width, height, ErrInvalidDimensions)
	}

	return Info{Path: path, Kind: Image, Format: format, Width: width, Height: height}, nil
}

func probeSequence(path string) (Info, error) {
	frames, err := ReadSequence(path)
	if err != nil {
		return Info{}, err
	}

	first, err := probeImage(frames[0])
	if err != nil {
		return Info{}, fmt.Errorf("first frame of %s: %w", path, err)
	}

	return Info{
		Path:   path,
		Kind:   Sequence,
		Format: first.Format,
		Width:  first.Width,
		Height: first.Height,
		Frames: frames,
	}, nil
}

// ReadSequence returns the frame paths listed in an image list file, one per
// line. Relative entries are resolved against the list's directory.
func ReadSequence(path string) ([]string, error) {
	err := validateFile(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sequence: %w", err)
	}
	defer file.Close()

	var frames []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		if !filepath.IsAbs(line) {
			line = filepath.Join(filepath.Dir(path), line)
		}

		frames = append(frames, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptySequence)
	}

	return frames, nil
}

// WriteSequence writes frames as an image list file, one slash-separated
// path per line.
func WriteSequence(path string, frames []string) error {
	var buffer bytes.Buffer
	for _, frame := range frames {
		buffer.WriteString(filepath.ToSlash(frame))
		buffer.WriteByte('\n')
	}

	err := os.WriteFile(path, buffer.Bytes(), 0o600)
	if err != nil {
		return fmt.Errorf("write sequence %s: %w", path, err)
	}

	return nil
}

func decodeConfig(path string) (int, int, string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, 0, "", fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	config, format, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, "", fmt.Errorf("decode config: %w", err)
	}

	return config.Width, config.Height, format, nil
}

// tgaSize reads the little-endian width and height at offsets 12 and 14.
func tgaSize(path string) (int, int, error) {
	head, err := readHead(path, tgaHeaderLength)
	if err != nil {
		return 0, 0, err
	}

	if len(head) < tgaHeaderLength {
		return 0, 0, fmt.Errorf("truncated TGA header: %w", ErrInvalidDimensions)
	}

	width := binary.LittleEndian.Uint16(head[12:14])
	height := binary.LittleEndian.Uint16(head[14:16])

	return int(width), int(height), nil
}

// hdrSize parses a Radiance header: text lines, a blank line, then a
// resolution line such as "-Y 480 +X 640".
func hdrSize(path string) (int, int, error) {
	head, err := readHead(path, hdrHeaderLimit)
	if err != nil {
		return 0, 0, err
	}

	if !bytes.HasPrefix(head, []byte("#?")) {
		return 0, 0, fmt.Errorf("missing Radiance signature: %w", ErrUnsupportedFormat)
	}

	lines := strings.Split(string(head), "\n")
	for index, line := range lines {
		if strings.TrimSpace(line) != "" || index+1 >= len(lines) {
			continue
		}

		fields := strings.Fields(lines[index+1])
		if len(fields) != 4 {
			break
		}

		var width, height int

		for pair := 0; pair < 4; pair += 2 {
			value, convErr := strconv.Atoi(fields[pair+1])
			if convErr != nil {
				return 0, 0, fmt.Errorf("resolution %q: %w", lines[index+1], ErrInvalidDimensions)
			}

			switch strings.TrimLeft(fields[pair], "+-") {
			case "X":
				width = value
			case "Y":
				height = value
			}
		}

		return width, height, nil
	}

	return 0, 0, fmt.Errorf("no resolution line: %w", ErrInvalidDimensions)
}

// exrSize walks the OpenEXR header attributes until dataWindow, a box2i of
// four little-endian int32 values.
func exrSize(path string) (int, int, error) {
	head, err := readHead(path, exrHeaderLimit)
	if err != nil {
		return 0, 0, err
	}

	if !bytes.HasPrefix(head, exrMagic) {
		return 0, 0, fmt.Errorf("missing OpenEXR magic: %w", ErrUnsupportedFormat)
	}

	if len(head) < exrPreambleLength {
		return 0, 0, fmt.Errorf("truncated OpenEXR header: %w", ErrInvalidDimensions)
	}

	rest := head[exrPreambleLength:]

	for len(rest) > 0 && rest[0] != 0 {
		name, afterName, ok := bytes.Cut(rest, []byte{0})
		if !ok {
			break
		}

		kind, afterKind, ok := bytes.Cut(afterName, []byte{0})
		if !ok || len(afterKind) < 4 {
			break
		}

		size := int(binary.LittleEndian.Uint32(afterKind[:4]))
		value := afterKind[4:]

		if size < 0 || size > len(value) {
			break
		}

		if string(name) == "dataWindow" && string(kind) == "box2i" && size == 16 {
			xMin := int64(int32(binary.LittleEndian.Uint32(value[0:4])))
			yMin := int64(int32(binary.LittleEndian.Uint32(value[4:8])))
			xMax := int64(int32(binary.LittleEndian.Uint32(value[8:12])))
			yMax := int64(int32(binary.LittleEndian.Uint32(value[12:16])))

			return int(xMax - xMin + 1), int(yMax - yMin + 1), nil
		}

		rest = value[size:]
	}

	return 0, 0, fmt.Errorf("no dataWindow attribute: %w", ErrInvalidDimensions)
}
