// Package media classifies reference inputs and reads their pixel dimensions
// without decoding pixel data.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

var (
	// ErrUnsupportedFormat indicates a file whose extension is not a known media class.
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrPathIsDirectory indicates that the provided path is a directory, not a file.
	ErrPathIsDirectory = errors.New("path is a directory")
	// ErrFileEmpty indicates that the file is empty.
	ErrFileEmpty = errors.New("file is empty")
	// ErrEmptySequence indicates a sequence list with no frames.
	ErrEmptySequence = errors.New("sequence lists no frames")
	// ErrInvalidDimensions indicates a header that does not yield a positive size.
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// sniffLength covers every magic number filetype knows about.
const sniffLength = 262

// Kind is the media class of an input file.
type Kind int

const (
	Unsupported Kind = iota
	Image
	Video
	Sequence
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	case Sequence:
		return "sequence"
	default:
		return "unsupported"
	}
}

var (
	imageExtensions = []string{
		".jpg", ".jpeg", ".png", ".tga", ".bmp", ".tif", ".tiff", ".exr", ".hdr", ".gif", ".webp",
	}
	videoExtensions = []string{
		".avi", ".mov", ".mp4", ".wmv", ".mpg", ".mpeg", ".mkv", ".webm", ".flv", ".m4v",
	}
	sequenceExtensions = []string{".ifl"}
)

// ImageExtensions returns the still image extensions, lowercase with a dot.
func ImageExtensions() []string { return append([]string(nil), imageExtensions...) }

// VideoExtensions returns the video extensions that need ffmpeg.
func VideoExtensions() []string { return append([]string(nil), videoExtensions...) }

// SequenceExtensions returns the image list extensions.
func SequenceExtensions() []string { return append([]string(nil), sequenceExtensions...) }

// Classify returns the media class of path from its extension alone.
func Classify(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case contains(imageExtensions, ext):
		return Image
	case contains(videoExtensions, ext):
		return Video
	case contains(sequenceExtensions, ext):
		return Sequence
	default:
		return Unsupported
	}
}

// IsSupported reports whether path has any known media extension.
func IsSupported(path string) bool {
	return Classify(path) != Unsupported
}

// Sniffed is what the file's magic bytes say about it.
type Sniffed struct {
	MIME string
	// Kind is Unsupported when the content is not recognized.
	Kind Kind
	// Consistent is false only when the content is recognized and its
	// class differs from the one implied by the extension.
	Consistent bool
}

// Sniff reads the head of path and detects its content type.
func Sniff(path string) (Sniffed, error) {
	err := validateFile(path)
	if err != nil {
		return Sniffed{}, err
	}

	head, err := readHead(path, sniffLength)
	if err != nil {
		return Sniffed{}, err
	}

	kind, matchErr := filetype.Match(head)
	if matchErr != nil || kind == filetype.Unknown {
		return Sniffed{Consistent: true}, nil
	}

	sniffed := Sniffed{MIME: kind.MIME.Value, Consistent: true}

	switch {
	case filetype.IsImage(head):
		sniffed.Kind = Image
	case filetype.IsVideo(head):
		sniffed.Kind = Video
	}

	if sniffed.Kind != Unsupported && sniffed.Kind != Classify(path) {
		sniffed.Consistent = false
	}

	return sniffed, nil
}

// validateFile checks that path exists, is a regular file and is not empty.
func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory %s: %w", path, ErrPathIsDirectory)
	}

	if info.Size() == 0 {
		return fmt.Errorf("file is empty %s: %w", path, ErrFileEmpty)
	}

	return nil
}

func readHead(path string, length int) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	head := make([]byte, length)

	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return head[:n], nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}
