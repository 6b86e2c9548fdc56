package scene

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultFilePermission = 0o600
	defaultDirPermission  = 0o750
)

var (
	// ErrUnsupportedManifest indicates a manifest path with an unknown extension.
	ErrUnsupportedManifest = errors.New("unsupported manifest format")
	// ErrIncompatibleVersion indicates a manifest written by an incompatible format version.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")
)

// Format is a manifest encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
)

// FormatFor picks the encoding from the extension of path.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("%s: %w", path, ErrUnsupportedManifest)
	}
}

// Encode writes layout to w.
func Encode(w io.Writer, layout *Layout, format Format) error {
	switch format {
	case JSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		err := encoder.Encode(layout)
		if err != nil {
			return fmt.Errorf("encode JSON manifest: %w", err)
		}
	case YAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)

		err := encoder.Encode(layout)
		if err != nil {
			return fmt.Errorf("encode YAML manifest: %w", err)
		}

		err = encoder.Close()
		if err != nil {
			return fmt.Errorf("flush YAML manifest: %w", err)
		}
	default:
		return fmt.Errorf("format %q: %w", format, ErrUnsupportedManifest)
	}

	return nil
}

// Decode reads a layout from r and checks its format version.
func Decode(r io.Reader, format Format) (*Layout, error) {
	var layout Layout

	switch format {
	case JSON:
		err := json.NewDecoder(r).Decode(&layout)
		if err != nil {
			return nil, fmt.Errorf("decode JSON manifest: %w", err)
		}
	case YAML:
		err := yaml.NewDecoder(r).Decode(&layout)
		if err != nil {
			return nil, fmt.Errorf("decode YAML manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("format %q: %w", format, ErrUnsupportedManifest)
	}

	err := CheckVersion(layout.FormatVersion)
	if err != nil {
		return nil, err
	}

	return &layout, nil
}

// CheckVersion reports whether a manifest written with version can be read.
func CheckVersion(version string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("parse supported versions: %w", err)
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("format version %q: %w", version, ErrIncompatibleVersion)
	}

	if !constraint.Check(parsed) {
		return fmt.Errorf("format version %s does not satisfy %s: %w", version, SupportedVersions, ErrIncompatibleVersion)
	}

	return nil
}

// Marshal encodes layout into memory.
func Marshal(layout *Layout, format Format) ([]byte, error) {
	var buffer bytes.Buffer

	err := Encode(&buffer, layout, format)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// WriteManifest writes layout to path, creating parent directories. The
// encoding follows the extension.
func WriteManifest(path string, layout *Layout) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}

	data, err := Marshal(layout, format)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), defaultDirPermission)
	if err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	err = os.WriteFile(path, data, defaultFilePermission)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// ReadManifest reads the manifest at path.
func ReadManifest(path string) (*Layout, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	return Decode(file, format)
}
