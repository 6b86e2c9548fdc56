package importer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/refcast-service/internal/config"
	"github.com/book-expert/refcast-service/internal/events"
	"github.com/book-expert/refcast-service/internal/placement"
	"github.com/book-expert/refcast-service/internal/scene"
	"github.com/book-expert/refcast-service/internal/view"
)

var (
	// ErrInvalidOptions indicates options that cannot produce a layout.
	ErrInvalidOptions = errors.New("invalid import options")
	// ErrUnknownMode indicates a mode name other than Manual, Box or Smart.
	ErrUnknownMode = errors.New("unknown import mode")
)

// Mode selects how views are assigned to inputs.
type Mode string

const (
	// Manual places every input with the configured view.
	Manual Mode = "Manual"
	// Box places every input six times, once per view, sharing one material.
	Box Mode = "Box"
	// Smart guesses the view of each input from its file name.
	Smart Mode = "Smart"
)

// Modes lists the import modes.
func Modes() []Mode {
	return []Mode{Manual, Box, Smart}
}

// ParseMode reads a mode name case-insensitively.
func ParseMode(name string) (Mode, error) {
	for _, mode := range Modes() {
		if strings.EqualFold(strings.TrimSpace(name), string(mode)) {
			return mode, nil
		}
	}

	return "", fmt.Errorf("parse %q: %w", name, ErrUnknownMode)
}

// Options control one import.
type Options struct {
	Mode Mode
	// View is used by Manual imports only.
	View       view.View
	Pivot      placement.Pivot
	Scale      float64
	Offset     float64
	AutoOffset bool
	Layer      string
	Material   scene.MaterialType
	UseAlpha   bool
	Display    scene.Display
	// Workers bounds how many inputs are loaded at once.
	Workers int
}

// DefaultOptions are the settings of a fresh panel.
func DefaultOptions() Options {
	return Options{
		Mode:     Manual,
		View:     view.Front,
		Pivot:    placement.BottomCenter,
		Scale:    1,
		Offset:   50,
		Layer:    scene.DefaultLayer,
		Material: scene.Physical,
		UseAlpha: true,
		Display:  scene.DefaultDisplay(),
		Workers:  1,
	}
}

// Validate reports every problem with o at once.
func (o Options) Validate() error {
	var problems []string

	switch o.Mode {
	case Manual:
		if !o.View.Valid() {
			problems = append(problems, "manual mode needs a view")
		}
	case Box, Smart:
	default:
		problems = append(problems, fmt.Sprintf("mode %q", o.Mode))
	}

	if !o.Pivot.Valid() {
		problems = append(problems, "pivot is not set")
	}

	if !(o.Scale > 0) {
		problems = append(problems, "scale must be positive")
	}

	if !(o.Offset >= 0) {
		problems = append(problems, "offset must not be negative")
	}

	if !(o.Display.Opacity >= 0 && o.Display.Opacity <= 1) {
		problems = append(problems, "opacity must be between 0 and 1")
	}

	if o.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
	}

	return nil
}

// OptionsFromConfig turns the configured import defaults into options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	settings := cfg.Import

	mode, err := ParseMode(settings.Mode)
	if err != nil {
		return Options{}, fmt.Errorf("import.mode: %w", err)
	}

	configuredView, err := view.Parse(settings.View)
	if err != nil {
		return Options{}, fmt.Errorf("import.view: %w", err)
	}

	pivot, err := placement.ParsePivot(settings.Pivot)
	if err != nil {
		return Options{}, fmt.Errorf("import.pivot: %w", err)
	}

	return Options{
		Mode:       mode,
		View:       configuredView,
		Pivot:      pivot,
		Scale:      settings.Scale,
		Offset:     settings.Offset,
		AutoOffset: settings.AutoOffset,
		Layer:      settings.Layer,
		Material:   scene.ParseMaterialType(settings.MaterialType),
		UseAlpha:   settings.UseAlpha,
		Display: scene.Display{
			Opacity:        settings.Opacity,
			Freeze:         settings.Freeze,
			FrozenGray:     settings.FrozenGray,
			BackfaceCull:   settings.BackfaceCull,
			Renderable:     settings.Renderable,
			CastShadows:    settings.CastShadows,
			ReceiveShadows: settings.ReceiveShadows,
		},
		Workers: cfg.Service.Workers,
	}, nil
}

// WithSettings returns o with the fields set in settings applied on top.
func (o Options) WithSettings(settings *events.ImportSettings) (Options, error) {
	if settings == nil {
		return o, nil
	}

	if settings.Mode != "" {
		mode, err := ParseMode(settings.Mode)
		if err != nil {
			return Options{}, err
		}

		o.Mode = mode
	}

	if settings.View != "" {
		parsed, err := view.Parse(settings.View)
		if err != nil {
			return Options{}, err
		}

		o.View = parsed
	}

	if settings.Pivot != "" {
		pivot, err := placement.ParsePivot(settings.Pivot)
		if err != nil {
			return Options{}, err
		}

		o.Pivot = pivot
	}

	if settings.MaterialType != "" {
		o.Material = scene.ParseMaterialType(settings.MaterialType)
	}

	if settings.Layer != "" {
		o.Layer = settings.Layer
	}

	if settings.Scale != nil {
		o.Scale = *settings.Scale
	}

	if settings.Offset != nil {
		o.Offset = *settings.Offset
	}

	if settings.AutoOffset != nil {
		o.AutoOffset = *settings.AutoOffset
	}

	if settings.UseAlpha != nil {
		o.UseAlpha = *settings.UseAlpha
	}

	if settings.Opacity != nil {
		o.Display.Opacity = *settings.Opacity
	}

	return o, nil
}
