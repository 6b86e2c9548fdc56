// Package importer turns a batch of reference media into a layout of
// textured planes around the origin.
package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/refcast-service/internal/media"
	"github.com/book-expert/refcast-service/internal/placement"
	"github.com/book-expert/refcast-service/internal/scene"
	"github.com/book-expert/refcast-service/internal/video"
	"github.com/book-expert/refcast-service/internal/view"
)

var (
	// ErrNoConverter indicates a video input while no converter is configured.
	ErrNoConverter = errors.New("video conversion is not available")
	// ErrNoInputs indicates an import called without any paths.
	ErrNoInputs = errors.New("no input files")
)

// VideoConverter turns a video into a frame sequence.
type VideoConverter interface {
	ConvertToSequence(ctx context.Context, videoPath string) (*video.Sequence, error)
}

// ViewClassifier labels an image whose file name names no view.
type ViewClassifier interface {
	ClassifyView(ctx context.Context, imagePath string) (view.View, error)
}

// Importer plans layouts. Both collaborators are optional: without a
// converter videos fail to load, without a classifier Smart imports rely on
// file names alone.
type Importer struct {
	converter  VideoConverter
	classifier ViewClassifier
	logger     *logger.Logger
	now        func() time.Time
}

// New creates an importer. converter and classifier may be nil.
func New(converter VideoConverter, classifier ViewClassifier, log *logger.Logger) *Importer {
	return &Importer{
		converter:  converter,
		classifier: classifier,
		logger:     log,
		now:        time.Now,
	}
}

// loadResult is one input after loading.
type loadResult struct {
	Error error
	// Texture is the file the material reads: the image itself, or the frame
	// list of a sequence or converted video.
	Texture  string
	Preview  string
	Path     string
	Width    int
	Height   int
	Frames   int
	View     view.View
	Detected bool
}

// Import loads every path and places planes for them according to options.
// Inputs that cannot be loaded are listed in the layout's failures; Smart
// inputs without a recognizable view are listed as undetected. Only invalid
// options, an empty batch or cancellation fail the whole call.
func (i *Importer) Import(ctx context.Context, paths []string, options Options) (*scene.Layout, error) {
	err := options.Validate()
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		return nil, ErrNoInputs
	}

	startTime := time.Now()

	i.logger.Infof("Starting %s import of %d files with %d workers", options.Mode, len(paths), options.Workers)

	results := i.loadFilesParallel(ctx, paths, options)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("import canceled: %w", ctxErr)
	}

	layout := scene.NewLayout(options.Layer, string(options.Mode), i.now())

	loaded := make([]loadResult, 0, len(results))

	var maxWidth, maxHeight float64

	for _, result := range results {
		if result.Error != nil {
			i.logger.Errorf("Failed %s: %v", filepath.Base(result.Path), result.Error)
			layout.Failures = append(layout.Failures, scene.Failure{Path: result.Path, Message: result.Error.Error()})

			continue
		}

		maxWidth = max(maxWidth, float64(result.Width)*options.Scale)
		maxHeight = max(maxHeight, float64(result.Height)*options.Scale)
		loaded = append(loaded, result)
	}

	layout.SideOffset = options.Offset
	layout.VerticalOffset = options.Offset

	if options.AutoOffset {
		layout.SideOffset = maxWidth / 2
		layout.VerticalOffset = maxHeight / 2
		i.logger.Infof("Auto offset: %.2f sides, %.2f top and bottom", layout.SideOffset, layout.VerticalOffset)
	}

	for _, input := range loaded {
		i.placeInput(layout, input, options)
	}

	i.reportResults(layout, len(paths), startTime)

	return layout, nil
}

func (i *Importer) placeInput(layout *scene.Layout, input loadResult, options Options) {
	var (
		materialName string
		views        []view.View
	)

	switch options.Mode {
	case Manual:
		materialName = scene.PlanePrefix + filepath.Base(input.Path)
		views = []view.View{options.View}
	case Box:
		materialName = scene.BoxMaterialPrefix + filepath.Base(input.Path)
		views = view.All()
	case Smart:
		if !input.Detected {
			i.logger.Warnf("No view detected for %s, skipping", filepath.Base(input.Path))
			layout.Undetected = append(layout.Undetected, input.Path)

			return
		}

		materialName = scene.PlanePrefix + filepath.Base(input.Path)
		views = []view.View{input.View}
	}

	planes := make([]scene.Plane, 0, len(views))

	for _, planeView := range views {
		offset := layout.SideOffset
		if options.Mode == Box && (planeView == view.Top || planeView == view.Bottom) {
			offset = layout.VerticalOffset
		}

		plane, err := newPlane(input, planeView, offset, materialName, options)
		if err != nil {
			layout.Failures = append(layout.Failures, scene.Failure{Path: input.Path, Message: err.Error()})

			return
		}

		planes = append(planes, plane)
	}

	layout.Materials = append(layout.Materials, newMaterial(materialName, input, options))
	layout.Planes = append(layout.Planes, planes...)
}

func newPlane(input loadResult, planeView view.View, offset float64, materialName string, options Options) (scene.Plane, error) {
	result, err := placement.Compute(placement.Spec{
		View:        planeView,
		ImageWidth:  float64(input.Width),
		ImageHeight: float64(input.Height),
		Scale:       options.Scale,
		Offset:      offset,
		Pivot:       options.Pivot,
	})
	if err != nil {
		return scene.Plane{}, fmt.Errorf("place %s view: %w", planeView, err)
	}

	display := options.Display
	display.FrozenGray = display.Freeze && display.FrozenGray

	return scene.Plane{
		Name:       scene.PlanePrefix + planeView.String() + "_" + filepath.Base(input.Texture),
		View:       planeView,
		Source:     input.Path,
		Texture:    input.Texture,
		Material:   materialName,
		Width:      result.Width,
		Height:     result.Height,
		Pixels:     [2]int{input.Width, input.Height},
		Rotation:   result.Rotation,
		Position:   result.Position,
		Pivot:      options.Pivot,
		PivotPoint: result.PivotPoint(),
		Display:    display,
	}, nil
}

func newMaterial(name string, input loadResult, options Options) scene.Material {
	material := scene.Material{
		Name:      name,
		Type:      options.Material,
		Texture:   input.Texture,
		Preview:   input.Preview,
		ColorSlot: options.Material.ColorSlot(),
		UseAlpha:  options.UseAlpha,
		Animated:  input.Frames > 0,
		Frames:    input.Frames,
		Roughness: 1,
	}

	if options.UseAlpha {
		material.OpacitySlot = options.Material.OpacitySlot()
	}

	return material
}

// loadFilesParallel loads every path with a bounded worker pool. Results keep
// the order of paths.
func (i *Importer) loadFilesParallel(ctx context.Context, paths []string, options Options) []loadResult {
	jobs := make(chan int, len(paths))
	results := make([]loadResult, len(paths))

	var waitGroup sync.WaitGroup
	for range min(options.Workers, len(paths)) {
		waitGroup.Add(1)

		go i.worker(ctx, &waitGroup, jobs, paths, results, options.Mode)
	}

	for index := range paths {
		jobs <- index
	}

	close(jobs)
	waitGroup.Wait()

	return results
}

// worker loads paths until jobs is drained. Each job owns its slot of results.
func (i *Importer) worker(
	ctx context.Context,
	waitGroup *sync.WaitGroup,
	jobs <-chan int,
	paths []string,
	results []loadResult,
	mode Mode,
) {
	defer waitGroup.Done()

	for index := range jobs {
		select {
		case <-ctx.Done():
			results[index] = loadResult{Path: paths[index], Error: ctx.Err()}

			continue
		default:
		}

		results[index] = i.loadFile(ctx, paths[index], mode)
	}
}

// loadFile probes one input, converting videos first, and in Smart mode
// detects its view.
func (i *Importer) loadFile(ctx context.Context, path string, mode Mode) loadResult {
	result := loadResult{Path: path}

	probePath := path

	if media.Classify(path) == media.Video {
		if i.converter == nil {
			result.Error = fmt.Errorf("cannot load video %s: %w", filepath.Base(path), ErrNoConverter)

			return result
		}

		sequence, err := i.converter.ConvertToSequence(ctx, path)
		if err != nil {
			result.Error = fmt.Errorf("cannot load video %s: %w", filepath.Base(path), err)

			return result
		}

		probePath = sequence.ListPath
	}

	info, err := media.Probe(probePath)
	if err != nil {
		result.Error = fmt.Errorf("cannot load %s: %w", filepath.Base(path), err)

		return result
	}

	result.Texture = probePath
	result.Preview = probePath
	result.Width = info.Width
	result.Height = info.Height

	if len(info.Frames) > 0 {
		result.Preview = info.Frames[0]
		result.Frames = len(info.Frames)
	}

	if mode == Smart {
		result.View, result.Detected = i.detectView(ctx, path, result.Preview)
	}

	return result
}

func (i *Importer) detectView(ctx context.Context, path, preview string) (view.View, bool) {
	if detected, ok := view.Detect(path); ok {
		return detected, true
	}

	if i.classifier == nil {
		return view.None, false
	}

	classified, err := i.classifier.ClassifyView(ctx, preview)
	if err != nil {
		i.logger.Warnf("Vision fallback could not classify %s: %v", filepath.Base(path), err)

		return view.None, false
	}

	return classified, classified.Valid()
}

func (i *Importer) reportResults(layout *scene.Layout, total int, startTime time.Time) {
	i.logger.Successf(
		"Import complete: %d planes from %d/%d files, %d failed, %d undetected in %v",
		len(layout.Planes),
		total-len(layout.Failures)-len(layout.Undetected),
		total,
		len(layout.Failures),
		len(layout.Undetected),
		time.Since(startTime),
	)
}
