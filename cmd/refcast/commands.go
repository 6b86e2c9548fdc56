package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/book-expert/refcast-service/internal/importer"
	"github.com/book-expert/refcast-service/internal/placement"
	"github.com/book-expert/refcast-service/internal/scene"
	"github.com/book-expert/refcast-service/internal/view"
	"github.com/book-expert/refcast-service/internal/watch"
	"github.com/book-expert/refcast-service/internal/worker"
)

var viewColors = map[view.View]string{
	view.Front:  "#5FAFFF",
	view.Back:   "#AF87FF",
	view.Left:   "#87D787",
	view.Right:  "#FFD75F",
	view.Top:    "#FF8787",
	view.Bottom: "#5FD7D7",
}

func newDetectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect FILE...",
		Short: "Guess the view of each file from its name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printDetections(cmd.OutOrStdout(), args)

			return nil
		},
	}
}

func printDetections(w io.Writer, paths []string) {
	output := termenv.NewOutput(w)

	for _, path := range paths {
		match, ok := view.Explain(path)
		if !ok {
			fmt.Fprintf(w, "%s\t%s\n", path, output.String("undetected").Faint().String())

			continue
		}

		label := output.String(match.View.String()).Foreground(output.Color(viewColors[match.View])).Bold().String()
		fmt.Fprintf(w, "%s\t%s\t(%s %q)\n", path, label, match.Kind, match.Pattern)
	}
}

type placeFlags struct {
	view   string
	pivot  string
	width  float64
	height float64
	scale  float64
	offset float64
}

func newPlaceCommand() *cobra.Command {
	flags := placeFlags{}

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Print the transform of a single plane as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlace(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.view, "view", "Front", "Front, Back, Left, Right, Top or Bottom")
	cmd.Flags().StringVar(&flags.pivot, "pivot", "Bottom Center", "Center, Bottom Center, Top Center, Left Edge or Right Edge")
	cmd.Flags().Float64Var(&flags.width, "width", 0, "image width in pixels")
	cmd.Flags().Float64Var(&flags.height, "height", 0, "image height in pixels")
	cmd.Flags().Float64Var(&flags.scale, "scale", 1, "scene units per pixel")
	cmd.Flags().Float64Var(&flags.offset, "offset", 50, "distance from the origin")
	_ = cmd.MarkFlagRequired("width")
	_ = cmd.MarkFlagRequired("height")

	return cmd
}

func runPlace(w io.Writer, flags placeFlags) error {
	placeView, err := view.Parse(flags.view)
	if err != nil {
		return err
	}

	pivot, err := placement.ParsePivot(flags.pivot)
	if err != nil {
		return err
	}

	if flags.width <= 0 || flags.height <= 0 || flags.scale <= 0 || flags.offset < 0 {
		return fmt.Errorf("%w: width, height and scale must be positive and offset not negative", importer.ErrInvalidOptions)
	}

	result, err := placement.Compute(placement.Spec{
		View:        placeView,
		ImageWidth:  flags.width,
		ImageHeight: flags.height,
		Scale:       flags.scale,
		Offset:      flags.offset,
		Pivot:       pivot,
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(struct {
		View       view.View       `json:"view"`
		Pivot      placement.Pivot `json:"pivot"`
		Width      float64         `json:"width"`
		Height     float64         `json:"height"`
		Rotation   placement.Vec3  `json:"rotation"`
		Position   placement.Vec3  `json:"position"`
		PivotPoint placement.Vec3  `json:"pivot_point"`
	}{
		View:       placeView,
		Pivot:      pivot,
		Width:      result.Width,
		Height:     result.Height,
		Rotation:   result.Rotation,
		Position:   result.Position,
		PivotPoint: result.PivotPoint(),
	})
}

type importFlags struct {
	mode       string
	view       string
	pivot      string
	material   string
	layer      string
	output     string
	gltf       string
	scale      float64
	offset     float64
	opacity    float64
	autoOffset bool
	noAlpha    bool
	freeze     bool
}

func newImportCommand(state *app) *cobra.Command {
	flags := importFlags{}

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Plan reference planes for images, sequences and videos",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options, err := flags.options(cmd, state)
			if err != nil {
				return err
			}

			planner, err := state.newImporter(cmd.Context())
			if err != nil {
				return err
			}

			layout, err := planner.Import(cmd.Context(), args, options)
			if err != nil {
				return err
			}

			name := "layout_" + layout.CreatedAt.Format("20060102_150405")

			manifestPath := flags.output
			if manifestPath == "" {
				manifestPath = state.cfg.ManifestPath(name)
			}

			err = scene.WriteManifest(manifestPath, layout)
			if err != nil {
				return err
			}

			scenePath := flags.gltf
			if scenePath == "" && state.cfg.Output.ExportGLTF {
				scenePath = state.cfg.SceneFilePath(name)
				if flags.output != "" {
					scenePath = strings.TrimSuffix(manifestPath, filepath.Ext(manifestPath)) + ".glb"
				}
			}

			if scenePath != "" {
				err = scene.ExportGLB(scenePath, layout)
				if err != nil {
					return err
				}
			}

			printSummary(cmd.OutOrStdout(), layout, manifestPath, scenePath)

			return nil
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", "", "Manual, Box or Smart")
	cmd.Flags().StringVar(&flags.view, "view", "", "view used by Manual imports")
	cmd.Flags().StringVar(&flags.pivot, "pivot", "", "pivot placement")
	cmd.Flags().StringVar(&flags.material, "material", "", "Physical, Standard, VRay, Corona, Arnold or Redshift")
	cmd.Flags().StringVar(&flags.layer, "layer", "", "layer the planes belong to")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "manifest path (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&flags.gltf, "gltf", "", "also write a binary glTF scene to this path")
	cmd.Flags().Float64Var(&flags.scale, "scale", 0, "scene units per pixel")
	cmd.Flags().Float64Var(&flags.offset, "offset", 0, "distance from the origin")
	cmd.Flags().Float64Var(&flags.opacity, "opacity", 0, "plane opacity between 0 and 1")
	cmd.Flags().BoolVar(&flags.autoOffset, "auto-offset", false, "derive offsets from the largest image")
	cmd.Flags().BoolVar(&flags.noAlpha, "no-alpha", false, "ignore the texture alpha channel")
	cmd.Flags().BoolVar(&flags.freeze, "freeze", false, "freeze the planes")

	return cmd
}

// options starts from the configured defaults and applies the flags the user set.
func (f importFlags) options(cmd *cobra.Command, state *app) (importer.Options, error) {
	options, err := importer.OptionsFromConfig(state.cfg)
	if err != nil {
		return importer.Options{}, err
	}

	changed := cmd.Flags().Changed

	if changed("mode") {
		options.Mode, err = importer.ParseMode(f.mode)
		if err != nil {
			return importer.Options{}, err
		}
	}

	if changed("view") {
		options.View, err = view.Parse(f.view)
		if err != nil {
			return importer.Options{}, err
		}
	}

	if changed("pivot") {
		options.Pivot, err = placement.ParsePivot(f.pivot)
		if err != nil {
			return importer.Options{}, err
		}
	}

	if changed("material") {
		options.Material = scene.ParseMaterialType(f.material)
	}

	if changed("layer") {
		options.Layer = f.layer
	}

	if changed("scale") {
		options.Scale = f.scale
	}

	if changed("offset") {
		options.Offset = f.offset
	}

	if changed("opacity") {
		options.Display.Opacity = f.opacity
	}

	if changed("auto-offset") {
		options.AutoOffset = f.autoOffset
	}

	if changed("no-alpha") {
		options.UseAlpha = !f.noAlpha
	}

	if changed("freeze") {
		options.Display.Freeze = f.freeze
	}

	return options, nil
}

func printSummary(w io.Writer, layout *scene.Layout, manifestPath, scenePath string) {
	fmt.Fprintf(w, "%d planes, %d materials written to %s\n", len(layout.Planes), len(layout.Materials), manifestPath)

	if scenePath != "" {
		fmt.Fprintf(w, "glTF scene written to %s\n", scenePath)
	}

	if len(layout.Failures) > 0 {
		fmt.Fprintln(w, "The following files could not be loaded:")

		for _, failure := range layout.Failures {
			fmt.Fprintf(w, "  • %s\n", failure.Message)
		}
	}

	for _, path := range layout.Undetected {
		fmt.Fprintf(w, "no view detected: %s\n", path)
	}
}

func newServeCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the NATS import worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			defaults, err := importer.OptionsFromConfig(state.cfg)
			if err != nil {
				return err
			}

			planner, err := state.newImporter(ctx)
			if err != nil {
				return err
			}

			natsConn, err := worker.Connect(state.cfg.NATS.URL, state.log)
			if err != nil {
				return err
			}
			defer natsConn.Close()

			natsWorker, err := worker.New(ctx, natsConn, worker.Settings{
				Stream:            state.cfg.NATS.Consumer.Stream,
				Subject:           state.cfg.NATS.Consumer.Subject,
				Durable:           state.cfg.NATS.Consumer.Durable,
				OutputStream:      state.cfg.NATS.Producer.Stream,
				OutputSubject:     state.cfg.NATS.Producer.Subject,
				DeadLetterSubject: state.cfg.NATS.DLQSubject,
				MediaBucket:       state.cfg.NATS.ObjectStore.MediaBucket,
				LayoutBucket:      state.cfg.NATS.ObjectStore.LayoutBucket,
				TempDir:           state.cfg.FFmpeg.TempDir,
				Defaults:          defaults,
			}, planner, state.log)
			if err != nil {
				return err
			}

			state.log.Infof("Starting NATS worker...")

			err = natsWorker.Run(ctx)

			state.log.Infof("Shutdown complete.")

			return err
		},
	}
}

func newWatchCommand(state *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Import media dropped into a hot folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			options, err := importer.OptionsFromConfig(state.cfg)
			if err != nil {
				return err
			}

			planner, err := state.newImporter(cmd.Context())
			if err != nil {
				return err
			}

			if dir == "" {
				dir = state.cfg.Watch.Dir
			}

			watcher := watch.New(planner, watch.Settings{
				Dir:            dir,
				OutputDir:      state.cfg.Output.Dir,
				ManifestFormat: scene.Format(strings.ToLower(state.cfg.Output.ManifestFormat)),
				ExportGLTF:     state.cfg.Output.ExportGLTF,
				Debounce:       time.Duration(state.cfg.Watch.DebounceMilliseconds) * time.Millisecond,
				Options:        options,
			}, state.log)

			return watcher.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "folder to watch (defaults to watch.dir)")

	return cmd
}
