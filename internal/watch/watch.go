// Package watch imports reference media dropped into a hot folder.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/book-expert/logger"
	"github.com/fsnotify/fsnotify"

	"github.com/book-expert/refcast-service/internal/importer"
	"github.com/book-expert/refcast-service/internal/media"
	"github.com/book-expert/refcast-service/internal/scene"
)

const (
	DefaultDebounce      = 750 * time.Millisecond
	defaultDirPermission = 0o750
)

// Importer plans a layout from local files.
type Importer interface {
	Import(ctx context.Context, paths []string, options importer.Options) (*scene.Layout, error)
}

// Settings configure the hot folder.
type Settings struct {
	Dir            string
	OutputDir      string
	ManifestFormat scene.Format
	ExportGLTF     bool
	// Debounce is the quiet period that closes a batch.
	Debounce time.Duration
	Options  importer.Options
}

// Watcher batches media files written to a folder and imports each batch.
type Watcher struct {
	importer Importer
	logger   *logger.Logger
	ready    chan struct{}
	settings Settings
	batches  int
}

// New creates a watcher; call Run to start it.
func New(planner Importer, settings Settings, log *logger.Logger) *Watcher {
	if settings.Debounce <= 0 {
		settings.Debounce = DefaultDebounce
	}

	if settings.ManifestFormat == "" {
		settings.ManifestFormat = scene.JSON
	}

	return &Watcher{
		importer: planner,
		logger:   log,
		ready:    make(chan struct{}),
		settings: settings,
	}
}

// Ready is closed once the folder is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches the folder until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	err := os.MkdirAll(w.settings.Dir, defaultDirPermission)
	if err != nil {
		return fmt.Errorf("create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			w.logger.Warnf("Failed to close file watcher: %v", closeErr)
		}
	}()

	err = watcher.Add(w.settings.Dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.settings.Dir, err)
	}

	w.logger.Infof("Watching %s for reference media (quiet period %v)", w.settings.Dir, w.settings.Debounce)
	close(w.ready)

	pending := make(map[string]struct{})

	quiet := time.NewTimer(w.settings.Debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !media.IsSupported(event.Name) {
				continue
			}

			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = struct{}{}
				quiet.Reset(w.settings.Debounce)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Errorf("File watcher: %v", watchErr)
		case <-quiet.C:
			if len(pending) == 0 {
				continue
			}

			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}

			sort.Strings(paths)
			clear(pending)

			_, batchErr := w.ImportBatch(ctx, paths)
			if batchErr != nil {
				w.logger.Errorf("Hot folder import failed: %v", batchErr)
			}
		}
	}
}

// ImportBatch imports paths and writes the manifest, plus the glTF scene
// when enabled, to the output directory. It returns the manifest path.
func (w *Watcher) ImportBatch(ctx context.Context, paths []string) (string, error) {
	layout, err := w.importer.Import(ctx, paths, w.settings.Options)
	if err != nil {
		return "", fmt.Errorf("import %d files: %w", len(paths), err)
	}

	w.batches++
	name := fmt.Sprintf("layout_%s_%03d", layout.CreatedAt.Format("20060102_150405"), w.batches)

	manifestPath := filepath.Join(w.settings.OutputDir, name+"."+string(w.settings.ManifestFormat))

	err = scene.WriteManifest(manifestPath, layout)
	if err != nil {
		return "", err
	}

	if w.settings.ExportGLTF {
		err = scene.ExportGLB(filepath.Join(w.settings.OutputDir, name+".glb"), layout)
		if err != nil {
			return manifestPath, err
		}
	}

	w.logger.Successf("Wrote %s with %d planes", manifestPath, len(layout.Planes))

	return manifestPath, nil
}
