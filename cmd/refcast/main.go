// ./cmd/refcast/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/spf13/cobra"

	"github.com/book-expert/refcast-service/internal/config"
	"github.com/book-expert/refcast-service/internal/importer"
	"github.com/book-expert/refcast-service/internal/llm"
	"github.com/book-expert/refcast-service/internal/video"
)

const (
	bootstrapLogFile = "refcast-bootstrap.log"
	serviceLogFile   = "refcast.log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := newRootCommand(os.Stdout).ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

// app carries what every command needs once the configuration is loaded.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	configPath string
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	state := &app{}

	root := &cobra.Command{
		Use:           "refcast",
		Short:         "Plan textured reference planes around the origin",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.setup(cmd.Context())
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if state.log != nil {
				_ = state.log.Close()
			}
		},
	}

	root.SetOut(stdout)
	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", "",
		"path to project.toml (defaults to ./project.toml when present)")

	root.AddCommand(
		newDetectCommand(),
		newPlaceCommand(),
		newImportCommand(state),
		newServeCommand(state),
		newWatchCommand(state),
	)

	return root
}

// setup follows the service start-up: a bootstrap logger in the temp
// directory, then the configuration, then the final logger in the
// configured log directory.
func (a *app) setup(_ context.Context) error {
	bootstrap, err := logger.New(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	a.cfg, err = loadConfig(a.configPath, bootstrap)
	if err != nil {
		bootstrap.Errorf("Failed to load configuration: %v", err)
		_ = bootstrap.Close()

		return err
	}

	_ = bootstrap.Close()

	a.log, err = logger.New(a.cfg.Service.LogDir, serviceLogFile)
	if err != nil {
		return fmt.Errorf("failed to create final logger: %w", err)
	}

	a.log.Infof("Logging to %s", a.cfg.GetLogFilePath(serviceLogFile))

	return nil
}

// loadConfig reads the file at path. Without an explicit path a missing
// project.toml means the built-in defaults.
func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path == "" {
		_, err := os.Stat(config.DefaultConfigFilename)
		if errors.Is(err, os.ErrNotExist) {
			log.Infof("No %s found, using built-in defaults", config.DefaultConfigFilename)

			return config.Default(), nil
		}
	}

	cfg, err := config.Load(path, log)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	return cfg, nil
}

// newImporter wires the converter and, when enabled, the vision fallback.
func (a *app) newImporter(ctx context.Context) (*importer.Importer, error) {
	converter := video.NewConverter(video.Config{
		BinaryPath:     a.cfg.FFmpeg.BinaryPath,
		SearchPaths:    a.cfg.FFmpeg.SearchPaths,
		ExtraArgs:      a.cfg.FFmpeg.ExtraArgs,
		TempDir:        a.cfg.FFmpeg.TempDir,
		TimeoutSeconds: a.cfg.FFmpeg.TimeoutSeconds,
	}, a.log)

	var classifier importer.ViewClassifier

	if a.cfg.LLM.Enabled {
		apiKey := a.cfg.GetAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("%w: set %s or disable [llm]", llm.ErrAPIKeyNotFound, a.cfg.LLM.APIKeyEnvironmentVariable)
		}

		visionClassifier, err := llm.NewClassifier(ctx, llm.Config{
			APIKey:            apiKey,
			Model:             a.cfg.LLM.Model,
			SystemInstruction: a.cfg.LLM.SystemInstruction,
			Prompt:            a.cfg.LLM.Prompt,
			Temperature:       a.cfg.LLM.Temperature,
			MaxRetries:        a.cfg.LLM.MaxRetries,
			RetryDelaySeconds: a.cfg.LLM.RetryDelaySeconds,
			TimeoutSeconds:    a.cfg.LLM.TimeoutSeconds,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("initialize vision fallback: %w", err)
		}

		classifier = visionClassifier
	}

	return importer.New(converter, classifier, a.log), nil
}
