// Package config loads the service settings from project.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

const DefaultConfigFilename = "project.toml"

// ErrInvalidConfig indicates settings that cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service ServiceSettings `toml:"service"`
	Import  ImportSettings  `toml:"import"`
	Output  OutputSettings  `toml:"output"`
	FFmpeg  FFmpegSettings  `toml:"ffmpeg"`
	LLM     LLMSettings     `toml:"llm"`
	Watch   WatchSettings   `toml:"watch"`
	NATS    NATSSettings    `toml:"nats"`
}

type ServiceSettings struct {
	LogDir  string `toml:"log_dir"`
	Workers int    `toml:"workers"`
}

// ImportSettings are the defaults of every import; requests may override them.
type ImportSettings struct {
	Mode           string  `toml:"mode"`
	View           string  `toml:"view"`
	Pivot          string  `toml:"pivot"`
	Scale          float64 `toml:"scale"`
	Offset         float64 `toml:"offset"`
	AutoOffset     bool    `toml:"auto_offset"`
	Layer          string  `toml:"layer"`
	MaterialType   string  `toml:"material_type"`
	UseAlpha       bool    `toml:"use_alpha"`
	Opacity        float64 `toml:"opacity"`
	Freeze         bool    `toml:"freeze"`
	FrozenGray     bool    `toml:"frozen_gray"`
	BackfaceCull   bool    `toml:"backface_cull"`
	Renderable     bool    `toml:"renderable"`
	CastShadows    bool    `toml:"cast_shadows"`
	ReceiveShadows bool    `toml:"receive_shadows"`
}

type OutputSettings struct {
	Dir            string `toml:"dir"`
	ManifestFormat string `toml:"manifest_format"`
	ExportGLTF     bool   `toml:"export_gltf"`
}

type FFmpegSettings struct {
	BinaryPath     string   `toml:"binary_path"`
	SearchPaths    []string `toml:"search_paths"`
	ExtraArgs      string   `toml:"extra_args"`
	TempDir        string   `toml:"temp_dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

type LLMSettings struct {
	Enabled                   bool    `toml:"enabled"`
	APIKeyEnvironmentVariable string  `toml:"api_key_variable"`
	Model                     string  `toml:"model"`
	MaxRetries                int     `toml:"max_retries"`
	RetryDelaySeconds         int     `toml:"retry_delay_seconds"`
	TimeoutSeconds            int     `toml:"timeout_seconds"`
	Temperature               float64 `toml:"temperature"`
	SystemInstruction         string  `toml:"system_instruction"`
	Prompt                    string  `toml:"prompt"`
}

type WatchSettings struct {
	Dir                  string `toml:"dir"`
	DebounceMilliseconds int    `toml:"debounce_milliseconds"`
}

type NATSSettings struct {
	URL         string              `toml:"url"`
	DLQSubject  string              `toml:"dlq_subject"`
	Consumer    ConsumerSettings    `toml:"consumer"`
	Producer    ProducerSettings    `toml:"producer"`
	ObjectStore ObjectStoreSettings `toml:"object_store"`
}

type ConsumerSettings struct {
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
	Durable string `toml:"durable"`
}

type ProducerSettings struct {
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
}

type ObjectStoreSettings struct {
	MediaBucket  string `toml:"media_bucket"`
	LayoutBucket string `toml:"layout_bucket"`
}

// Default returns the settings used for every key project.toml leaves out.
func Default() *Config {
	return &Config{
		Service: ServiceSettings{
			LogDir:  "logs",
			Workers: 4,
		},
		Import: ImportSettings{
			Mode:         "Manual",
			View:         "Front",
			Pivot:        "Bottom Center",
			Scale:        1,
			Offset:       50,
			Layer:        "REFERENCES",
			MaterialType: "Physical",
			UseAlpha:     true,
			Opacity:      1,
			BackfaceCull: true,
			Renderable:   true,
		},
		Output: OutputSettings{
			Dir:            "output",
			ManifestFormat: "json",
		},
		FFmpeg: FFmpegSettings{
			TimeoutSeconds: 300,
		},
		LLM: LLMSettings{
			APIKeyEnvironmentVariable: "GEMINI_API_KEY",
			Model:                     "gemini-2.5-flash",
			MaxRetries:                3,
			RetryDelaySeconds:         2,
			TimeoutSeconds:            60,
		},
		Watch: WatchSettings{
			Dir:                  "incoming",
			DebounceMilliseconds: 750,
		},
		NATS: NATSSettings{
			URL:        "nats://127.0.0.1:4222",
			DLQSubject: "refcast.import.dlq",
			Consumer: ConsumerSettings{
				Stream:  "REFCAST_JOBS",
				Subject: "refcast.import.requested",
				Durable: "refcast-workers",
			},
			Producer: ProducerSettings{
				Stream:  "REFCAST_EVENTS",
				Subject: "refcast.layout.created",
			},
			ObjectStore: ObjectStoreSettings{
				MediaBucket:  "REFCAST_MEDIA",
				LayoutBucket: "REFCAST_LAYOUTS",
			},
		},
	}
}

// Load decodes filePath over the defaults and validates the result. An empty
// filePath means project.toml in the working directory.
func Load(filePath string, loggerInstance *logger.Logger) (*Config, error) {
	if filePath == "" {
		filePath = DefaultConfigFilename
	}

	configFile, err := os.Open(filepath.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open config file '%s': %w", filePath, err)
	}
	defer func() {
		if closeErr := configFile.Close(); closeErr != nil && loggerInstance != nil {
			loggerInstance.Warnf("Failed to close config file: %v", closeErr)
		}
	}()

	configuration := Default()

	decoder := toml.NewDecoder(configFile).DisallowUnknownFields()
	if err := decoder.Decode(configuration); err != nil {
		return nil, fmt.Errorf("failed to decode TOML configuration: %w", err)
	}

	if err := configuration.Validate(); err != nil {
		return nil, err
	}

	if loggerInstance != nil {
		loggerInstance.Infof("Loaded configuration from %s", filePath)
	}

	return configuration, nil
}

// Validate checks the ranges of numeric settings and the output format.
// Enumerated import settings are checked when they are turned into options.
func (c *Config) Validate() error {
	var problems []string

	if c.Service.Workers <= 0 {
		problems = append(problems, "service.workers must be positive")
	}

	if !(c.Import.Scale > 0) {
		problems = append(problems, "import.scale must be positive")
	}

	if !(c.Import.Offset >= 0) {
		problems = append(problems, "import.offset must not be negative")
	}

	if !(c.Import.Opacity >= 0 && c.Import.Opacity <= 1) {
		problems = append(problems, "import.opacity must be between 0 and 1")
	}

	switch strings.ToLower(c.Output.ManifestFormat) {
	case "json", "yaml":
	default:
		problems = append(problems, fmt.Sprintf("output.manifest_format %q is not json or yaml", c.Output.ManifestFormat))
	}

	if c.FFmpeg.TimeoutSeconds < 0 {
		problems = append(problems, "ffmpeg.timeout_seconds must not be negative")
	}

	if c.Watch.DebounceMilliseconds < 0 {
		problems = append(problems, "watch.debounce_milliseconds must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

func (c *Config) GetAPIKey() string {
	return os.Getenv(c.LLM.APIKeyEnvironmentVariable)
}

func (c *Config) GetLogFilePath(filename string) string {
	return filepath.Join(c.Service.LogDir, filename)
}

// ManifestPath is where an import named name writes its manifest.
func (c *Config) ManifestPath(name string) string {
	return filepath.Join(c.Output.Dir, name+"."+strings.ToLower(c.Output.ManifestFormat))
}

// SceneFilePath is where an import named name writes its glTF scene.
func (c *Config) SceneFilePath(name string) string {
	return filepath.Join(c.Output.Dir, name+".glb")
}
