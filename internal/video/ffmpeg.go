// Package video converts video references into PNG frame sequences using the
// ffmpeg command line tool.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"

	"github.com/book-expert/refcast-service/internal/media"
)

const (
	// DefaultTimeoutSeconds bounds a single conversion.
	DefaultTimeoutSeconds = 300
	stderrTailLength      = 300
	defaultDirPermission  = 0o750
	wingetPackagesDir     = `Microsoft\WinGet\Packages`
)

var (
	// ErrFFmpegNotFound indicates that no ffmpeg executable could be located.
	ErrFFmpegNotFound = errors.New("ffmpeg not found; install it (winget install ffmpeg, " +
		"or download from https://ffmpeg.org/download.html) and add it to PATH")
	// ErrConversionTimeout indicates that ffmpeg did not finish in time.
	ErrConversionTimeout = errors.New("ffmpeg timed out")
	// ErrNoFrames indicates that ffmpeg ran but wrote no frames.
	ErrNoFrames = errors.New("ffmpeg produced no frames")
)

// DefaultSearchPaths are checked after PATH when Config.SearchPaths is empty.
// Windows gets the usual manual install folders; other systems look in the
// user's own bin directories before the system ones.
func DefaultSearchPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files (x86)\ffmpeg\bin\ffmpeg.exe`,
			`~\ffmpeg\bin\ffmpeg.exe`,
			`~\Desktop\ffmpeg\bin\ffmpeg.exe`,
		}
	}

	return []string{
		"~/.local/bin/ffmpeg",
		"~/bin/ffmpeg",
		"/usr/local/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
		"/usr/bin/ffmpeg",
		"/snap/bin/ffmpeg",
	}
}

// Config controls how ffmpeg is found and invoked.
type Config struct {
	// BinaryPath is tried first. "~" and environment variables are expanded.
	BinaryPath string

	// SearchPaths are tried after PATH, in order. Empty means
	// DefaultSearchPaths.
	SearchPaths []string

	// ExtraArgs is a shell-quoted string inserted before the output pattern,
	// for example `-r 12 -vf "scale=1024:-1"`.
	ExtraArgs string

	// TempDir holds the per-video frame directories. Empty means os.TempDir().
	TempDir string

	// TimeoutSeconds bounds one conversion; zero means DefaultTimeoutSeconds.
	TimeoutSeconds int
}

// Sequence is the result of a conversion.
type Sequence struct {
	Dir      string
	ListPath string
	Frames   []string
}

// Converter runs ffmpeg to turn videos into frame sequences.
type Converter struct {
	logger *logger.Logger
	config Config
}

// NewConverter creates a converter. The binary is located lazily, on each
// conversion, so installing ffmpeg does not require a restart.
func NewConverter(config Config, log *logger.Logger) *Converter {
	return &Converter{
		config: config,
		logger: log,
	}
}

// Locate returns the ffmpeg executable to use.
func (c *Converter) Locate() (string, error) {
	if c.config.BinaryPath != "" {
		configured, err := expandPath(c.config.BinaryPath)
		if err == nil {
			if isFile(configured) {
				return configured, nil
			}

			if found, lookErr := exec.LookPath(configured); lookErr == nil {
				return found, nil
			}
		}

		c.logger.Warnf("Configured ffmpeg %q is not usable, searching elsewhere", c.config.BinaryPath)
	}

	if found, err := exec.LookPath("ffmpeg"); err == nil {
		return found, nil
	}

	searchPaths := c.config.SearchPaths
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths()
	}

	for _, candidate := range searchPaths {
		expanded, err := expandPath(candidate)
		if err != nil {
			continue
		}

		if isFile(expanded) {
			return expanded, nil
		}
	}

	if found := searchWinget(); found != "" {
		return found, nil
	}

	return "", ErrFFmpegNotFound
}

// ConvertToSequence extracts every frame of videoPath as RGBA PNG into a new
// directory under the temp dir and writes an image list next to them.
func (c *Converter) ConvertToSequence(ctx context.Context, videoPath string) (*Sequence, error) {
	err := validateFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("validate video file: %w", err)
	}

	ffmpegPath, err := c.Locate()
	if err != nil {
		return nil, fmt.Errorf("cannot load video %s: %w", filepath.Base(videoPath), err)
	}

	extraArgs, err := shellwords.Parse(c.config.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg extra args %q: %w", c.config.ExtraArgs, err)
	}

	baseName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))

	sequenceDir, err := c.makeSequenceDir(baseName)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()

	stderr, runErr := c.runFFmpeg(ctx, ffmpegPath, videoPath, extraArgs, filepath.Join(sequenceDir, baseName+"_%05d.png"))
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("ffmpeg canceled: %w", ctx.Err())
	}

	if errors.Is(runErr, ErrConversionTimeout) || ctx.Err() != nil {
		c.removeSequenceDir(sequenceDir)

		return nil, fmt.Errorf("converting %s: %w", filepath.Base(videoPath), runErr)
	}

	if runErr != nil {
		c.logger.Warnf("ffmpeg exited with error for %s: %v", filepath.Base(videoPath), runErr)
	}

	frames, err := collectFrames(sequenceDir, baseName)
	if err != nil {
		c.removeSequenceDir(sequenceDir)

		return nil, err
	}

	if len(frames) == 0 {
		c.removeSequenceDir(sequenceDir)

		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(videoPath), ErrNoFrames, stderrTail(stderr))
	}

	listPath := filepath.Join(sequenceDir, baseName+".ifl")

	err = media.WriteSequence(listPath, frames)
	if err != nil {
		c.removeSequenceDir(sequenceDir)

		return nil, err
	}

	c.logger.Infof("Converted %s to %d frames in %v", filepath.Base(videoPath), len(frames), time.Since(startTime))

	return &Sequence{Dir: sequenceDir, ListPath: listPath, Frames: frames}, nil
}

func (c *Converter) makeSequenceDir(baseName string) (string, error) {
	tempRoot := c.config.TempDir
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}

	sequenceDir, err := filepath.Abs(filepath.Join(tempRoot, fmt.Sprintf("refcast_%s_%d", baseName, time.Now().Unix())))
	if err != nil {
		return "", fmt.Errorf("resolve sequence directory: %w", err)
	}

	err = os.MkdirAll(sequenceDir, defaultDirPermission)
	if err != nil {
		return "", fmt.Errorf("create sequence directory: %w", err)
	}

	return sequenceDir, nil
}

func (c *Converter) removeSequenceDir(sequenceDir string) {
	err := os.RemoveAll(sequenceDir)
	if err != nil {
		c.logger.Warnf("Failed to remove sequence directory %s: %v", sequenceDir, err)
	}
}

// runFFmpeg executes ffmpeg and returns its stderr.
func (c *Converter) runFFmpeg(
	ctx context.Context,
	ffmpegPath, videoPath string,
	extraArgs []string,
	framePattern string,
) (string, error) {
	timeoutSeconds := c.config.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultTimeoutSeconds
	}

	ffmpegCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ffmpegCtx, ffmpegPath)
	cmd.Args = append(cmd.Args, "-i", filepath.Clean(videoPath))
	cmd.Args = append(cmd.Args, "-vf", "format=rgba")
	cmd.Args = append(cmd.Args, extraArgs...)
	cmd.Args = append(cmd.Args, "-y", framePattern)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ffmpegCtx.Err(), context.DeadlineExceeded) {
			return stderr.String(), fmt.Errorf("after %ds: %w", timeoutSeconds, ErrConversionTimeout)
		}

		if ctx.Err() != nil {
			return stderr.String(), fmt.Errorf("ffmpeg canceled: %w", ctx.Err())
		}

		return stderr.String(), fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	return stderr.String(), nil
}

func collectFrames(sequenceDir, baseName string) ([]string, error) {
	entries, err := os.ReadDir(sequenceDir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}

	var frames []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, baseName+"_") || !strings.HasSuffix(name, ".png") {
			continue
		}

		frames = append(frames, filepath.Join(sequenceDir, name))
	}

	slices.Sort(frames)

	return frames, nil
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return "unknown error"
	}

	if len(stderr) > stderrTailLength {
		return stderr[len(stderr)-stderrTailLength:]
	}

	return stderr
}

func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory %s: %w", path, media.ErrPathIsDirectory)
	}

	if info.Size() == 0 {
		return fmt.Errorf("file is empty %s: %w", path, media.ErrFileEmpty)
	}

	return nil
}

func expandPath(path string) (string, error) {
	expanded, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}

	return filepath.FromSlash(expanded), nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}

// searchWinget walks the WinGet package cache, where `winget install ffmpeg`
// leaves the binary without always adding it to PATH.
func searchWinget() string {
	localAppData := os.Getenv("LOCALAPPDATA")
	if runtime.GOOS != "windows" || localAppData == "" {
		return ""
	}

	root := filepath.Join(localAppData, wingetPackagesDir)

	var found string

	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !entry.IsDir() && strings.EqualFold(entry.Name(), "ffmpeg.exe") {
			found = path

			return fs.SkipAll
		}

		return nil
	})

	return found
}
