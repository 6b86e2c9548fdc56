package video_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/refcast-service/internal/media"
	"github.com/book-expert/refcast-service/internal/video"
)

// fakeFFmpeg records its arguments and writes three frames to the pattern
// passed as the last argument.
const fakeFFmpeg = `#!/bin/sh
echo "$@" > "%s"
last=""
for arg in "$@"; do last="$arg"; done
i=1
while [ $i -le 3 ]; do
  printf 'frame' > "$(printf "$last" $i)"
  i=$((i+1))
done
`

const failingFFmpeg = `#!/bin/sh
echo "moov atom not found" >&2
echo "clip.mp4: Invalid data found when processing input" >&2
exit 1
`

const hangingFFmpeg = `#!/bin/sh
exec sleep 10
`

// partialFFmpeg writes the first frame and then stalls.
const partialFFmpeg = `#!/bin/sh
last=""
for arg in "$@"; do last="$arg"; done
printf 'frame' > "$(printf "$last" 1)"
exec sleep 10
`

func TestMain(m *testing.M) {
	homedir.DisableCache = true

	os.Exit(m.Run())
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	return log
}

// writeScript is only used by sequential tests: exec of a freshly written
// file can fail with ETXTBSY while other tests fork.
func writeScript(t *testing.T, content string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o700))

	return path
}

func writeVideo(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "turntable.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video bytes"), 0o600))

	return path
}

func TestConvertToSequence_Success(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, strings.ReplaceAll(fakeFFmpeg, "%s", argsFile))
	tempDir := t.TempDir()

	converter := video.NewConverter(video.Config{
		BinaryPath:     script,
		ExtraArgs:      `-r 2 -frames:v "3"`,
		TempDir:        tempDir,
		TimeoutSeconds: 10,
	}, newTestLogger(t))

	videoPath := writeVideo(t)

	sequence, err := converter.ConvertToSequence(context.Background(), videoPath)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(sequence.Dir), "refcast_turntable_"))
	assert.Equal(t, filepath.Join(sequence.Dir, "turntable.ifl"), sequence.ListPath)
	require.Len(t, sequence.Frames, 3)
	assert.Equal(t, filepath.Join(sequence.Dir, "turntable_00001.png"), sequence.Frames[0])
	assert.Equal(t, filepath.Join(sequence.Dir, "turntable_00003.png"), sequence.Frames[2])

	listed, err := media.ReadSequence(sequence.ListPath)
	require.NoError(t, err)
	assert.Equal(t, sequence.Frames, listed)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-i "+videoPath+" -vf format=rgba -r 2 -frames:v 3 -y ")
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConvertToSequence_NoFrames(t *testing.T) {
	tempDir := t.TempDir()
	converter := video.NewConverter(video.Config{
		BinaryPath: writeScript(t, failingFFmpeg),
		TempDir:    tempDir,
	}, newTestLogger(t))

	_, err := converter.ConvertToSequence(context.Background(), writeVideo(t))
	require.ErrorIs(t, err, video.ErrNoFrames)
	assert.Contains(t, err.Error(), "Invalid data found")
	assertEmptyDir(t, tempDir)
}

func TestConvertToSequence_Timeout(t *testing.T) {
	tempDir := t.TempDir()
	converter := video.NewConverter(video.Config{
		BinaryPath:     writeScript(t, hangingFFmpeg),
		TempDir:        tempDir,
		TimeoutSeconds: 1,
	}, newTestLogger(t))

	_, err := converter.ConvertToSequence(context.Background(), writeVideo(t))
	require.ErrorIs(t, err, video.ErrConversionTimeout)
	assertEmptyDir(t, tempDir)
}

func TestConvertToSequence_CanceledDropsPartialFrames(t *testing.T) {
	tempDir := t.TempDir()
	converter := video.NewConverter(video.Config{
		BinaryPath:     writeScript(t, partialFFmpeg),
		TempDir:        tempDir,
		TimeoutSeconds: 30,
	}, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	sequence, err := converter.ConvertToSequence(ctx, writeVideo(t))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, sequence)
	assertEmptyDir(t, tempDir)
}

func TestConvertToSequence_BadExtraArgs(t *testing.T) {
	converter := video.NewConverter(video.Config{
		BinaryPath: writeScript(t, failingFFmpeg),
		ExtraArgs:  `-vf "unterminated`,
		TempDir:    t.TempDir(),
	}, newTestLogger(t))

	_, err := converter.ConvertToSequence(context.Background(), writeVideo(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra args")
}

func TestConvertToSequence_InvalidInput(t *testing.T) {
	t.Parallel()

	converter := video.NewConverter(video.Config{TempDir: t.TempDir()}, newTestLogger(t))

	empty := filepath.Join(t.TempDir(), "empty.mov")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	_, err := converter.ConvertToSequence(context.Background(), empty)
	require.ErrorIs(t, err, media.ErrFileEmpty)

	_, err = converter.ConvertToSequence(context.Background(), t.TempDir())
	require.ErrorIs(t, err, media.ErrPathIsDirectory)
}

func TestLocate_ConfiguredBinary(t *testing.T) {
	script := writeScript(t, failingFFmpeg)
	converter := video.NewConverter(video.Config{BinaryPath: script}, newTestLogger(t))

	located, err := converter.Locate()
	require.NoError(t, err)
	assert.Equal(t, script, located)
}

func TestLocate_SearchPathsWithEnvironment(t *testing.T) {
	script := writeScript(t, failingFFmpeg)
	t.Setenv("PATH", t.TempDir())
	t.Setenv("REFCAST_FFMPEG_DIR", filepath.Dir(script))

	converter := video.NewConverter(video.Config{
		BinaryPath:  filepath.Join(t.TempDir(), "missing-ffmpeg"),
		SearchPaths: []string{"/nonexistent/ffmpeg", "$REFCAST_FFMPEG_DIR/ffmpeg"},
	}, newTestLogger(t))

	located, err := converter.Locate()
	require.NoError(t, err)
	assert.Equal(t, script, located)
}

func TestLocate_NotFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("the WinGet package cache may hold a real ffmpeg")
	}

	t.Setenv("PATH", t.TempDir())

	converter := video.NewConverter(video.Config{SearchPaths: []string{"/nonexistent/ffmpeg"}}, newTestLogger(t))

	_, err := converter.Locate()
	require.ErrorIs(t, err, video.ErrFFmpegNotFound)

	_, err = converter.ConvertToSequence(context.Background(), writeVideo(t))
	require.ErrorIs(t, err, video.ErrFFmpegNotFound)
}

func TestLocate_FallsBackToDefaultSearchPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("PATH", t.TempDir())

	defaults := video.DefaultSearchPaths()
	require.NotEmpty(t, defaults)

	var inHome string

	for _, candidate := range defaults {
		if strings.HasPrefix(candidate, "~") {
			inHome = candidate

			break
		}
	}

	require.NotEmpty(t, inHome)

	expected := filepath.Join(home, filepath.FromSlash(strings.TrimLeft(inHome, `~/\`)))
	require.NoError(t, os.MkdirAll(filepath.Dir(expected), 0o750))
	require.NoError(t, os.WriteFile(expected, []byte(failingFFmpeg), 0o700))

	converter := video.NewConverter(video.Config{}, newTestLogger(t))

	located, err := converter.Locate()
	require.NoError(t, err)
	assert.Equal(t, expected, located)
}
