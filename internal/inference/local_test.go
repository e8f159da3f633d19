package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/smileloop-api/internal/preset"
)

type mockProber struct {
	mock.Mock
}

func (m *mockProber) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(time.Duration), args.Error(1)
}

// fakePython writes a script that stands in for the interpreter. It
// receives "<script> -s src -d driving -o outdir --flag_crop_driving_video".
func fakePython(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python")
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
  esac
  shift
done
` + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func localRequest(t *testing.T) Request {
	t.Helper()
	clip := filepath.Join(t.TempDir(), "soft_smile.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("driving"), 0o600))
	return Request{Image: pngHeader, Preset: preset.Preset{Name: "soft_smile", Path: clip}}
}

func TestLocalBackend_Animate_PicksNonConcatResult(t *testing.T) {
	python := fakePython(t, `printf concat > "$out/a_concat.mp4"; printf result > "$out/b.mp4"; printf later > "$out/c.mp4"`)
	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: t.TempDir()}, nil, nil)

	video, err := backend.Animate(context.Background(), localRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "result", string(video))
	assert.Equal(t, KindLocal, backend.Kind())
}

func TestLocalBackend_Animate_CleansRunDir(t *testing.T) {
	work := t.TempDir()
	python := fakePython(t, `printf result > "$out/b.mp4"`)
	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: work}, nil, nil)

	_, err := backend.Animate(context.Background(), localRequest(t))
	require.NoError(t, err)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalBackend_Animate_NoResult(t *testing.T) {
	python := fakePython(t, `printf concat > "$out/a_concat.mp4"`)
	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: t.TempDir()}, nil, nil)

	_, err := backend.Animate(context.Background(), localRequest(t))
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestLocalBackend_Animate_ProcessError(t *testing.T) {
	python := fakePython(t, `echo "Traceback: no face" >&2; exit 3`)
	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: t.TempDir()}, nil, nil)

	_, err := backend.Animate(context.Background(), localRequest(t))
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Stderr, "no face")
}

func TestLocalBackend_Animate_TimeoutFromClipLength(t *testing.T) {
	python := fakePython(t, `exec sleep 5`)
	req := localRequest(t)

	prober := &mockProber{}
	prober.On("ProbeDuration", mock.Anything, req.Preset.Path).Return(2*time.Second, nil)

	backend := NewLocalBackend(LocalConfig{
		Root:          t.TempDir(),
		Python:        python,
		WorkDir:       t.TempDir(),
		BaseTimeout:   50 * time.Millisecond,
		PerClipSecond: 25 * time.Millisecond,
	}, prober, nil)

	start := time.Now()
	_, err := backend.Animate(context.Background(), req)
	assert.ErrorIs(t, err, ErrLocalTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
	prober.AssertExpectations(t)
}

func TestLocalBackend_TimeoutFor(t *testing.T) {
	prober := &mockProber{}
	prober.On("ProbeDuration", mock.Anything, "ok.mp4").Return(3*time.Second, nil)
	prober.On("ProbeDuration", mock.Anything, "bad.mp4").Return(time.Duration(0), errors.New("probe failed"))

	backend := NewLocalBackend(LocalConfig{
		BaseTimeout:     time.Minute,
		PerClipSecond:   10 * time.Second,
		FallbackTimeout: 7 * time.Minute,
	}, prober, nil)

	assert.Equal(t, time.Minute+30*time.Second, backend.timeoutFor(context.Background(), "ok.mp4"))
	assert.Equal(t, 7*time.Minute, backend.timeoutFor(context.Background(), "bad.mp4"))

	noProber := NewLocalBackend(LocalConfig{FallbackTimeout: time.Minute}, nil, nil)
	assert.Equal(t, time.Minute, noProber.timeoutFor(context.Background(), "ok.mp4"))
}

func TestLocalBackend_Animate_WaitsForGPU(t *testing.T) {
	python := fakePython(t, `printf result > "$out/b.mp4"`)
	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: t.TempDir()}, nil, nil)

	// Hold the only slot.
	backend.gpu <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := backend.Animate(ctx, localRequest(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-backend.gpu
	video, err := backend.Animate(context.Background(), localRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "result", string(video))
}

func TestLocalBackend_Animate_WritesSourceWithExtension(t *testing.T) {
	python := fakePython(t, `printf result > "$out/b.mp4"`)
	// Replace the script with one that records the -s argument.
	record := filepath.Join(t.TempDir(), "src.txt")
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -s) printf '%s' "$2" > "` + record + `"; shift ;;
    -o) out="$2"; shift ;;
  esac
  shift
done
printf result > "$out/b.mp4"
`
	require.NoError(t, os.WriteFile(python, []byte(script), 0o700))

	backend := NewLocalBackend(LocalConfig{Root: t.TempDir(), Python: python, WorkDir: t.TempDir()}, nil, nil)
	_, err := backend.Animate(context.Background(), localRequest(t))
	require.NoError(t, err)

	src, err := os.ReadFile(record)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(string(src)))
}
