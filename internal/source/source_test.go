package source

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Publish(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func TestTestPatternProducesDecodableFrames(t *testing.T) {
	src := NewTestPattern(320, 240, 50, 80)
	sink := &recordingSink{}

	require.NoError(t, src.Start(context.Background(), types.DeviceBack, sink))
	defer src.Stop()

	// The first frame is published before Start returns.
	require.Equal(t, 1, sink.count())
	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 10*time.Millisecond)

	img, err := jpeg.Decode(bytes.NewReader(sink.last()))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())
}

func TestTestPatternStopHaltsPublishing(t *testing.T) {
	src := NewTestPattern(64, 48, 100, 0)
	sink := &recordingSink{}

	require.NoError(t, src.Start(context.Background(), types.DeviceFront, sink))
	require.NoError(t, src.Stop())
	n := sink.count()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, sink.count())
	assert.NoError(t, src.Stop(), "second stop is a no-op")
}

func TestTestPatternStartWhileRunning(t *testing.T) {
	src := NewTestPattern(64, 48, 10, 0)
	sink := &recordingSink{}

	require.NoError(t, src.Start(context.Background(), types.DeviceBack, sink))
	defer src.Stop()
	assert.ErrorIs(t, src.Start(context.Background(), types.DeviceBack, sink), ErrRunning)
}

func TestTestPatternRestart(t *testing.T) {
	src := NewTestPattern(64, 48, 10, 0)
	sink := &recordingSink{}

	for i := 0; i < 3; i++ {
		require.NoError(t, src.Start(context.Background(), types.Device(i%2), sink))
		require.NoError(t, src.Stop())
	}
	assert.GreaterOrEqual(t, sink.count(), 3)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestFileSourcePublishesOnStartAndChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam.jpg")
	writeFile(t, path, []byte("first"))

	src := NewFile(path)
	sink := &recordingSink{}
	require.NoError(t, src.Start(context.Background(), types.DeviceBack, sink))
	defer src.Stop()

	require.Equal(t, []byte("first"), sink.last())

	writeFile(t, path, []byte("second"))
	require.Eventually(t, func() bool { return bytes.Equal(sink.last(), []byte("second")) },
		2*time.Second, 10*time.Millisecond)
}

func TestFileSourceIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam.jpg")
	writeFile(t, path, []byte("first"))

	src := NewFile(path)
	sink := &recordingSink{}
	require.NoError(t, src.Start(context.Background(), types.DeviceBack, sink))
	defer src.Stop()

	writeFile(t, filepath.Join(dir, "other.jpg"), []byte("other"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []byte("first"), sink.last())
}

func TestFileSourceFrontSibling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam.jpg")
	writeFile(t, path, []byte("back"))

	src := NewFile(path)
	assert.Equal(t, path, src.PathFor(types.DeviceFront), "falls back to the main file")

	front := filepath.Join(dir, "cam_front.jpg")
	writeFile(t, front, []byte("front"))
	assert.Equal(t, front, src.PathFor(types.DeviceFront))
	assert.Equal(t, path, src.PathFor(types.DeviceBack))

	sink := &recordingSink{}
	require.NoError(t, src.Start(context.Background(), types.DeviceFront, sink))
	defer src.Stop()
	assert.Equal(t, []byte("front"), sink.last())
}

func TestFileSourceMissingFile(t *testing.T) {
	src := NewFile(filepath.Join(t.TempDir(), "missing.jpg"))
	err := src.Start(context.Background(), types.DeviceBack, &recordingSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.NoError(t, src.Stop())
}

func TestNew(t *testing.T) {
	src, err := New(Options{Kind: KindTestPattern})
	require.NoError(t, err)
	assert.Equal(t, KindTestPattern, src.Name())

	_, err = New(Options{Kind: KindFile})
	assert.Error(t, err)

	src, err = New(Options{Kind: KindFile, Path: "/tmp/x.jpg"})
	require.NoError(t, err)
	assert.Equal(t, KindFile, src.Name())

	_, err = New(Options{Kind: "v4l2"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestProducerWrapsStartError(t *testing.T) {
	p := NewProducer(NewFile(filepath.Join(t.TempDir(), "missing.jpg")), &recordingSink{})
	err := p.Start(types.DeviceBack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file source")
	assert.NoError(t, p.Stop())
}

func TestProducerStartStop(t *testing.T) {
	sink := &recordingSink{}
	p := NewProducer(NewTestPattern(32, 24, 20, 0), sink)

	require.NoError(t, p.Start(types.DeviceBack))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Start(types.DeviceFront))
	require.NoError(t, p.Stop())
	assert.Equal(t, "testpattern", p.Name())
	assert.GreaterOrEqual(t, sink.count(), 2)
}
