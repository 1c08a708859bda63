package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

const KindFile = "file"

// File publishes a JPEG file, and publishes it again every time it is
// rewritten. Anything that drops snapshots into a directory (a capture daemon,
// a cron job) can feed the stream this way.
//
// For the front device a sibling named "<base>_front<ext>" is used if it
// exists, so "cam.jpg" pairs with "cam_front.jpg".
type File struct {
	path string
	log  logger.Module

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFile returns a stopped file source for path.
func NewFile(path string) *File {
	return &File{path: path, log: logger.For("Source")}
}

func (f *File) Name() string { return KindFile }

// PathFor returns the file used for device.
func (f *File) PathFor(device types.Device) string {
	if device != types.DeviceFront {
		return f.path
	}
	ext := filepath.Ext(f.path)
	front := strings.TrimSuffix(f.path, ext) + "_front" + ext
	if _, err := os.Stat(front); err == nil {
		return front
	}
	return f.path
}

// Start publishes the file once and starts watching it. A missing or
// unreadable file fails the start.
func (f *File) Start(ctx context.Context, device types.Device, sink FrameSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return ErrRunning
	}

	path := f.PathFor(device)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	// Watch the directory rather than the file: editors and atomic writers
	// replace the file, which drops a watch on the file itself.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	sink.Publish(data)

	f.watcher = w
	f.done = make(chan struct{})
	go f.watch(ctx, w, path, sink, f.done)

	f.log.Info("Serving %s (device=%s)", path, device)
	return nil
}

func (f *File) watch(ctx context.Context, w *fsnotify.Watcher, path string, sink FrameSink, done chan struct{}) {
	defer close(done)
	name := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				f.log.Debug("Reread %s: %v", path, err)
				continue
			}
			// A truncate-then-write shows up as an empty read first; the
			// cache ignores empty frames.
			sink.Publish(data)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.Warn("Watcher error: %v", err)
		}
	}
}

// Stop closes the watcher and waits for the watch goroutine.
func (f *File) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	<-f.done
	f.watcher = nil
	f.done = nil
	f.log.Info("Stopped watching %s", f.path)
	return err
}
