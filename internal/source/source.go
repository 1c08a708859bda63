// Package source provides the frame producers that feed the frame cache.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

var (
	// ErrRunning is returned by Start when the source is already producing.
	ErrRunning = errors.New("source already running")
	// ErrUnknownKind is returned by New for an unrecognised source kind.
	ErrUnknownKind = errors.New("unknown source kind")
)

// FrameSink receives encoded frames. Publish must not retain data.
type FrameSink interface {
	Publish(data []byte)
}

// FrameSource produces JPEG frames for one device until stopped.
type FrameSource interface {
	// Start begins producing frames into sink. It returns once the source is
	// running, or with an error if it could not be opened.
	Start(ctx context.Context, device types.Device, sink FrameSink) error
	// Stop halts production and waits for it to finish. Stopping a stopped
	// source is a no-op.
	Stop() error
	Name() string
}

// Options configures the built-in sources.
type Options struct {
	Kind    string // "testpattern" or "file"
	Path    string // file source path
	FPS     int
	Width   int
	Height  int
	Quality int
}

// New builds the source named by opts.Kind.
func New(opts Options) (FrameSource, error) {
	switch opts.Kind {
	case "", KindTestPattern:
		return NewTestPattern(opts.Width, opts.Height, opts.FPS, opts.Quality), nil
	case KindFile:
		if opts.Path == "" {
			return nil, fmt.Errorf("file source: path is required")
		}
		return NewFile(opts.Path), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}
}

// Producer adapts a FrameSource to the lifecycle controller: it binds the
// source to a sink and owns the context of each run.
type Producer struct {
	src  FrameSource
	sink FrameSink

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewProducer binds src to sink.
func NewProducer(src FrameSource, sink FrameSink) *Producer {
	return &Producer{src: src, sink: sink}
}

// Start opens the source on device.
func (p *Producer) Start(device types.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.src.Start(ctx, device, p.sink); err != nil {
		cancel()
		return fmt.Errorf("%s source: %w", p.src.Name(), err)
	}
	p.cancel = cancel
	return nil
}

// Stop halts the source. It is safe to call when nothing is running.
func (p *Producer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return p.src.Stop()
}

// Name returns the bound source's name.
func (p *Producer) Name() string {
	return p.src.Name()
}
