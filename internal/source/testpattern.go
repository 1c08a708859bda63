package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

const KindTestPattern = "testpattern"

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// TestPattern renders colour bars with a caption (device, frame number,
// time) at a fixed rate. It stands in for a camera.
type TestPattern struct {
	width, height int
	interval      time.Duration
	quality       int
	log           logger.Module

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewTestPattern returns a stopped generator. Zero values pick 640x480, 10 fps,
// quality 75.
func NewTestPattern(width, height, fps, quality int) *TestPattern {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 10
	}
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &TestPattern{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		log:      logger.For("Source"),
	}
}

func (t *TestPattern) Name() string { return KindTestPattern }

// Start renders the first frame synchronously, then keeps rendering on a
// ticker until Stop or ctx is done.
func (t *TestPattern) Start(ctx context.Context, device types.Device, sink FrameSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrRunning
	}

	base := colorBars(t.width, t.height)
	frame := image.NewRGBA(base.Bounds())
	var buf bytes.Buffer
	render := func(n uint64) error {
		draw.Copy(frame, image.Point{}, base, base.Bounds(), draw.Src, nil)
		caption(frame, fmt.Sprintf("%s #%d %s", device, n, time.Now().Format("15:04:05.000")))
		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: t.quality}); err != nil {
			return fmt.Errorf("encode test pattern: %w", err)
		}
		sink.Publish(buf.Bytes())
		return nil
	}

	if err := render(1); err != nil {
		return err
	}

	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(ctx, render, t.stop, t.done)

	t.log.Info("Test pattern started (%dx%d, %v/frame, device=%s)", t.width, t.height, t.interval, device)
	return nil
}

func (t *TestPattern) run(ctx context.Context, render func(uint64) error, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for n := uint64(2); ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := render(n); err != nil {
			t.log.Warn("%v", err)
		}
	}
}

// Stop halts the generator and waits for the render goroutine to exit.
func (t *TestPattern) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	close(t.stop)
	<-t.done
	t.running = false
	t.log.Info("Test pattern stopped")
	return nil
}

func colorBars(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := (width + len(barColors) - 1) / len(barColors)
	for i, c := range barColors {
		r := image.Rect(i*barWidth, 0, (i+1)*barWidth, height).Intersect(img.Bounds())
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	return img
}

// caption draws text on a black band along the bottom edge.
func caption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	b := img.Bounds()
	band := image.Rect(b.Min.X, b.Max.Y-face.Height-6, b.Max.X, b.Max.Y).Intersect(b)
	draw.Draw(img, band, image.NewUniform(color.Black), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(b.Min.X+4, b.Max.Y-4-face.Descent),
	}
	d.DrawString(text)
}
