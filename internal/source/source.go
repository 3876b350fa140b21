// Package source resolves image-source descriptors into frames for the
// pipeline's programmable source stage.
//
// Descriptors:
//
//	camera              the pipeline acquires from the camera itself (nil frame)
//	folder:<dir>        newest image in dir, decoded to RGB
//	fake:<w>x<h>        synthetic test pattern
package source

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-defect-station/internal/pipeline"
)

// Handle is an open image source. A capture owns its handle and closes it on
// every path.
type Handle interface {
	// Frame returns the next frame; nil means the pipeline acquires its own.
	Frame(ctx context.Context) (*pipeline.RawFrame, error)
	Close() error
}

// Options tune decoding of file sources.
type Options struct {
	// MaxWidth and MaxHeight downscale larger images (0 keeps the size)
	MaxWidth  int
	MaxHeight int
}

// Validate checks descriptor syntax without touching the filesystem.
func Validate(descriptor string) error {
	kind, arg, _ := strings.Cut(strings.TrimSpace(descriptor), ":")
	switch kind {
	case "", "camera":
		return nil
	case "folder":
		if arg == "" {
			return fmt.Errorf("source: folder descriptor needs a directory")
		}
		return nil
	case "fake":
		_, _, err := parseSize(arg)
		return err
	default:
		return fmt.Errorf("source: unknown image source %q", descriptor)
	}
}

// Open opens the source named by descriptor.
func Open(descriptor string, opts Options) (Handle, error) {
	if err := Validate(descriptor); err != nil {
		return nil, err
	}

	kind, arg, _ := strings.Cut(strings.TrimSpace(descriptor), ":")
	switch kind {
	case "folder":
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("source: folder %s: %w", arg, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("source: %s is not a directory", arg)
		}
		return &folderHandle{dir: arg, opts: opts}, nil
	case "fake":
		w, h, _ := parseSize(arg)
		return &fakeHandle{width: w, height: h, source: descriptor}, nil
	default:
		return cameraHandle{}, nil
	}
}

// Resolve opens descriptor, takes one frame and closes it.
func Resolve(ctx context.Context, descriptor string, opts Options) (*pipeline.RawFrame, error) {
	h, err := Open(descriptor, opts)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Frame(ctx)
}

// maxFakeSide bounds each side of a synthetic frame (8K UHD width).
const maxFakeSide = 7680

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("source: size %q must be <width>x<height>", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("source: invalid width in %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("source: invalid height in %q", s)
	}
	if w > maxFakeSide || h > maxFakeSide {
		return 0, 0, fmt.Errorf("source: size %q exceeds %dx%d", s, maxFakeSide, maxFakeSide)
	}
	return w, h, nil
}

type cameraHandle struct{}

func (cameraHandle) Frame(context.Context) (*pipeline.RawFrame, error) { return nil, nil }
func (cameraHandle) Close() error                                      { return nil }

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true}

type folderHandle struct {
	dir  string
	opts Options
}

func (f *folderHandle) Frame(ctx context.Context) (*pipeline.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := newestImage(f.dir)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", path, err)
	}
	if f.opts.MaxWidth > 0 && f.opts.MaxHeight > 0 {
		b := img.Bounds()
		if b.Dx() > f.opts.MaxWidth || b.Dy() > f.opts.MaxHeight {
			img = imaging.Fit(img, f.opts.MaxWidth, f.opts.MaxHeight, imaging.Lanczos)
		}
	}

	frame := toRGB(img)
	frame.Source = path
	slog.Debug("source: frame loaded", "path", path, "width", frame.Width, "height", frame.Height)
	return frame, nil
}

func (f *folderHandle) Close() error { return nil }

func newestImage(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("source: read folder %s: %w", dir, err)
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var images []candidate
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		images = append(images, candidate{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	if len(images) == 0 {
		return "", fmt.Errorf("source: no images in %s", dir)
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].mod.Equal(images[j].mod) {
			return images[i].path > images[j].path
		}
		return images[i].mod.After(images[j].mod)
	})
	return images[0].path, nil
}

// toRGB converts img to interleaved RGB bytes.
func toRGB(img image.Image) *pipeline.RawFrame {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()

	data := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			data = append(data, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	return &pipeline.RawFrame{Width: w, Height: h, Data: data, Timestamp: time.Now()}
}

// fakeHandle produces a moving diagonal gradient.
type fakeHandle struct {
	width, height int
	source        string
	seq           atomic.Uint64
}

func (f *fakeHandle) Frame(ctx context.Context) (*pipeline.RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq := f.seq.Add(1)

	data := make([]byte, f.width*f.height*3)
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			i := (y*f.width + x) * 3
			v := byte(uint64(x+y) + seq)
			data[i], data[i+1], data[i+2] = v, byte(y), byte(x)
		}
	}
	return &pipeline.RawFrame{
		Width:     f.width,
		Height:    f.height,
		Data:      data,
		Timestamp: time.Now(),
		Source:    f.source,
	}, nil
}

func (f *fakeHandle) Close() error { return nil }
