// Package camera provides the network video sources shown on the panel.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	// ErrEmptyURL is returned by Open for a feed without a URL.
	ErrEmptyURL = errors.New("camera: feed has no URL")
	// ErrNoFrame is returned by Read when no frame arrived in time, the
	// stream ended or the decoder failed.
	ErrNoFrame = errors.New("camera: no frame")
	// ErrClosed is returned by Read on a closed stream.
	ErrClosed = errors.New("camera: stream closed")
)

// Stream is an open capture handle on one feed. A Stream is used by a
// single goroutine and must be closed exactly once.
type Stream interface {
	// Read blocks until the next decoded frame is available.
	Read() (*image.RGBA, error)
	Close() error
}

// Opener connects to a feed URL. Implementations bound the time spent
// connecting and honor ctx cancellation.
type Opener interface {
	Open(ctx context.Context, url string) (Stream, error)
}

// Options bound the blocking calls made by a source.
type Options struct {
	OpenTimeout  time.Duration
	ReadTimeout  time.Duration
	CaptureWidth int
}

// MockFrameInterval is the pace of the synthetic feed in mock mode.
const MockFrameInterval = 40 * time.Millisecond

// NewOpener returns the GStreamer opener, or the synthetic one in mock mode.
func NewOpener(mock bool, opts Options) Opener {
	if mock {
		m := NewMockOpener(opts.CaptureWidth)
		m.FrameInterval = MockFrameInterval
		return m
	}
	return NewGstOpener(opts)
}

// frameFromRGBA wraps a packed RGBA buffer of the given width into an
// image, copying the pixels. The height is derived from the buffer length.
func frameFromRGBA(data []byte, width int) (*image.RGBA, error) {
	if width <= 0 {
		return nil, fmt.Errorf("invalid frame width %d", width)
	}
	stride := width * 4
	if len(data) == 0 || len(data)%stride != 0 {
		return nil, fmt.Errorf("frame buffer of %d bytes does not match width %d", len(data), width)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, len(data)/stride))
	copy(img.Pix, data)
	return img, nil
}
