package panel

import (
	"image"
	"image/draw"
	"sync"

	"github.com/cjeanneret/doorbell/internal/debug"
)

// Memory is a panel that keeps the last frame in RAM. It backs the mock
// display mode and the tests.
type Memory struct {
	mu        sync.Mutex
	bounds    image.Rectangle
	last      *image.RGBA
	frames    int
	backlight bool
	closed    bool
}

// NewMemory returns a w×h in-memory panel with the backlight on.
func NewMemory(w, h int) *Memory {
	debug.Info("Using MOCK display (%dx%d in memory)", w, h)
	return &Memory{
		bounds:    image.Rect(0, 0, w, h),
		last:      image.NewRGBA(image.Rect(0, 0, w, h)),
		backlight: true,
	}
}

func (m *Memory) Bounds() image.Rectangle { return m.bounds }

func (m *Memory) Display(img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	frame := image.NewRGBA(m.bounds)
	draw.Draw(frame, m.bounds, img, img.Bounds().Min, draw.Src)
	m.last = frame
	m.frames++
	return nil
}

func (m *Memory) Backlight(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.backlight = on
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.backlight = false
	return nil
}

// Last returns a copy of the most recent frame.
func (m *Memory) Last() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := image.NewRGBA(m.last.Rect)
	copy(c.Pix, m.last.Pix)
	return c
}

// Frames is the number of successful Display calls.
func (m *Memory) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// BacklightOn reports the backlight state.
func (m *Memory) BacklightOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlight
}
