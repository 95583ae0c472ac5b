package camera

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
)

// MockFrames is the number of frames a "mock://eof" stream delivers
// before it reports ErrNoFrame.
const MockFrames = 50

// MockOpener synthesizes a moving test pattern instead of decoding the
// feed, for development away from the cameras. Any non-empty URL opens;
// URLs starting with "mock://fail" refuse to connect and "mock://eof"
// streams stop after MockFrames frames.
type MockOpener struct {
	width  int
	height int

	// FrameInterval paces Read like a live camera. Zero reads as fast as
	// the caller asks.
	FrameInterval time.Duration

	mu    sync.Mutex
	opens int
	live  int
}

// NewMockOpener returns a mock opener producing 4:3 frames of the given width.
func NewMockOpener(width int) *MockOpener {
	if width <= 0 {
		width = 320
	}
	return &MockOpener{width: width, height: width * 3 / 4}
}

func (m *MockOpener) Open(ctx context.Context, url string) (Stream, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(url, "mock://fail") {
		return nil, fmt.Errorf("mock: connection to %s refused", url)
	}

	m.mu.Lock()
	m.opens++
	m.live++
	m.mu.Unlock()

	h := fnv.New32a()
	h.Write([]byte(url))
	sum := h.Sum32()

	debug.Verbose("mock stream opened for %s", url)
	s := &mockStream{
		owner: m,
		w:     m.width,
		h:     m.height,
		tint:  color.RGBA{uint8(sum), uint8(sum >> 8), uint8(sum >> 16), 0xff},
		limit: -1,
		every: m.FrameInterval,
	}
	if strings.HasPrefix(url, "mock://eof") {
		s.limit = MockFrames
	}
	return s, nil
}

// Opens is the number of successful Open calls.
func (m *MockOpener) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Live is the number of streams opened and not yet closed.
func (m *MockOpener) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

type mockStream struct {
	owner  *MockOpener
	w, h   int
	tint   color.RGBA
	frame  int
	limit  int
	closed bool
	every  time.Duration
	last   time.Time
}

var bars = []color.RGBA{
	{0xff, 0xff, 0xff, 0xff},
	{0xff, 0xff, 0x00, 0xff},
	{0x00, 0xff, 0xff, 0xff},
	{0x00, 0xff, 0x00, 0xff},
	{0xff, 0x00, 0xff, 0xff},
	{0xff, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xff, 0xff},
}

func (s *mockStream) Read() (*image.RGBA, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.limit >= 0 && s.frame >= s.limit {
		return nil, fmt.Errorf("%w: end of stream", ErrNoFrame)
	}
	if s.every > 0 {
		if wait := s.every - time.Since(s.last); wait > 0 {
			time.Sleep(wait)
		}
		s.last = time.Now()
	}

	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	barW := s.w / len(bars)
	if barW == 0 {
		barW = 1
	}
	band := s.h * 3 / 4
	sweep := s.frame % s.w
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			var c color.RGBA
			switch {
			case x == sweep:
				c = color.RGBA{0, 0, 0, 0xff}
			case y < band:
				c = bars[min(x/barW, len(bars)-1)]
			default:
				c = s.tint
			}
			img.SetRGBA(x, y, c)
		}
	}
	s.frame++
	return img, nil
}

func (s *mockStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.mu.Lock()
	s.owner.live--
	s.owner.mu.Unlock()
	return nil
}
