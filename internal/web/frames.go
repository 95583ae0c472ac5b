package web

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
)

// FrameHub relays rendered panel frames to MJPEG clients. Frames are only
// encoded while at least one client is watching.
type FrameHub struct {
	quality int

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	latest  []byte
}

// NewFrameHub returns a hub encoding at the given JPEG quality.
func NewFrameHub(quality int) *FrameHub {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &FrameHub{quality: quality, clients: make(map[chan []byte]struct{})}
}

// Publish encodes img and replaces any frame a client has not taken yet.
// It has the signature of render.Renderer.OnFrame.
func (h *FrameHub) Publish(img *image.RGBA) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		return
	}
	data := buf.Bytes()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	for ch := range h.clients {
		select {
		case <-ch:
		default:
		}
		ch <- data
	}
}

// Subscribe returns a channel holding at most the newest frame, primed
// with the last encoded one if any.
func (h *FrameHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	if h.latest != nil {
		ch <- h.latest
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
		})
	}
}

// Latest returns the last encoded frame, or nil.
func (h *FrameHub) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}
