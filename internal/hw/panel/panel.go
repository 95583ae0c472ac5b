// Package panel drives the small SPI display the doorbell renders into.
package panel

import (
	"errors"
	"image"
)

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("panel: closed")

// Panel is a fixed-size display. Implementations serialise calls so a
// frame is never interleaved with another frame or with Close.
type Panel interface {
	Bounds() image.Rectangle
	// Display pushes a whole frame. Images smaller than Bounds are drawn
	// at the origin over black; larger ones are cropped.
	Display(img image.Image) error
	Backlight(on bool) error
	Close() error
}

// Config describes an ST7735 wired to the Pi.
type Config struct {
	Width        int
	Height       int
	SPIPort      string
	SPISpeedKHz  int
	DCPin        int
	ResetPin     int
	BacklightPin int
	BacklightLow bool
	XOffset      int
	YOffset      int
	BGR          bool
}
