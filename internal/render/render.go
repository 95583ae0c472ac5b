// Package render composes the frames shown on the panel: the video with
// its status bar, and the text screens shown while connecting.
package render

import (
	"image"
	"image/color"

	"github.com/cjeanneret/doorbell/internal/hw/panel"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Fit modes for video frames.
const (
	FitLetterbox = "letterbox"
	FitStretch   = "stretch"
)

// BarHeight is the height of the status bar at the bottom of video frames.
const BarHeight = 13

// MaxNameLen is the longest feed name shown before it is cut and
// suffixed with "..".
const MaxNameLen = 12

// Screen texts.
const (
	TextLoading   = "Loading..."
	TextSwitching = "Switching..."
	TextSnap      = "SNAP!"
	TextOff       = "Display OFF"
)

var (
	Black  = color.RGBA{0, 0, 0, 0xff}
	White  = color.RGBA{0xff, 0xff, 0xff, 0xff}
	Green  = color.RGBA{0, 0xff, 0, 0xff}
	Red    = color.RGBA{0xff, 0, 0, 0xff}
	Yellow = color.RGBA{0xff, 0xff, 0, 0xff}
	Gray   = color.RGBA{0x80, 0x80, 0x80, 0xff}
)

var face font.Face = basicfont.Face7x13

// Renderer builds a fresh full-panel buffer on every call and hands it to
// the panel in a single Display.
type Renderer struct {
	panel panel.Panel
	fit   string
	// OnFrame, when set, receives every buffer pushed to the panel. It is
	// called on the rendering goroutine and must not retain or modify the
	// image after returning unless it copies it.
	OnFrame func(*image.RGBA)
}

// New returns a renderer over p. An unknown fit mode falls back to letterbox.
func New(p panel.Panel, fit string) *Renderer {
	if fit != FitStretch {
		fit = FitLetterbox
	}
	return &Renderer{panel: p, fit: fit}
}

// DisplayName shortens a feed name to fit the status bar.
func DisplayName(name string) string {
	r := []rune(name)
	if len(r) > MaxNameLen {
		return string(r[:MaxNameLen]) + ".."
	}
	return name
}

type textLine struct {
	x, y int // top-left corner of the text
	text string
	col  color.RGBA
}

func (r *Renderer) canvas() *image.RGBA {
	img := image.NewRGBA(r.panel.Bounds())
	draw.Draw(img, img.Bounds(), image.NewUniform(Black), image.Point{}, draw.Src)
	return img
}

func (r *Renderer) push(img *image.RGBA) error {
	if r.OnFrame != nil {
		r.OnFrame(img)
	}
	return r.panel.Display(img)
}

func (r *Renderer) textScreen(lines ...textLine) error {
	img := r.canvas()
	for _, l := range lines {
		drawText(img, l.x, l.y, l.text, l.col)
	}
	return r.push(img)
}

// RenderStatus shows text in white with the feed name in green below it.
// An empty name is omitted.
func (r *Renderer) RenderStatus(text, feedName string) error {
	lines := []textLine{{10, 50, text, White}}
	if feedName != "" {
		lines = append(lines, textLine{10, 65, feedName, Green})
	}
	return r.textScreen(lines...)
}

// RenderSwitching shows the yellow "Switching..." screen.
func (r *Renderer) RenderSwitching() error {
	return r.textScreen(textLine{30, 60, TextSwitching, Yellow})
}

// RenderSplash is the screen shown while the service starts.
func (r *Renderer) RenderSplash() error {
	return r.textScreen(
		textLine{10, 30, "RPI Doorbell", Yellow},
		textLine{10, 50, TextLoading, White},
		textLine{10, 90, "Wait for feed...", Gray},
	)
}

// RenderMessage shows a single white line.
func (r *Renderer) RenderMessage(text string) error {
	return r.textScreen(textLine{10, 50, text, White})
}

// Blank fills the panel with black.
func (r *Renderer) Blank() error {
	return r.push(r.canvas())
}

// RenderFrame scales frame into the panel, then draws the status bar with
// the feed name on the left and overlay, if any, in red on the right.
func (r *Renderer) RenderFrame(frame image.Image, feedName, overlay string) error {
	img := r.canvas()
	bounds := img.Bounds()

	dst := bounds
	if r.fit == FitLetterbox {
		dst = letterbox(frame.Bounds(), bounds)
	}
	draw.ApproxBiLinear.Scale(img, dst, frame, frame.Bounds(), draw.Src, nil)

	bar := image.Rect(bounds.Min.X, bounds.Max.Y-BarHeight, bounds.Max.X, bounds.Max.Y)
	draw.Draw(img, bar, image.NewUniform(Black), image.Point{}, draw.Src)

	top := bar.Min.Y
	nameWidth := bounds.Dx() - 4
	if overlay != "" {
		x := bounds.Max.X - font.MeasureString(face, overlay).Ceil() - 2
		drawText(img, x, top, overlay, Red)
		nameWidth = x - bounds.Min.X - 2 - overlayGap
	}
	drawText(img, bounds.Min.X+2, top, fitName(feedName, nameWidth), Green)
	return r.push(img)
}

// overlayGap separates the feed name from the overlay text.
const overlayGap = 4

// fitName is DisplayName, cut further until it is at most width pixels wide.
func fitName(name string, width int) string {
	short := DisplayName(name)
	if font.MeasureString(face, short).Ceil() <= width {
		return short
	}
	r := []rune(name)
	for n := min(len(r), MaxNameLen) - 1; n > 0; n-- {
		s := string(r[:n]) + ".."
		if font.MeasureString(face, s).Ceil() <= width {
			return s
		}
	}
	return ""
}

// letterbox returns the largest rectangle with the aspect ratio of src
// centered in dst.
func letterbox(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 {
		return dst
	}
	var w, h int
	if sw*dh > sh*dw {
		w = dw
		h = sh * dw / sw
	} else {
		h = dh
		w = sw * dh / sh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawText(img *image.RGBA, x, y int, text string, col color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(x, y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}
