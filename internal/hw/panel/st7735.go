package panel

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/hw/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// ST7735 command set (subset).
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdDISPOFF = 0x28
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A
	cmdFRMCTR1 = 0xB1
	cmdFRMCTR2 = 0xB2
	cmdFRMCTR3 = 0xB3
	cmdINVCTR  = 0xB4
	cmdPWCTR1  = 0xC0
	cmdPWCTR2  = 0xC1
	cmdPWCTR3  = 0xC2
	cmdPWCTR4  = 0xC3
	cmdPWCTR5  = 0xC4
	cmdVMCTR1  = 0xC5
	cmdGMCTRP1 = 0xE0
	cmdGMCTRN1 = 0xE1

	madctlBGR = 0x08
)

// maxTx is the largest single SPI write accepted by the spidev driver.
const maxTx = 4096

type initStep struct {
	cmd   byte
	data  []byte
	delay time.Duration
}

// Power-up sequence of the Waveshare 1.44" HAT (ST7735S, 16-bit colour).
var initSequence = []initStep{
	{cmd: cmdSWRESET, delay: 150 * time.Millisecond},
	{cmd: cmdSLPOUT, delay: 120 * time.Millisecond},
	{cmd: cmdFRMCTR1, data: []byte{0x01, 0x2C, 0x2D}},
	{cmd: cmdFRMCTR2, data: []byte{0x01, 0x2C, 0x2D}},
	{cmd: cmdFRMCTR3, data: []byte{0x01, 0x2C, 0x2D, 0x01, 0x2C, 0x2D}},
	{cmd: cmdINVCTR, data: []byte{0x07}},
	{cmd: cmdPWCTR1, data: []byte{0xA2, 0x02, 0x84}},
	{cmd: cmdPWCTR2, data: []byte{0xC5}},
	{cmd: cmdPWCTR3, data: []byte{0x0A, 0x00}},
	{cmd: cmdPWCTR4, data: []byte{0x8A, 0x2A}},
	{cmd: cmdPWCTR5, data: []byte{0x8A, 0xEE}},
	{cmd: cmdVMCTR1, data: []byte{0x0E}},
	{cmd: cmdGMCTRP1, data: []byte{0x0F, 0x1A, 0x0F, 0x18, 0x2F, 0x28, 0x20, 0x22, 0x1F, 0x1B, 0x23, 0x37, 0x00, 0x07, 0x02, 0x10}},
	{cmd: cmdGMCTRN1, data: []byte{0x0F, 0x1B, 0x0F, 0x17, 0x33, 0x2C, 0x29, 0x2E, 0x30, 0x30, 0x39, 0x3F, 0x00, 0x07, 0x03, 0x10}},
	{cmd: cmdCOLMOD, data: []byte{0x05}},
}

// ST7735 is the SPI panel. Control lines (DC, RST, BL) go through the
// GPIO driver; pixel data goes through a periph.io SPI connection.
type ST7735 struct {
	mu     sync.Mutex
	conn   spi.Conn
	port   io.Closer
	gpio   gpio.Driver
	cfg    Config
	buf    []byte
	sleep  func(time.Duration)
	closed bool
}

// Open initialises periph.io, opens the SPI port and runs the panel
// power-up sequence.
func Open(cfg Config, g gpio.Driver) (*ST7735, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open SPI port %q: %w", cfg.SPIPort, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SPISpeedKHz)*physic.KiloHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect SPI: %w", err)
	}
	debug.Info("SPI panel on %s at %d kHz", cfg.SPIPort, cfg.SPISpeedKHz)

	p := newST7735(conn, port, g, cfg, time.Sleep)
	if err := p.init(); err != nil {
		port.Close()
		return nil, err
	}
	return p, nil
}

func newST7735(conn spi.Conn, port io.Closer, g gpio.Driver, cfg Config, sleep func(time.Duration)) *ST7735 {
	return &ST7735{
		conn:  conn,
		port:  port,
		gpio:  g,
		cfg:   cfg,
		buf:   make([]byte, cfg.Width*cfg.Height*2),
		sleep: sleep,
	}
}

func (p *ST7735) init() error {
	debug.Section("ST7735 init")
	for _, pin := range []int{p.cfg.DCPin, p.cfg.ResetPin, p.cfg.BacklightPin} {
		if err := p.gpio.SetupPin(pin, gpio.Output); err != nil {
			return fmt.Errorf("setup panel pin %d: %w", pin, err)
		}
	}

	for _, level := range []gpio.Level{gpio.High, gpio.Low, gpio.High} {
		if err := p.gpio.WritePin(p.cfg.ResetPin, level); err != nil {
			return fmt.Errorf("panel reset: %w", err)
		}
		p.sleep(100 * time.Millisecond)
	}

	for _, step := range initSequence {
		if err := p.command(step.cmd, step.data...); err != nil {
			return err
		}
		if step.delay > 0 {
			p.sleep(step.delay)
		}
	}

	var madctl byte
	if p.cfg.BGR {
		madctl |= madctlBGR
	}
	if err := p.command(cmdMADCTL, madctl); err != nil {
		return err
	}
	if err := p.command(cmdDISPON); err != nil {
		return err
	}
	p.sleep(20 * time.Millisecond)
	return p.backlight(true)
}

func (p *ST7735) command(cmd byte, data ...byte) error {
	if err := p.gpio.WritePin(p.cfg.DCPin, gpio.Low); err != nil {
		return err
	}
	if err := p.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("panel command 0x%02X: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	return p.data(data)
}

func (p *ST7735) data(b []byte) error {
	if err := p.gpio.WritePin(p.cfg.DCPin, gpio.High); err != nil {
		return err
	}
	for len(b) > 0 {
		n := min(len(b), maxTx)
		if err := p.conn.Tx(b[:n], nil); err != nil {
			return fmt.Errorf("panel data: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (p *ST7735) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.cfg.Width, p.cfg.Height)
}

// Display converts img to RGB565 and writes the full panel window.
func (p *ST7735) Display(img image.Image) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	fillRGB565(p.buf, img, p.cfg.Width, p.cfg.Height)

	x0 := uint16(p.cfg.XOffset)
	x1 := x0 + uint16(p.cfg.Width) - 1
	y0 := uint16(p.cfg.YOffset)
	y1 := y0 + uint16(p.cfg.Height) - 1
	if err := p.command(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	if err := p.command(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return err
	}
	if err := p.command(cmdRAMWR); err != nil {
		return err
	}
	return p.data(p.buf)
}

func (p *ST7735) Backlight(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.backlight(on)
}

func (p *ST7735) backlight(on bool) error {
	level := gpio.Level(on)
	if p.cfg.BacklightLow {
		level = !level
	}
	return p.gpio.WritePin(p.cfg.BacklightPin, level)
}

// Close turns the panel off and releases the SPI port. The GPIO driver
// is owned by the caller and left open.
func (p *ST7735) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.command(cmdDISPOFF); err != nil {
		debug.Error(err)
	}
	if err := p.backlight(false); err != nil {
		debug.Error(err)
	}
	return p.port.Close()
}

// fillRGB565 writes img into buf as big-endian RGB565, one pixel per two
// bytes, w×h pixels. Pixels outside img are black.
func fillRGB565(buf []byte, img image.Image, w, h int) {
	b := img.Bounds()
	rgba, isRGBA := img.(*image.RGBA)
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl uint8
			px, py := b.Min.X+x, b.Min.Y+y
			if px < b.Max.X && py < b.Max.Y {
				if isRGBA {
					c := rgba.RGBAAt(px, py)
					r, g, bl = c.R, c.G, c.B
				} else {
					c := color.RGBAModel.Convert(img.At(px, py)).(color.RGBA)
					r, g, bl = c.R, c.G, c.B
				}
			}
			v := uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(bl)>>3
			buf[i] = byte(v >> 8)
			buf[i+1] = byte(v)
			i += 2
		}
	}
}
