package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// GstOpener decodes feeds with a GStreamer pipeline:
//
//	uridecodebin → videoconvert → videoscale → capsfilter(RGBA) → appsink
//
// uridecodebin picks the source and decoder from the URL scheme, so RTSP,
// HTTP and file URLs are all accepted.
type GstOpener struct {
	opts Options
}

// NewGstOpener returns an opener with defaults filled in.
func NewGstOpener(opts Options) *GstOpener {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Second
	}
	if opts.CaptureWidth <= 0 {
		opts.CaptureWidth = 320
	}
	return &GstOpener{opts: opts}
}

func pipelineDescription(url string, width int) string {
	return fmt.Sprintf(
		"uridecodebin uri=\"%s\" ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,pixel-aspect-ratio=1/1 ! "+
			"appsink name=sink sync=false max-buffers=1 drop=true",
		url, width,
	)
}

// Open builds the pipeline and waits until it is PLAYING, the bus reports
// an error, OpenTimeout expires or ctx is done.
func (o *GstOpener) Open(ctx context.Context, url string) (Stream, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	gstInit.Do(func() { gst.Init(nil) })

	desc := pipelineDescription(url, o.opts.CaptureWidth)
	debug.Trace("gst pipeline: %s", desc)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("find appsink: %w", err)
	}

	s := &gstStream{
		pipeline: pipeline,
		sink:     app.SinkFromElement(elem),
		width:    o.opts.CaptureWidth,
		timeout:  o.opts.ReadTimeout,
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		s.Close()
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	if err := s.waitPlaying(ctx, o.opts.OpenTimeout); err != nil {
		s.Close()
		return nil, err
	}
	debug.Verbose("gst pipeline playing for %s", url)
	return s, nil
}

type gstStream struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    int
	timeout  time.Duration

	mu     sync.Mutex
	closed bool
}

func (s *gstStream) waitPlaying(ctx context.Context, timeout time.Duration) error {
	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)
	name := s.pipeline.GetName()

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			debug.Verbose("gst open error: %s (%s)", gerr.Error(), gerr.DebugString())
			return fmt.Errorf("pipeline error: %s", gerr.Error())
		case gst.MessageEOS:
			return fmt.Errorf("stream ended while connecting")
		case gst.MessageStateChanged:
			if msg.Source() != name {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("timed out after %v waiting for the stream", timeout)
}

// Read pulls one sample. A timeout, end of stream or bus error yields
// ErrNoFrame.
func (s *gstStream) Read() (*image.RGBA, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sample := s.sink.TryPullSample(s.timeout)
	if sample == nil {
		if s.sink.IsEOS() {
			return nil, fmt.Errorf("%w: end of stream", ErrNoFrame)
		}
		if err := s.busError(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		return nil, fmt.Errorf("%w: timed out after %v", ErrNoFrame, s.timeout)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("%w: sample without buffer", ErrNoFrame)
	}
	mapInfo := buffer.Map(gst.MapRead)
	img, err := frameFromRGBA(mapInfo.Bytes(), s.width)
	buffer.Unmap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return img, nil
}

func (s *gstStream) busError() error {
	msg := s.pipeline.GetPipelineBus().TimedPop(0)
	for msg != nil {
		if msg.Type() == gst.MessageError {
			return msg.ParseError()
		}
		msg = s.pipeline.GetPipelineBus().TimedPop(0)
	}
	return nil
}

func (s *gstStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	return nil
}
