// Package snapshot persists a frame and uploads it in the background,
// without ever blocking the control loop.
package snapshot

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/google/uuid"
)

// TempPattern names the temporary JPEG of a job.
const TempPattern = "doorbell-*.jpg"

// Uploader delivers a persisted snapshot.
type Uploader interface {
	Upload(ctx context.Context, path, caption string) error
}

// Job is one snapshot: an owned copy of the frame plus its context.
type Job struct {
	ID       uuid.UUID
	Frame    *image.RGBA
	FeedName string
	TakenAt  time.Time
}

// Caption is the text sent along with the picture.
func (j Job) Caption() string {
	return fmt.Sprintf("Doorbell: %s\n%s", j.FeedName, j.TakenAt.Format("2006-01-02 15:04:05"))
}

// Options tune the dispatcher.
type Options struct {
	TempDir     string        // "" = os.TempDir()
	JPEGQuality int           // 1-100, default 85
	Timeout     time.Duration // per-job bound, default 30s
}

// Dispatcher runs one goroutine per job. Failures are logged and
// published, never returned to the caller.
type Dispatcher struct {
	uploader Uploader
	opts     Options
	pub      events.Publisher
	now      func() time.Time

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher that hands jobs to up and reports
// their outcome on pub (nil discards).
func NewDispatcher(up Uploader, pub events.Publisher, opts Options) *Dispatcher {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 85
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Dispatcher{uploader: up, opts: opts, pub: pub, now: time.Now}
}

// Dispatch copies frame and starts the job. It returns immediately with
// the job ID.
func (d *Dispatcher) Dispatch(frame image.Image, feedName string) uuid.UUID {
	job := Job{
		ID:       uuid.New(),
		Frame:    copyFrame(frame),
		FeedName: feedName,
		TakenAt:  d.now(),
	}
	debug.Live("Snapshot %s dispatched for %q", job.ID, feedName)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(job)
	}()
	return job.ID
}

// Wait blocks until every dispatched job finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(job Job) {
	start := time.Now()
	err := d.process(job)

	ev := events.SnapshotFinished{
		ID:       job.ID.String(),
		Feed:     job.FeedName,
		Duration: time.Since(start),
		At:       d.now(),
	}
	if err != nil {
		ev.Error = err.Error()
		debug.Error(fmt.Errorf("snapshot %s: %w", job.ID, err))
	} else {
		debug.Live("Snapshot %s sent in %v", job.ID, ev.Duration.Round(time.Millisecond))
	}
	d.pub.Publish(ev)
}

func (d *Dispatcher) process(job Job) error {
	f, err := os.CreateTemp(d.opts.TempDir, TempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := jpeg.Encode(f, job.Frame, &jpeg.Options{Quality: d.opts.JPEGQuality}); err != nil {
		f.Close()
		return fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	if err := d.uploader.Upload(ctx, path, job.Caption()); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

func copyFrame(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
