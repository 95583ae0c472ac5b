package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cjeanneret/doorbell/internal/clock"
	"github.com/cjeanneret/doorbell/internal/config"
	"github.com/cjeanneret/doorbell/internal/debug"
	"github.com/cjeanneret/doorbell/internal/events"
	"github.com/cjeanneret/doorbell/internal/hw/button"
	"github.com/cjeanneret/doorbell/internal/hw/camera"
	"github.com/cjeanneret/doorbell/internal/hw/gpio"
	"github.com/cjeanneret/doorbell/internal/hw/panel"
	"github.com/cjeanneret/doorbell/internal/lifecycle"
	"github.com/cjeanneret/doorbell/internal/logic/feeds"
	"github.com/cjeanneret/doorbell/internal/logic/session"
	"github.com/cjeanneret/doorbell/internal/metrics"
	"github.com/cjeanneret/doorbell/internal/render"
	"github.com/cjeanneret/doorbell/internal/snapshot"
	"github.com/cjeanneret/doorbell/internal/web"
)

// snapshotGrace bounds how long shutdown waits for uploads in flight.
const snapshotGrace = 5 * time.Second

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	testTelegram := flag.Bool("test-telegram", false, "send a test message with the configured bot and exit")
	flag.Parse()

	ctx, cancel := lifecycle.SignalContext(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if port := webPort.port(); port > 0 {
		cfg.Web.Port = port
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
	}
	debug.SetOutput(logOutput(debug.JournalAvailable(), broadcaster))
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	if *testTelegram {
		if err := sendTestMessage(ctx, cfg); err != nil {
			log.Fatalf("telegram test failed: %v", err)
		}
		debug.Info("Telegram test message sent")
		return
	}

	a, err := setup(cfg, *cfgPath, broadcaster)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := a.run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}

// logOutput picks the debug sink: the journal when running under
// systemd, stdout otherwise, plus the web status stream when enabled.
func logOutput(journal bool, b *web.StatusBroadcaster) io.Writer {
	var base io.Writer = os.Stdout
	if journal {
		base = debug.JournalWriter()
	}
	if b == nil {
		return base
	}
	return io.MultiWriter(base, web.BroadcastWriter(b))
}

// app is the wired appliance.
type app struct {
	cfg         *config.Config
	gpio        gpio.Driver
	panel       panel.Panel
	renderer    *render.Renderer
	poller      *button.Poller
	feeds       *feeds.Registry
	ctrl        *session.Controller
	bus         *events.Bus
	metrics     *metrics.Metrics
	dispatcher  *snapshot.Dispatcher
	broadcaster *web.StatusBroadcaster
	frames      *web.FrameHub
	shutdown    *lifecycle.Manager
	notifier    *lifecycle.Notifier
}

// setup builds every component. Hooks releasing what was acquired are
// registered as soon as the resource exists, so a failure half way still
// leaves the hardware in a safe state.
func setup(cfg *config.Config, cfgPath string, broadcaster *web.StatusBroadcaster) (*app, error) {
	a := &app{
		cfg:         cfg,
		shutdown:    lifecycle.NewManager(),
		notifier:    lifecycle.NewNotifier(),
		bus:         events.New(),
		metrics:     metrics.New(),
		broadcaster: broadcaster,
	}
	fail := func(err error) (*app, error) {
		a.shutdown.Shutdown()
		return nil, err
	}
	a.shutdown.OnShutdown("metrics", detachHook(a.metrics.Attach(a.bus)))
	if broadcaster != nil {
		a.frames = web.NewFrameHub(cfg.Snapshot.JPEGQuality)
		a.shutdown.OnShutdown("status stream", detachHook(broadcaster.Attach(a.bus)))
	}

	// Hooks run in reverse: the upload grace wait comes after the panel
	// is off and the pins are released.
	a.dispatcher = newDispatcher(cfg, a.bus)
	a.shutdown.OnShutdown("snapshots", a.waitSnapshots)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fail(fmt.Errorf("init GPIO failed: %w", err))
	}
	a.gpio = g
	a.shutdown.OnShutdown("gpio", g.Close)

	// Initialize display
	debug.Step(2, "Initializing display")
	p, err := newPanel(cfg, g)
	if err != nil {
		return fail(fmt.Errorf("init display failed: %w", err))
	}
	a.panel = p
	a.shutdown.OnShutdown("panel", p.Close)
	a.renderer = render.New(p, cfg.Display.Fit)
	if a.frames != nil {
		a.renderer.OnFrame = a.frames.Publish
	}
	a.shutdown.OnShutdown("display off", a.displayOff)
	debug.PrintStruct("Display config", cfg.Display)
	if err := a.renderer.RenderSplash(); err != nil {
		debug.Error(err)
	}

	// Initialize buttons
	debug.Step(3, "Initializing buttons")
	a.poller, err = button.NewPoller(g, clock.NewReal(), button.Config{
		NextPin:     cfg.Buttons.NextPin,
		PrevPin:     cfg.Buttons.PrevPin,
		SnapshotPin: cfg.Buttons.SnapshotPin,
		ReloadPin:   cfg.Buttons.ReloadPin,
		Debounce:    cfg.Debounce(),
	})
	if err != nil {
		return fail(fmt.Errorf("init buttons failed: %w", err))
	}
	debug.PrintStruct("Buttons config", cfg.Buttons)

	// Load feeds
	debug.Step(4, "Loading feeds")
	a.feeds = feeds.NewRegistry(cfg.FeedsPath(cfgPath))
	for i, f := range a.feeds.Feeds() {
		debug.Verbose("Feed %d: %s", i, f.Name)
	}

	// Session controller
	debug.Step(5, "Creating session controller")
	opener := camera.NewOpener(cfg.Defaults.MockVideo, camera.Options{
		OpenTimeout:  cfg.OpenTimeout(),
		ReadTimeout:  cfg.ReadTimeout(),
		CaptureWidth: cfg.Video.CaptureWidth,
	})
	deps := session.Deps{
		Feeds:   a.feeds,
		Input:   a.poller,
		Opener:  opener,
		Display: a.renderer,
		Events:  a.bus,
	}
	if a.dispatcher != nil {
		deps.Snapshots = a.dispatcher
	}
	a.ctrl = session.New(sessionConfig(cfg), deps)
	a.ctrl.Heartbeat = a.notifier.Heartbeat
	return a, nil
}

func detachHook(detach func()) func() error {
	return func() error {
		detach()
		return nil
	}
}

// run drives the appliance until ctx is cancelled, then releases
// everything.
func (a *app) run(ctx context.Context) error {
	defer a.shutdown.Shutdown()

	if a.cfg.Defaults.WatchFeeds {
		err := feeds.Watch(ctx, a.feeds.Path(), feeds.DefaultWatchDebounce, func() {
			a.poller.Request(button.Reload)
		})
		if err != nil {
			debug.Warn("Not watching %s: %v", a.feeds.Path(), err)
		}
	}

	webErr := make(chan error, 1)
	if a.cfg.Web.Port > 0 {
		srv, err := web.NewServer(fmt.Sprintf(":%d", a.cfg.Web.Port), web.Options{
			Broadcaster: a.broadcaster,
			Frames:      a.frames,
			Remote:      a.poller,
			Session:     a.ctrl,
			Metrics:     a.metrics.Handler(),
		})
		if err != nil {
			return err
		}
		go func() {
			err := srv.Run(ctx)
			if err != nil {
				debug.Error(fmt.Errorf("web server: %w", err))
			}
			webErr <- err
		}()
	} else {
		webErr <- nil
	}

	a.notifier.Ready()
	err := a.ctrl.Run(ctx)
	a.notifier.Stopping()
	debug.Info("Session stopped: %v", err)

	if werr := <-webErr; werr != nil {
		return fmt.Errorf("web server: %w", werr)
	}
	return nil
}

// displayOff blanks the panel, shows "Display OFF" and switches the
// backlight off.
func (a *app) displayOff() error {
	if err := a.renderer.Blank(); err != nil {
		return err
	}
	if err := a.renderer.RenderMessage(render.TextOff); err != nil {
		return err
	}
	return a.panel.Backlight(false)
}

func (a *app) waitSnapshots() error {
	if a.dispatcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotGrace)
	defer cancel()
	return a.dispatcher.Wait(ctx)
}

func newPanel(cfg *config.Config, g gpio.Driver) (panel.Panel, error) {
	if cfg.Defaults.MockDisplay {
		debug.Info("Using MEMORY display (development mode)")
		return panel.NewMemory(cfg.Display.Width, cfg.Display.Height), nil
	}
	return panel.Open(panelConfig(cfg), g)
}

func panelConfig(cfg *config.Config) panel.Config {
	d := cfg.Display
	return panel.Config{
		Width:        d.Width,
		Height:       d.Height,
		SPIPort:      d.SPIPort,
		SPISpeedKHz:  d.SPISpeedKHz,
		DCPin:        d.DCPin,
		ResetPin:     d.ResetPin,
		BacklightPin: d.BacklightPin,
		BacklightLow: d.BacklightLow,
		XOffset:      d.XOffset,
		YOffset:      d.YOffset,
		BGR:          d.BGR,
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		RetryWait:        cfg.RetryWait(),
		PollInterval:     cfg.PollInterval(),
		SnapFeedback:     cfg.SnapFeedback(),
		ReadFailureLimit: cfg.Session.ReadFailureLimit,
	}
}

// newDispatcher returns nil when snapshots are disabled or no bot
// credentials are configured.
func newDispatcher(cfg *config.Config, pub events.Publisher) *snapshot.Dispatcher {
	if !cfg.Snapshot.Enabled {
		debug.Info("Snapshots disabled by config")
		return nil
	}
	creds := snapshot.LoadCredentials(cfg.Snapshot.EnvFile)
	if !creds.Valid() {
		debug.Warn("Snapshots disabled: %s and %s must be set", snapshot.EnvToken, snapshot.EnvChatID)
		return nil
	}
	up := snapshot.NewTelegramUploader(creds, cfg.UploadTimeout())
	return snapshot.NewDispatcher(up, pub, snapshot.Options{
		TempDir:     cfg.Snapshot.TempDir,
		JPEGQuality: cfg.Snapshot.JPEGQuality,
		Timeout:     cfg.UploadTimeout(),
	})
}

func sendTestMessage(ctx context.Context, cfg *config.Config) error {
	creds := snapshot.LoadCredentials(cfg.Snapshot.EnvFile)
	if !creds.Valid() {
		return snapshot.ErrNoCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout())
	defer cancel()
	up := snapshot.NewTelegramUploader(creds, cfg.UploadTimeout())
	return up.SendMessage(ctx, "Doorbell: test message "+time.Now().Format("2006-01-02 15:04:05"))
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
