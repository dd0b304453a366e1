// Package tracker runs the pose tracking loop: it polls the field targets
// once per cycle, keeps the robot's last known field location and reports it
// over telemetry.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
)

// ErrInvalidState is returned by lifecycle calls made in the wrong phase.
var ErrInvalidState = errors.New("tracker: invalid state")

// Notice is announced once the license key has been read.
const Notice = "NOTICE: If no camera view is visible on the robot controller, the license key is missing!"

const (
	DefaultIdleInterval    = 20 * time.Millisecond
	MaxSimultaneousTargets = 4
)

// Phase is the tracker lifecycle phase.
type Phase int

const (
	Uninitialized Phase = iota
	Ready
	Running
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Reporter is the telemetry channel. *telemetry.Telemetry implements it.
type Reporter interface {
	AddLine(line string)
	AddData(caption string, value any)
	Update()
}

// Report is the per-cycle summary handed to Options.OnReport.
type Report struct {
	RunID     string           `json:"run_id"`
	Cycle     uint64           `json:"cycle"`
	Time      time.Time        `json:"time"`
	Target    string           `json:"target,omitempty"`
	Visible   bool             `json:"visible"`
	Updated   bool             `json:"updated"`
	X         float64          `json:"x"`
	Y         float64          `json:"y"`
	Heading   float64          `json:"heading"`
	Location  transform.Matrix `json:"location"`
	Formatted string           `json:"formatted"`
}

// Options configure a Tracker. NewLocalizer and Telemetry are required.
type Options struct {
	LicenseKeyPath string
	DatasetPath    string

	NewLocalizer vision.LocalizerFactory
	Telemetry    Reporter

	// Clock paces Run. Defaults to the wall clock.
	Clock clock.Clock
	// IdleInterval is the pause between cycles in Run.
	IdleInterval time.Duration
	// Active, if set, is polled before every cycle; Run returns once it is false.
	Active func() bool
	// OnReport, if set, is called after every cycle from the loop goroutine.
	OnReport func(Report)

	Logger *zap.SugaredLogger
}

// Tracker owns the localizer and the tracking state.
type Tracker struct {
	opts  Options
	clock clock.Clock
	log   *zap.SugaredLogger
	runID uuid.UUID

	localizer  vision.Localizer
	trackables *vision.Trackables
	scan       []*vision.Trackable

	mu        sync.RWMutex
	phase     Phase
	state     State
	exhausted bool
}

// finite is implemented by vision sources that run out of frames.
type finite interface {
	Done() bool
}

// New returns an uninitialized tracker.
func New(opts Options) (*Tracker, error) {
	if opts.NewLocalizer == nil {
		return nil, errors.New("tracker: no localizer factory")
	}
	if opts.Telemetry == nil {
		return nil, errors.New("tracker: no telemetry")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Tracker{
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
		runID: uuid.New(),
		state: InitialState(),
	}, nil
}

// Setup reads the license key, creates the localizer, loads the dataset and
// registers the field targets. A missing license key is fatal and wraps
// vision.ErrLicenseKeyMissing.
func (t *Tracker) Setup(ctx context.Context) error {
	if p := t.Phase(); p != Uninitialized {
		return fmt.Errorf("%w: setup in phase %s", ErrInvalidState, p)
	}

	key, err := vision.LoadLicenseKey(t.opts.LicenseKeyPath)
	if err != nil {
		t.log.Errorf("tracker: %v", err)
		return fmt.Errorf("tracker: setup: %w", err)
	}

	t.opts.Telemetry.AddLine(Notice)
	t.opts.Telemetry.Update()

	phone := PhoneLocation()
	params := vision.Parameters{
		LicenseKey:             key,
		CameraDirection:        phone.Direction,
		UseExtendedTracking:    false,
		MaxSimultaneousTargets: MaxSimultaneousTargets,
	}
	localizer, err := t.opts.NewLocalizer(ctx, params)
	if err != nil {
		return fmt.Errorf("tracker: create localizer: %w", err)
	}

	trackables, err := localizer.LoadTrackables(t.opts.DatasetPath)
	if err != nil {
		return fmt.Errorf("tracker: load trackables: %w", err)
	}
	scan, err := register(trackables, FieldTargets(), phone)
	if err != nil {
		return fmt.Errorf("tracker: register targets: %w", err)
	}
	t.log.Infof("tracker: registered %d targets from dataset %q", len(scan), trackables.Name)

	t.mu.Lock()
	t.localizer = localizer
	t.trackables = trackables
	t.scan = scan
	t.state = InitialState()
	t.phase = Ready
	t.mu.Unlock()

	t.opts.Telemetry.AddLine("Ready!")
	t.opts.Telemetry.Update()
	return nil
}

// Start activates the localizer.
func (t *Tracker) Start(ctx context.Context) error {
	if p := t.Phase(); p != Ready {
		return fmt.Errorf("%w: start in phase %s", ErrInvalidState, p)
	}
	if err := t.localizer.Activate(ctx); err != nil {
		return fmt.Errorf("tracker: activate: %w", err)
	}
	t.setPhase(Running)
	t.log.Infof("tracker: running (run id %s)", t.runID)
	return nil
}

// Tick runs one cycle and returns the new state.
func (t *Tracker) Tick() (State, error) {
	if p := t.Phase(); p != Running {
		return State{}, fmt.Errorf("%w: tick in phase %s", ErrInvalidState, p)
	}
	if f, ok := t.localizer.(vision.Framer); ok {
		f.NextFrame()
	}
	t.checkExhausted()

	t.mu.RLock()
	prev := t.state
	t.mu.RUnlock()

	next := Step(prev, t.scan)

	t.mu.Lock()
	t.state = next
	t.mu.Unlock()

	t.report(next)
	return next, nil
}

// checkExhausted logs once when a finite vision source has nothing left.
func (t *Tracker) checkExhausted() {
	f, ok := t.localizer.(finite)
	if !ok || !f.Done() {
		return
	}
	t.mu.Lock()
	first := !t.exhausted
	t.exhausted = true
	cycle := t.state.Cycle
	t.mu.Unlock()
	if first {
		t.log.Infof("tracker: vision source has no frames left after cycle %d, holding last known location", cycle+1)
	}
}

func (t *Tracker) report(s State) {
	if s.Tracked != "" {
		t.opts.Telemetry.AddData("Tracking "+s.Tracked, s.Visible)
		t.opts.Telemetry.AddData("Last Known Location", s.LastKnown.FormatAsTransform())
	}
	t.opts.Telemetry.Update()

	if s.Updated {
		t.log.Debugf("tracker: %s at %s", s.Tracked, s.LastKnown.FormatAsTransform())
	}
	if t.opts.OnReport != nil {
		t.opts.OnReport(Report{
			RunID:     t.runID.String(),
			Cycle:     s.Cycle,
			Time:      t.clock.Now(),
			Target:    s.Tracked,
			Visible:   s.Visible,
			Updated:   s.Updated,
			X:         s.RobotX,
			Y:         s.RobotY,
			Heading:   s.RobotAngle,
			Location:  s.LastKnown,
			Formatted: s.LastKnown.FormatAsTransform(),
		})
	}
}

// Run starts the tracker if needed and cycles until ctx is done or
// Options.Active reports false or Stop is called, pausing one idle interval
// between cycles.
// Cancellation is only observed between cycles. The tracker is stopped on
// return; the localizer is left as is.
func (t *Tracker) Run(ctx context.Context) error {
	if t.Phase() == Ready {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}
	if p := t.Phase(); p != Running {
		return fmt.Errorf("%w: run in phase %s", ErrInvalidState, p)
	}
	defer t.setPhase(Stopped)

	ticker := t.clock.Ticker(t.opts.IdleInterval)
	defer ticker.Stop()

	for t.active(ctx) {
		if _, err := t.Tick(); err != nil {
			if t.Phase() == Stopped {
				break
			}
			return err
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	t.log.Infof("tracker: stopped after %d cycles", t.State().Cycle)
	return nil
}

func (t *Tracker) active(ctx context.Context) bool {
	if ctx.Err() != nil || t.Phase() != Running {
		return false
	}
	return t.opts.Active == nil || t.opts.Active()
}

// Stop moves a ready or running tracker to stopped.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case Ready, Running:
		t.phase = Stopped
		return nil
	case Stopped:
		return nil
	default:
		return fmt.Errorf("%w: stop in phase %s", ErrInvalidState, t.phase)
	}
}

// Phase returns the lifecycle phase.
func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

func (t *Tracker) setPhase(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// State returns the state after the latest cycle.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Trackables returns the registered targets in scan order.
func (t *Tracker) Trackables() []*vision.Trackable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*vision.Trackable, len(t.scan))
	copy(out, t.scan)
	return out
}

// RunID identifies this tracker instance in reports.
func (t *Tracker) RunID() string {
	return t.runID.String()
}
