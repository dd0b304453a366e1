package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
	"github.com/relabs-tech/fieldnav/internal/vision/replay"
)

// recordingReporter keeps every flushed frame as rendered lines.
type recordingReporter struct {
	mu      sync.Mutex
	pending []string
	frames  [][]string
}

func (r *recordingReporter) AddLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, line)
}

func (r *recordingReporter) AddData(caption string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, fmt.Sprintf("%s : %v", caption, value))
}

func (r *recordingReporter) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, r.pending)
	r.pending = nil
}

func (r *recordingReporter) Frames() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.frames...)
}

// scriptedLocalizer drives DefaultListeners from a per-frame script.
type scriptedLocalizer struct {
	size        int
	loadErr     error
	activateErr error
	activated   int
	script      []func(ts *vision.Trackables)
	frame       int
	trackables  *vision.Trackables
}

func (s *scriptedLocalizer) LoadTrackables(path string) (*vision.Trackables, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	targets := make([]vision.DatasetTarget, s.size)
	for i := range targets {
		targets[i] = vision.DatasetTarget{Kind: "ImageTarget", Name: fmt.Sprintf("target-%d", i)}
	}
	s.trackables = vision.NewTrackables(vision.DatasetName(path), targets, false)
	return s.trackables, nil
}

func (s *scriptedLocalizer) Activate(context.Context) error {
	s.activated++
	return s.activateErr
}

func (s *scriptedLocalizer) NextFrame() {
	if s.frame < len(s.script) && s.script[s.frame] != nil {
		s.script[s.frame](s.trackables)
	}
	s.frame++
}

func listener(t *testing.T, ts *vision.Trackables, index int) *vision.DefaultListener {
	t.Helper()
	tr, err := ts.Get(index)
	require.NoError(t, err)
	l, ok := tr.Listener.(*vision.DefaultListener)
	require.True(t, ok)
	return l
}

type fixture struct {
	tracker   *Tracker
	localizer *scriptedLocalizer
	reporter  *recordingReporter
	params    *vision.Parameters
	reports   []Report
}

func writeKey(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "FIRST", "Vuforia_Key_2019_2020.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFixture(t *testing.T, loc *scriptedLocalizer) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{localizer: loc, reporter: &recordingReporter{}}
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, dir, "line one\nline two"),
		DatasetPath:    filepath.Join(dir, "FIRST", "Skystone.xml"),
		NewLocalizer: func(_ context.Context, p vision.Parameters) (vision.Localizer, error) {
			f.params = &p
			return loc, nil
		},
		Telemetry: f.reporter,
		OnReport:  func(r Report) { f.reports = append(f.reports, r) },
		Logger:    logging.NewTest(t),
	})
	require.NoError(t, err)
	f.tracker = tr
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Telemetry: &recordingReporter{}})
	assert.ErrorContains(t, err, "localizer factory")

	_, err = New(Options{NewLocalizer: func(context.Context, vision.Parameters) (vision.Localizer, error) { return nil, nil }})
	assert.ErrorContains(t, err, "telemetry")
}

func TestSetupMissingLicenseKeyIsFatal(t *testing.T) {
	called := false
	reporter := &recordingReporter{}
	tr, err := New(Options{
		LicenseKeyPath: filepath.Join(t.TempDir(), "FIRST", "Vuforia_Key_2019_2020.txt"),
		NewLocalizer: func(context.Context, vision.Parameters) (vision.Localizer, error) {
			called = true
			return &scriptedLocalizer{size: 13}, nil
		},
		Telemetry: reporter,
		Logger:    logging.NewTest(t),
	})
	require.NoError(t, err)

	err = tr.Setup(context.Background())
	require.ErrorIs(t, err, vision.ErrLicenseKeyMissing)
	assert.Contains(t, err.Error(), "FIRST folder")
	assert.False(t, called)
	assert.Empty(t, reporter.Frames())
	assert.Equal(t, Uninitialized, tr.Phase())

	_, err = tr.Tick()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSetupBlankLicenseKeyIsFatal(t *testing.T) {
	reporter := &recordingReporter{}
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, t.TempDir(), "\n"),
		NewLocalizer: func(context.Context, vision.Parameters) (vision.Localizer, error) {
			return &scriptedLocalizer{size: 13}, nil
		},
		Telemetry: reporter,
		Logger:    logging.NewTest(t),
	})
	require.NoError(t, err)

	err = tr.Setup(context.Background())
	require.ErrorIs(t, err, vision.ErrLicenseKeyMissing)
	assert.Equal(t, Uninitialized, tr.Phase())
}

func TestSetup(t *testing.T) {
	f := newFixture(t, &scriptedLocalizer{size: 13})
	require.NoError(t, f.tracker.Setup(context.Background()))
	assert.Equal(t, Ready, f.tracker.Phase())

	require.NotNil(t, f.params)
	assert.Equal(t, vision.Parameters{
		LicenseKey:             "line one\nline two\n",
		CameraDirection:        vision.Back,
		UseExtendedTracking:    false,
		MaxSimultaneousTargets: 4,
	}, *f.params)

	assert.Equal(t, [][]string{{Notice}, {"Ready!"}}, f.reporter.Frames())

	var names []string
	for _, tr := range f.tracker.Trackables() {
		names = append(names, tr.Name)
	}
	assert.Equal(t, []string{
		"Stone Target", "Blue Rear Bridge", "Red Rear Bridge", "Red Front Bridge",
		"Blue Front Bridge", "Red Perimeter 1", "Red Perimeter 2", "Front Perimeter 1",
		"Front Perimeter 2", "Blue Perimeter 1", "Blue Perimeter 2", "Rear Perimeter 1",
		"Rear Perimeter 2",
	}, names)

	rear1, err := f.localizer.trackables.Get(12)
	require.NoError(t, err)
	assert.Equal(t, "Rear Perimeter 1", rear1.Name)

	assert.True(t, f.tracker.State().LastKnown.Equal(transform.Origin()))

	err = f.tracker.Setup(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSetupErrors(t *testing.T) {
	small := newFixture(t, &scriptedLocalizer{size: 12})
	err := small.tracker.Setup(context.Background())
	assert.ErrorContains(t, err, "register targets")
	assert.Equal(t, Uninitialized, small.tracker.Phase())

	broken := newFixture(t, &scriptedLocalizer{loadErr: os.ErrNotExist})
	err = broken.tracker.Setup(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, dir, "k"),
		NewLocalizer: func(context.Context, vision.Parameters) (vision.Localizer, error) {
			return nil, errors.New("camera busy")
		},
		Telemetry: &recordingReporter{},
	})
	require.NoError(t, err)
	assert.ErrorContains(t, tr.Setup(context.Background()), "camera busy")
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, &scriptedLocalizer{size: 13})

	assert.ErrorIs(t, f.tracker.Start(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, f.tracker.Stop(), ErrInvalidState)

	require.NoError(t, f.tracker.Setup(context.Background()))
	_, err := f.tracker.Tick()
	assert.ErrorIs(t, err, ErrInvalidState, "tick before start")

	require.NoError(t, f.tracker.Start(context.Background()))
	assert.Equal(t, Running, f.tracker.Phase())
	assert.Equal(t, 1, f.localizer.activated)
	assert.ErrorIs(t, f.tracker.Start(context.Background()), ErrInvalidState)
	assert.Equal(t, 1, f.localizer.activated, "localizer is activated once")

	_, err = f.tracker.Tick()
	require.NoError(t, err)

	require.NoError(t, f.tracker.Stop())
	require.NoError(t, f.tracker.Stop())
	assert.Equal(t, Stopped, f.tracker.Phase())
	_, err = f.tracker.Tick()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartActivateError(t *testing.T) {
	f := newFixture(t, &scriptedLocalizer{size: 13, activateErr: errors.New("no camera")})
	require.NoError(t, f.tracker.Setup(context.Background()))
	assert.ErrorContains(t, f.tracker.Start(context.Background()), "no camera")
	assert.Equal(t, Ready, f.tracker.Phase())
}

func TestScriptedScenario(t *testing.T) {
	p1 := transform.New(600, 900, 0, 0, 0, 90)
	p2 := transform.New(-300, 1200, 0, 0, 0, -45)

	loc := &scriptedLocalizer{size: 13}
	loc.script = []func(ts *vision.Trackables){
		// cycle 1: nothing in view
		nil,
		// cycle 2: Blue Perimeter 1 resolves p1
		func(ts *vision.Trackables) { listener(t, ts, 9).OnRobotLocation(p1) },
		// cycle 3: still in view, nothing new
		func(ts *vision.Trackables) { listener(t, ts, 9).OnVisibleUnresolved() },
		// cycle 4: Stone Target resolves p2 and comes first in scan order
		func(ts *vision.Trackables) {
			listener(t, ts, 0).OnRobotLocation(p2)
			listener(t, ts, 9).OnRobotLocation(p1)
		},
		// cycle 5: everything lost
		func(ts *vision.Trackables) {
			listener(t, ts, 0).OnLost()
			listener(t, ts, 9).OnLost()
		},
	}

	f := newFixture(t, loc)
	require.NoError(t, f.tracker.Setup(context.Background()))
	require.NoError(t, f.tracker.Start(context.Background()))

	var states []State
	for range loc.script {
		s, err := f.tracker.Tick()
		require.NoError(t, err)
		states = append(states, s)
	}

	assert.True(t, states[0].LastKnown.Equal(transform.Origin()))
	assert.Empty(t, states[0].Tracked)

	assert.Equal(t, "Blue Perimeter 1", states[1].Tracked)
	assert.True(t, states[1].Updated)
	assert.True(t, states[1].LastKnown.ApproxEqual(p1, 1e-9))
	assert.InDelta(t, 600, states[1].RobotX, 1e-9)
	assert.InDelta(t, 900, states[1].RobotY, 1e-9)
	assert.InDelta(t, 90, states[1].RobotAngle, 1e-9)

	assert.Equal(t, "Blue Perimeter 1", states[2].Tracked)
	assert.False(t, states[2].Updated)
	assert.True(t, states[2].LastKnown.ApproxEqual(p1, 1e-9))

	assert.Equal(t, "Stone Target", states[3].Tracked)
	assert.True(t, states[3].LastKnown.ApproxEqual(p2, 1e-9))
	assert.InDelta(t, -45, states[3].RobotAngle, 1e-9)

	assert.Empty(t, states[4].Tracked)
	assert.True(t, states[4].LastKnown.ApproxEqual(p2, 1e-9))
	assert.InDelta(t, -45, states[4].RobotAngle, 1e-9)

	frames := f.reporter.Frames()
	require.Len(t, frames, 2+5)
	cycles := frames[2:]
	assert.Empty(t, cycles[0])
	assert.Equal(t, []string{
		"Tracking Blue Perimeter 1 : true",
		"Last Known Location : {EXTRINSIC XYZ 0 0 90} {600.00 900.00 0.00}",
	}, cycles[1])
	assert.Equal(t, cycles[1], cycles[2])
	assert.Equal(t, []string{
		"Tracking Stone Target : true",
		"Last Known Location : {EXTRINSIC XYZ 0 0 -45} {-300.00 1200.00 0.00}",
	}, cycles[3])
	assert.Empty(t, cycles[4])

	require.Len(t, f.reports, 5)
	for i, r := range f.reports {
		assert.Equal(t, uint64(i+1), r.Cycle)
		assert.Equal(t, f.tracker.RunID(), r.RunID)
	}
	_, err := uuid.Parse(f.reports[0].RunID)
	assert.NoError(t, err)
	assert.Equal(t, "Stone Target", f.reports[3].Target)
	assert.InDelta(t, -300, f.reports[3].X, 1e-9)
	assert.Equal(t, "{EXTRINSIC XYZ 0 0 -45} {-300.00 1200.00 0.00}", f.reports[3].Formatted)
}

const skystoneTargets = 13

func writeSkystone(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("<QCARConfig><Tracking>\n")
	for i := 0; i < skystoneTargets; i++ {
		fmt.Fprintf(&b, "  <ImageTarget name=\"target-%d\" size=\"254 254\"/>\n", i)
	}
	b.WriteString("</Tracking></QCARConfig>\n")
	path := filepath.Join(dir, "FIRST", "Skystone.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestReplayScenario(t *testing.T) {
	robot := transform.Params{X: 450, Y: 600, W: 30}
	camera := transform.Params{Z: 800}
	scenario := replay.Scenario{Frames: []replay.Frame{
		{},
		{Detections: []replay.Detection{{Index: 9, Robot: &robot}}},
		{Detections: []replay.Detection{{Index: 9}}},
		{Detections: []replay.Detection{{Index: 9, Camera: &camera}}},
		{},
	}}

	dir := t.TempDir()
	reporter := &recordingReporter{}
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, dir, "key"),
		DatasetPath:    writeSkystone(t, dir),
		NewLocalizer:   replay.Factory(scenario),
		Telemetry:      reporter,
		Logger:         logging.NewTest(t),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Setup(context.Background()))
	require.NoError(t, tr.Start(context.Background()))

	var states []State
	for range scenario.Frames {
		s, err := tr.Tick()
		require.NoError(t, err)
		states = append(states, s)
	}

	assert.True(t, states[0].LastKnown.Equal(transform.Origin()))

	assert.Equal(t, "Blue Perimeter 1", states[1].Tracked)
	assert.True(t, states[1].LastKnown.ApproxEqual(transform.FromParams(robot), 1e-9))

	assert.False(t, states[2].Updated)
	assert.True(t, states[2].LastKnown.ApproxEqual(transform.FromParams(robot), 1e-9))

	// Blue Perimeter 1 seen 800mm in front of the back camera.
	blue := FieldTargets()[9].Location
	want := blue.
		Multiplied(transform.FromParams(camera).Inverted()).
		Multiplied(PhoneLocation().Location.Inverted())
	assert.True(t, states[3].Updated)
	assert.True(t, states[3].LastKnown.ApproxEqual(want, 1e-6))

	assert.Empty(t, states[4].Tracked)
	assert.True(t, states[4].LastKnown.ApproxEqual(want, 1e-6))
}

func TestReplayExhaustionLoggedOnce(t *testing.T) {
	var _ finite = (*replay.Localizer)(nil)

	robot := transform.Params{X: 450, Y: 600, W: 30}
	scenario := replay.Scenario{Frames: []replay.Frame{
		{Detections: []replay.Detection{{Index: 9, Robot: &robot}}},
		{},
	}}

	core, logs := observer.New(zapcore.InfoLevel)
	dir := t.TempDir()
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, dir, "key"),
		DatasetPath:    writeSkystone(t, dir),
		NewLocalizer:   replay.Factory(scenario),
		Telemetry:      &recordingReporter{},
		Logger:         zap.New(core).Sugar(),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Setup(context.Background()))
	require.NoError(t, tr.Start(context.Background()))

	exhausted := func() []observer.LoggedEntry {
		return logs.FilterMessageSnippet("no frames left").All()
	}

	_, err = tr.Tick()
	require.NoError(t, err)
	assert.Empty(t, exhausted())

	for i := 0; i < 3; i++ {
		s, err := tr.Tick()
		require.NoError(t, err)
		assert.True(t, s.LastKnown.ApproxEqual(transform.FromParams(robot), 1e-9))
	}
	entries := exhausted()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "after cycle 2")
}

func TestRunUntilCancelled(t *testing.T) {
	mock := clock.NewMock()
	reporter := &recordingReporter{}
	var cycles atomic.Int32

	dir := t.TempDir()
	tr, err := New(Options{
		LicenseKeyPath: writeKey(t, dir, "key"),
		DatasetPath:    filepath.Join(dir, "FIRST", "Skystone.xml"),
		NewLocalizer: func(context.Context, vision.Parameters) (vision.Localizer, error) {
			return &scriptedLocalizer{size: 13}, nil
		},
		Telemetry:    reporter,
		Clock:        mock,
		IdleInterval: 50 * time.Millisecond,
		OnReport:     func(Report) { cycles.Add(1) },
		Logger:       logging.NewTest(t),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Setup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(50 * time.Millisecond)
		return cycles.Load() >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Stopped, tr.Phase())
	assert.GreaterOrEqual(t, tr.State().Cycle, uint64(3))
}

func TestRunActiveFlag(t *testing.T) {
	f := newFixture(t, &scriptedLocalizer{size: 13})
	require.NoError(t, f.tracker.Setup(context.Background()))
	f.tracker.opts.Active = func() bool { return false }

	require.NoError(t, f.tracker.Run(context.Background()))
	assert.Equal(t, Stopped, f.tracker.Phase())
	assert.Equal(t, 1, f.localizer.activated)
	assert.Zero(t, f.tracker.State().Cycle)

	assert.ErrorIs(t, f.tracker.Run(context.Background()), ErrInvalidState)
}
