// Package replay is a vision localizer that plays back a scripted scenario,
// one frame per tracking cycle.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
)

// Detection is one target seen in a frame. With Robot set the robot location
// is given directly; with Camera set it is resolved from the target's pose in
// the camera frame; with neither the target is visible but unresolved.
type Detection struct {
	Index  int               `json:"index"`
	Robot  *transform.Params `json:"robot,omitempty"`
	Camera *transform.Params `json:"camera,omitempty"`
}

// Frame lists the targets in view for one cycle. Targets not listed are lost.
type Frame struct {
	Detections []Detection `json:"detections"`
}

// Scenario is a scripted sequence of frames.
type Scenario struct {
	// Loop restarts from the first frame after the last one; otherwise every
	// target stays lost once the frames run out.
	Loop   bool    `json:"loop"`
	Frames []Frame `json:"frames"`
}

// Load reads a JSON scenario file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("replay: read scenario: %w", err)
	}
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("replay: parse scenario %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Scenario{}, fmt.Errorf("replay: scenario %s: %w", path, err)
	}
	return s, nil
}

func (s Scenario) validate() error {
	for i, f := range s.Frames {
		for _, d := range f.Detections {
			if d.Robot != nil && d.Camera != nil {
				return fmt.Errorf("frame %d: target %d has both robot and camera poses", i, d.Index)
			}
		}
	}
	return nil
}

func (s Scenario) maxIndex() int {
	maxIdx := -1
	for _, f := range s.Frames {
		for _, d := range f.Detections {
			if d.Index > maxIdx {
				maxIdx = d.Index
			}
		}
	}
	return maxIdx
}

// Localizer replays a Scenario into DefaultListeners.
type Localizer struct {
	params     vision.Parameters
	scenario   Scenario
	trackables *vision.Trackables
	active     bool
	next       int
}

// New validates params and returns a replaying localizer.
func New(params vision.Parameters, scenario Scenario) (*Localizer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := scenario.validate(); err != nil {
		return nil, err
	}
	return &Localizer{params: params, scenario: scenario}, nil
}

// Factory adapts New to a vision.LocalizerFactory.
func Factory(scenario Scenario) vision.LocalizerFactory {
	return func(_ context.Context, params vision.Parameters) (vision.Localizer, error) {
		return New(params, scenario)
	}
}

// LoadTrackables implements vision.Localizer.
func (l *Localizer) LoadTrackables(path string) (*vision.Trackables, error) {
	targets, err := vision.LoadDataset(path)
	if err != nil {
		return nil, err
	}
	l.trackables = vision.NewTrackables(vision.DatasetName(path), targets, l.params.UseExtendedTracking)
	return l.trackables, nil
}

// Activate implements vision.Localizer.
func (l *Localizer) Activate(_ context.Context) error {
	if l.trackables == nil {
		return errors.New("replay: activate before trackables are loaded")
	}
	if idx := l.scenario.maxIndex(); idx >= l.trackables.Len() {
		return fmt.Errorf("replay: scenario refers to target %d, dataset has %d", idx, l.trackables.Len())
	}
	l.active = true
	return nil
}

// Done reports whether every frame has been played and the scenario does not loop.
func (l *Localizer) Done() bool {
	return !l.scenario.Loop && l.next >= len(l.scenario.Frames)
}

// NextFrame implements vision.Framer.
func (l *Localizer) NextFrame() {
	if !l.active {
		return
	}
	if l.scenario.Loop && len(l.scenario.Frames) > 0 && l.next >= len(l.scenario.Frames) {
		l.next = 0
	}

	var frame Frame
	if l.next < len(l.scenario.Frames) {
		frame = l.scenario.Frames[l.next]
		l.next++
	}

	seen := make(map[int]Detection, len(frame.Detections))
	for _, d := range frame.Detections {
		if l.params.MaxSimultaneousTargets > 0 && len(seen) >= l.params.MaxSimultaneousTargets {
			break
		}
		seen[d.Index] = d
	}

	for _, tr := range l.trackables.All() {
		listener, ok := tr.Listener.(*vision.DefaultListener)
		if !ok {
			continue
		}
		d, inView := seen[tr.Index]
		switch {
		case !inView:
			listener.OnLost()
		case d.Robot != nil:
			listener.OnRobotLocation(transform.FromParams(*d.Robot))
		case d.Camera != nil:
			listener.OnTracked(transform.FromParams(*d.Camera))
		default:
			listener.OnVisibleUnresolved()
		}
	}
}

var (
	_ vision.Localizer = (*Localizer)(nil)
	_ vision.Framer    = (*Localizer)(nil)
)
