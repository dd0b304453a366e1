package tracker

import (
	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
)

// State is everything the loop carries from one cycle to the next.
type State struct {
	// LastKnown is the most recent robot location any target resolved. It
	// starts at the field origin and is only ever replaced, never cleared.
	LastKnown transform.Matrix

	// Tracked names the trackable processed this cycle, empty if none was visible.
	Tracked string
	Visible bool
	// Updated is set when this cycle replaced LastKnown.
	Updated bool

	// Derived from LastKnown on cycles where a target was visible.
	RobotX     float64
	RobotY     float64
	RobotAngle float64

	Cycle uint64
}

// InitialState is the state before the first cycle.
func InitialState() State {
	return State{LastKnown: transform.Origin()}
}

// Step runs one tracking cycle over trackables in scan order. The first
// visible trackable is the only one processed: its fresh location, if any,
// replaces LastKnown; otherwise LastKnown is kept as is.
func Step(s State, trackables []*vision.Trackable) State {
	next := s
	next.Cycle++
	next.Tracked = ""
	next.Visible = false
	next.Updated = false

	for _, tr := range trackables {
		if tr.Listener == nil || !tr.Listener.IsVisible() {
			continue
		}
		next.Tracked = tr.Name
		next.Visible = true

		if pose, ok := tr.Listener.UpdatedPose(); ok {
			next.LastKnown = pose
			next.Updated = true
		}

		t := next.LastKnown.Translation()
		next.RobotX = t.X
		next.RobotY = t.Y
		next.RobotAngle = next.LastKnown.Orientation().Third
		break
	}
	return next
}
