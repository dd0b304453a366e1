// Package vision models the vision subsystem the tracker polls: the localizer
// that owns the camera, the dataset of trackable targets it loads, and the
// per-target listener that says whether a target is in view and where that
// puts the robot on the field.
package vision

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/fieldnav/internal/transform"
)

// ErrNoLicenseKey is returned by localizer factories given empty Parameters.LicenseKey.
var ErrNoLicenseKey = errors.New("vision: no license key")

// CameraDirection selects which phone camera the localizer uses.
type CameraDirection int

const (
	Back CameraDirection = iota
	Front
)

func (d CameraDirection) String() string {
	switch d {
	case Back:
		return "BACK"
	case Front:
		return "FRONT"
	default:
		return fmt.Sprintf("CameraDirection(%d)", int(d))
	}
}

// Parameters configure a Localizer.
type Parameters struct {
	LicenseKey          string
	CameraDirection     CameraDirection
	UseExtendedTracking bool
	// MaxSimultaneousTargets caps how many targets may be reported visible at once.
	MaxSimultaneousTargets int
}

// Validate checks the parameters every localizer needs.
func (p Parameters) Validate() error {
	if p.LicenseKey == "" {
		return ErrNoLicenseKey
	}
	if p.MaxSimultaneousTargets < 0 {
		return fmt.Errorf("vision: negative MaxSimultaneousTargets %d", p.MaxSimultaneousTargets)
	}
	return nil
}

// Listener is the tracking capability attached to one trackable.
type Listener interface {
	// IsVisible reports whether the target is currently in view.
	IsVisible() bool
	// UpdatedPose returns the robot's field location if it has been resolved
	// since the last call. ok is false when nothing new is available, which can
	// happen even while the target is visible.
	UpdatedPose() (pose transform.Matrix, ok bool)
}

// PhoneInformation is where the sensing device sits on the robot and which of
// its cameras is used.
type PhoneInformation struct {
	Location  transform.Matrix
	Direction CameraDirection
}

// PhoneInformationSetter is implemented by listeners that turn target
// detections into robot locations and therefore need the device offset.
type PhoneInformationSetter interface {
	SetPhoneInformation(PhoneInformation)
}

// Trackable is one vision target. Name and Location are set once during setup.
type Trackable struct {
	Index    int
	Name     string
	Location transform.Matrix
	Listener Listener
}

// Localizer owns the camera and the loaded trackables.
type Localizer interface {
	// LoadTrackables loads the dataset bundle at path.
	LoadTrackables(path string) (*Trackables, error)
	// Activate starts tracking the loaded trackables.
	Activate(ctx context.Context) error
}

// Framer is implemented by localizers that produce one camera frame per
// tracking cycle instead of on their own schedule.
type Framer interface {
	NextFrame()
}

// LocalizerFactory creates a Localizer.
type LocalizerFactory func(ctx context.Context, params Parameters) (Localizer, error)
