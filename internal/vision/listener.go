package vision

import (
	"sync"

	"github.com/relabs-tech/fieldnav/internal/transform"
)

// DefaultListener turns detections of its trackable into robot field locations.
//
// A detection is the target's pose in the camera frame. The robot location is
//
//	target on field · (target in camera)⁻¹ · (camera on robot)⁻¹
//
// where camera on robot is the phone location combined with the camera
// direction. Detections arrive from the localizer's goroutine; the tracker
// reads from its own, so the state is guarded.
type DefaultListener struct {
	trackable        *Trackable
	extendedTracking bool

	mu       sync.Mutex
	phone    *PhoneInformation
	visible  bool
	robot    transform.Matrix
	resolved bool
	fresh    bool
}

// NewDefaultListener returns a listener for tr. With extended tracking the
// target stays visible after the camera loses it.
func NewDefaultListener(tr *Trackable, extendedTracking bool) *DefaultListener {
	return &DefaultListener{trackable: tr, extendedTracking: extendedTracking}
}

// SetPhoneInformation registers the device offset used to resolve robot locations.
func (l *DefaultListener) SetPhoneInformation(info PhoneInformation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phone = &info
}

// OnTracked records a detection of the target at poseInCamera.
// Without phone information the target is visible but no location resolves.
func (l *DefaultListener) OnTracked(poseInCamera transform.Matrix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = true
	if l.phone == nil {
		return
	}
	cameraOnRobot := l.phone.Location.Multiplied(cameraFromPhone(l.phone.Direction))
	l.robot = l.trackable.Location.
		Multiplied(poseInCamera.Inverted()).
		Multiplied(cameraOnRobot.Inverted())
	l.resolved = true
	l.fresh = true
}

// OnRobotLocation records a detection whose robot location was already
// resolved upstream.
func (l *DefaultListener) OnRobotLocation(robot transform.Matrix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = true
	l.robot = robot
	l.resolved = true
	l.fresh = true
}

// OnVisibleUnresolved marks the target visible in a frame that produced no
// location. An unread location from an earlier frame is dropped.
func (l *DefaultListener) OnVisibleUnresolved() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = true
	l.fresh = false
}

// OnLost records that the camera no longer sees the target.
func (l *DefaultListener) OnLost() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.extendedTracking {
		l.visible = false
	}
	l.fresh = false
}

// IsVisible implements Listener.
func (l *DefaultListener) IsVisible() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visible
}

// UpdatedPose implements Listener. Each resolved location is handed out once.
func (l *DefaultListener) UpdatedPose() (transform.Matrix, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.fresh {
		return transform.Matrix{}, false
	}
	l.fresh = false
	return l.robot, true
}

// robotLocation returns the last resolved location, fresh or not.
func (l *DefaultListener) robotLocation() (transform.Matrix, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.robot, l.resolved
}

// cameraFromPhone is the fixed mounting of each camera in the phone frame.
// The front camera looks the other way, a half turn about the phone's Y axis.
func cameraFromPhone(d CameraDirection) transform.Matrix {
	if d == Front {
		return transform.New(0, 0, 0, 0, 180, 0)
	}
	return transform.Origin()
}

var (
	_ Listener               = (*DefaultListener)(nil)
	_ PhoneInformationSetter = (*DefaultListener)(nil)
)
