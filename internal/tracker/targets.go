package tracker

import (
	"github.com/relabs-tech/fieldnav/internal/config"
	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
)

// FieldTarget assigns a name and field location to one dataset index.
type FieldTarget struct {
	Index    int
	Name     string
	Location transform.Matrix
}

// FieldTargets returns the Skystone field targets in scan order.
//
// Only Blue Perimeter 1 has a measured location; every other target sits at
// the origin until its position is surveyed. Rear Perimeter 1 and 2 are
// registered as 12 then 11, matching the dataset as shipped.
func FieldTargets() []FieldTarget {
	origin := transform.Origin()
	return []FieldTarget{
		{0, "Stone Target", origin},
		{1, "Blue Rear Bridge", origin},
		{2, "Red Rear Bridge", origin},
		{3, "Red Front Bridge", origin},
		{4, "Blue Front Bridge", origin},
		{5, "Red Perimeter 1", origin},
		{6, "Red Perimeter 2", origin},
		{7, "Front Perimeter 1", origin},
		{8, "Front Perimeter 2", origin},
		{9, "Blue Perimeter 1", transform.New(0, 36*config.MMPerInch, 0, 90, 0, 90)},
		{10, "Blue Perimeter 2", origin},
		{12, "Rear Perimeter 1", origin},
		{11, "Rear Perimeter 2", origin},
	}
}

// PhoneLocation is where the phone sits on the robot: at the centre, long
// side along the Y axis, screen up.
func PhoneLocation() vision.PhoneInformation {
	return vision.PhoneInformation{
		Location:  transform.New(0, 0, 0, 90, 0, 0),
		Direction: vision.Back,
	}
}

// register names and places the field targets and returns them in scan order.
func register(ts *vision.Trackables, targets []FieldTarget, phone vision.PhoneInformation) ([]*vision.Trackable, error) {
	scan := make([]*vision.Trackable, 0, len(targets))
	for _, ft := range targets {
		tr, err := ts.Get(ft.Index)
		if err != nil {
			return nil, err
		}
		tr.Name = ft.Name
		tr.Location = ft.Location
		if setter, ok := tr.Listener.(vision.PhoneInformationSetter); ok {
			setter.SetPhoneInformation(phone)
		}
		scan = append(scan, tr)
	}
	return scan, nil
}
