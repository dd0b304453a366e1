package config

import "math"

// Unit conversions
const (
	MMPerInch = 25.4
	CMPerInch = 2.54
)

// Bot and hardware measurements
const (
	TicksPerMotorRevolution = 537.6
	MecanumCircumferenceMM  = 100 * math.Pi
	MecanumCircumferenceIn  = MecanumCircumferenceMM / MMPerInch

	LiftPulleyDiameterMM = 38.0
	LiftPulleyRadiusMM   = LiftPulleyDiameterMM / 2

	LiftStageHeightIn             = 5.5
	IntakeStartingFloorDistanceMM = 5.0
)

// Stone measurements
const (
	StoneLengthIn = 8.0
	StoneWidthIn  = 4.0
	StoneHeightIn = 5.0
)

// TicksPerInchCorrection compensates for mecanum roller slip on the field tiles.
const TicksPerInchCorrection = 1.5

// TicksPer360 is the encoder count for a full in-place turn.
const TicksPer360 = 2850

// TicksPerInch is the encoder count per inch of travel. It needs rounding, so it
// is computed once at startup and must be treated as read-only.
var TicksPerInch = int(math.Round((TicksPerMotorRevolution / MecanumCircumferenceIn) * TicksPerInchCorrection))

// Side claw servo positions
const (
	LeftSideClawArmUp    = 0.26
	LeftSideClawArmDown  = 0.0
	RightSideClawArmUp   = 0.65
	RightSideClawArmDown = 1.0
	SideClawFingerOpen   = 0.7
	SideClawFingerClose  = 0.0
)

// Foundation servo positions
const (
	FoundationServoLeftUp    = 0.5
	FoundationServoLeftDown  = 0.95
	FoundationServoRightUp   = 0.6
	FoundationServoRightDown = 0.05
)
