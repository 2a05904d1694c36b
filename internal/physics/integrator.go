package physics

import "math"

// Advance integrates a unicycle state in place over dt using forward Euler.
// Heading is intentionally left unwrapped so repeated turns accumulate.
func Advance(dt float64, a SingleAction, s *SingleState) {
	//1.- Ignore nil states to keep rollout loops concise.
	if s == nil {
		return
	}
	//2.- Translate along the current heading before rotating.
	s.P.X += a.V * math.Cos(s.Th) * dt
	s.P.Y += a.V * math.Sin(s.Th) * dt
	//3.- Apply the turn rate and climb rate over the timestep.
	s.Th += a.W * dt
	s.P.Z += a.DZ * dt
}

// AdvanceJoint integrates both vehicles with their respective actions.
func AdvanceJoint(dt float64, a JointAction, s *JointState) {
	if s == nil {
		return
	}
	Advance(dt, a.A1, &s.X1)
	Advance(dt, a.A2, &s.X2)
}

// Advanced returns a copy of s advanced by one step, leaving s untouched.
func (s JointState) Advanced(dt float64, a JointAction) JointState {
	next := s
	AdvanceJoint(dt, a, &next)
	return next
}

// SafetyMargin clamps the signed clearance between two vehicles.
func SafetyMargin(maxVal, dist, safetyDist float64) float64 {
	return math.Min(maxVal, dist-safetyDist)
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180.0 }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// IntegerTolerance bounds how far a value may drift from an integer and still be accepted by ToInt.
const IntegerTolerance = 0.01

// ToInt rounds val to the nearest integer, rejecting values that are not within IntegerTolerance of it.
func ToInt(val float64) (int, error) {
	//1.- Reject non-finite inputs before rounding.
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, &NotIntegerError{Value: val}
	}
	//2.- Round and compare against the tolerance.
	rounded := math.Round(val)
	if math.Abs(val-rounded) > IntegerTolerance {
		return 0, &NotIntegerError{Value: val}
	}
	return int(rounded), nil
}

// NotIntegerError reports a value expected to be integral.
type NotIntegerError struct {
	Value float64
}

func (e *NotIntegerError) Error() string {
	return "value " + formatFloat(e.Value) + " must be close to an integer"
}
