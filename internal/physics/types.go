package physics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// StateWidth is the number of scalars in a flattened JointState.
const StateWidth = 8

// Point is a position in the shared 3D frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NaNPoint returns a point whose coordinates are all NaN, used as an unset marker.
func NaNPoint() Point {
	nan := math.NaN()
	return Point{X: nan, Y: nan, Z: nan}
}

// IsNaN reports whether any coordinate is NaN.
func (p Point) IsNaN() bool {
	return math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z)
}

// Dist returns the Euclidean distance between two points.
func (p Point) Dist(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// MarshalJSON encodes non-finite coordinates as the strings "NaN", "+Inf"
// and "-Inf" so unset points survive a round trip.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{X: jsonFloat(p.X), Y: jsonFloat(p.Y), Z: jsonFloat(p.Z)})
}

// UnmarshalJSON accepts numbers and the non-finite strings written by MarshalJSON.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw pointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Point{X: float64(raw.X), Y: float64(raw.Y), Z: float64(raw.Z)}
	return nil
}

type pointJSON struct {
	X jsonFloat `json:"x"`
	Y jsonFloat `json:"y"`
	Z jsonFloat `json:"z"`
}

type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil || !(math.IsNaN(v) || math.IsInf(v, 0)) {
			return fmt.Errorf("invalid coordinate %q", text)
		}
		*f = jsonFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = jsonFloat(v)
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("Point(x=%s, y=%s, z=%s)", formatFloat(p.X), formatFloat(p.Y), formatFloat(p.Z))
}

// SingleState is the pose of one vehicle. Th is the heading in radians.
type SingleState struct {
	P  Point   `json:"p"`
	Th float64 `json:"th"`
}

// NewSingleState builds a state from its scalar components.
func NewSingleState(x, y, z, th float64) SingleState {
	return SingleState{P: Point{X: x, Y: y, Z: z}, Th: th}
}

func (s SingleState) String() string {
	return fmt.Sprintf("SingleState(p=%s, th=%s)", s.P, formatFloat(s.Th))
}

// JointState holds both vehicles.
type JointState struct {
	X1 SingleState `json:"x1"`
	X2 SingleState `json:"x2"`
}

// Dist returns the distance between the two vehicles.
func (s JointState) Dist() float64 {
	return s.X1.P.Dist(s.X2.P)
}

// Flatten writes the state in the [x1 y1 th1 z1 x2 y2 th2 z2] layout.
func (s JointState) Flatten() [StateWidth]float64 {
	return [StateWidth]float64{
		s.X1.P.X, s.X1.P.Y, s.X1.Th, s.X1.P.Z,
		s.X2.P.X, s.X2.P.Y, s.X2.Th, s.X2.P.Z,
	}
}

// JointStateFromRow decodes a row in the [x1 y1 th1 z1 x2 y2 th2 z2] layout.
func JointStateFromRow(row []float64) (JointState, error) {
	if len(row) != StateWidth {
		return JointState{}, fmt.Errorf("state row must have %d values, got %d", StateWidth, len(row))
	}
	return JointState{
		X1: SingleState{P: Point{X: row[0], Y: row[1], Z: row[3]}, Th: row[2]},
		X2: SingleState{P: Point{X: row[4], Y: row[5], Z: row[7]}, Th: row[6]},
	}, nil
}

func (s JointState) String() string {
	return fmt.Sprintf("JointState(x1=%s, x2=%s)", s.X1, s.X2)
}

// SingleAction is a command for one vehicle. W is a turn rate in radians per second.
type SingleAction struct {
	V  float64 `json:"v"`
	W  float64 `json:"w"`
	DZ float64 `json:"dz"`
}

// Less orders actions lexicographically by (V, W, DZ).
func (a SingleAction) Less(other SingleAction) bool {
	if a.V != other.V {
		return a.V < other.V
	}
	if a.W != other.W {
		return a.W < other.W
	}
	return a.DZ < other.DZ
}

// DistSq returns the squared component-wise distance between two actions.
func (a SingleAction) DistSq(other SingleAction) float64 {
	dv := a.V - other.V
	dw := a.W - other.W
	dz := a.DZ - other.DZ
	return dv*dv + dw*dw + dz*dz
}

// Dist returns the Euclidean distance between two actions.
func (a SingleAction) Dist(other SingleAction) float64 {
	return math.Sqrt(a.DistSq(other))
}

func (a SingleAction) String() string {
	return fmt.Sprintf("SingleAction(v=%s, w=%s, dz=%s)", formatFloat(a.V), formatFloat(a.W), formatFloat(a.DZ))
}

// JointAction pairs the commands for both vehicles.
type JointAction struct {
	A1 SingleAction `json:"a1"`
	A2 SingleAction `json:"a2"`
}

// Dist is the Euclidean distance over all six components.
func (a JointAction) Dist(other JointAction) float64 {
	return math.Sqrt(a.A1.DistSq(other.A1) + a.A2.DistSq(other.A2))
}

func (a JointAction) String() string {
	return fmt.Sprintf("JointAction(a1=%s, a2=%s)", a.A1, a.A2)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
