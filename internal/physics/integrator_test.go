package physics

import (
	"encoding/json"
	"math"
	"testing"
)

func TestAdvanceIntegratesUnicycle(t *testing.T) {
	//1.- Start facing +y so the translation lands on the y axis.
	state := NewSingleState(1, 2, 3, math.Pi/2)
	Advance(0.5, SingleAction{V: 4, W: 0.2, DZ: -2}, &state)
	if math.Abs(state.P.X-1) > 1e-9 {
		t.Fatalf("unexpected X %.6f", state.P.X)
	}
	if math.Abs(state.P.Y-4) > 1e-9 {
		t.Fatalf("unexpected Y %.6f", state.P.Y)
	}
	if math.Abs(state.P.Z-2) > 1e-9 {
		t.Fatalf("unexpected Z %.6f", state.P.Z)
	}
	//2.- Heading accumulates without wrapping.
	if math.Abs(state.Th-(math.Pi/2+0.1)) > 1e-9 {
		t.Fatalf("unexpected heading %.6f", state.Th)
	}
}

func TestAdvanceDoesNotWrapHeading(t *testing.T) {
	state := NewSingleState(0, 0, 0, 3)
	for i := 0; i < 10; i++ {
		Advance(1, SingleAction{W: 1}, &state)
	}
	if math.Abs(state.Th-13) > 1e-9 {
		t.Fatalf("heading should accumulate, got %.6f", state.Th)
	}
}

func TestAdvanceHandlesNilState(t *testing.T) {
	Advance(0.1, SingleAction{V: 1}, nil)
	AdvanceJoint(0.1, JointAction{}, nil)
}

func TestAdvancedLeavesReceiverUntouched(t *testing.T) {
	state := JointState{X1: NewSingleState(0, 0, 0, 0), X2: NewSingleState(10, 0, 0, math.Pi)}
	next := state.Advanced(1, JointAction{A1: SingleAction{V: 1}, A2: SingleAction{V: 1}})
	if state.X1.P.X != 0 || state.X2.P.X != 10 {
		t.Fatalf("receiver mutated: %s", state)
	}
	if math.Abs(next.Dist()-8) > 1e-9 {
		t.Fatalf("expected separation 8, got %.6f", next.Dist())
	}
}

func TestFlattenOrdersHeadingBeforeAltitude(t *testing.T) {
	state := JointState{X1: NewSingleState(1, 2, 4, 3), X2: NewSingleState(5, 6, 8, 7)}
	row := state.Flatten()
	for i, want := range []float64{1, 2, 3, 4, 5, 6, 7, 8} {
		if row[i] != want {
			t.Fatalf("column %d: want %.0f got %.0f", i, want, row[i])
		}
	}
	decoded, err := JointStateFromRow(row[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != state {
		t.Fatalf("decoded %s, want %s", decoded, state)
	}
	if _, err := JointStateFromRow(row[:7]); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestSafetyMarginClampsAtMaxVal(t *testing.T) {
	if got := SafetyMargin(300, 1000, 25); got != 300 {
		t.Fatalf("expected clamp at 300, got %.2f", got)
	}
	if got := SafetyMargin(300, 20, 25); got != -5 {
		t.Fatalf("expected -5, got %.2f", got)
	}
}

func TestToIntTolerance(t *testing.T) {
	cases := []struct {
		in   float64
		want int
		ok   bool
	}{
		{in: 10, want: 10, ok: true},
		{in: 30.000000001, want: 30, ok: true},
		{in: 29.995, want: 30, ok: true},
		{in: 2.5, ok: false},
		{in: math.NaN(), ok: false},
	}
	for _, tc := range cases {
		got, err := ToInt(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ToInt(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ToInt(%v) should fail", tc.in)
		}
	}
}

func TestDegRadConversions(t *testing.T) {
	if math.Abs(DegToRad(180)-math.Pi) > 1e-12 {
		t.Fatalf("DegToRad(180) = %.12f", DegToRad(180))
	}
	if math.Abs(RadToDeg(DegToRad(12))-12) > 1e-12 {
		t.Fatalf("round trip mismatch")
	}
}

func TestPointHelpers(t *testing.T) {
	if !NaNPoint().IsNaN() {
		t.Fatalf("NaNPoint should report NaN")
	}
	if d := (Point{X: 1, Y: 2, Z: 2}).Dist(Point{}); math.Abs(d-3) > 1e-12 {
		t.Fatalf("unexpected distance %.6f", d)
	}
	if s := (Point{X: 1, Y: 2.5, Z: 0}).String(); s != "Point(x=1, y=2.5, z=0)" {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestPointJSONKeepsUnsetCoordinates(t *testing.T) {
	state := JointState{
		X1: SingleState{P: NaNPoint(), Th: 0.5},
		X2: SingleState{P: Point{X: math.Inf(1), Y: math.Inf(-1), Z: 2.5}},
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded JointState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.X1.P.IsNaN() || decoded.X1.Th != 0.5 {
		t.Fatalf("expected NaN point to survive, got %+v", decoded.X1)
	}
	if !math.IsInf(decoded.X2.P.X, 1) || !math.IsInf(decoded.X2.P.Y, -1) || decoded.X2.P.Z != 2.5 {
		t.Fatalf("expected infinities to survive, got %+v", decoded.X2.P)
	}

	//1.- Finite points keep the plain numeric form.
	plain, err := json.Marshal(Point{X: 1, Y: -2.5, Z: 0})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(plain) != `{"x":1,"y":-2.5,"z":0}` {
		t.Fatalf("unexpected encoding %s", plain)
	}
	var p Point
	if err := json.Unmarshal([]byte(`{"x":"12","y":0,"z":0}`), &p); err == nil {
		t.Fatalf("expected quoted finite coordinate to be rejected")
	}
}

func TestActionOrderingAndDistance(t *testing.T) {
	a := SingleAction{V: 15, W: -0.2, DZ: 0}
	b := SingleAction{V: 15, W: 0.2, DZ: 0}
	if !a.Less(b) || b.Less(a) || a.Less(a) {
		t.Fatalf("unexpected ordering between %s and %s", a, b)
	}
	joint := JointAction{A1: a, A2: a}
	other := JointAction{A1: b, A2: b}
	if d := joint.Dist(other); math.Abs(d-math.Sqrt(2*0.16)) > 1e-12 {
		t.Fatalf("unexpected joint distance %.6f", d)
	}
}
