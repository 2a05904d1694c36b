package replayplayer

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/replay"
)

// stateTolerance bounds how far a re-integrated state may drift from the recording.
const stateTolerance = 1e-9

// PlayedStep is one recorded transition in the states/actions layout used by the filter API.
type PlayedStep struct {
	Tick     uint64                      `json:"tick"`
	T        float64                     `json:"t"`
	State    [physics.StateWidth]float64 `json:"state"`
	Nominal  int                         `json:"nominal"`
	Applied  int                         `json:"applied"`
	Override bool                        `json:"override"`
	Collided bool                        `json:"collided"`
}

// EventSummary is an event with its payload kept as raw JSON.
type EventSummary struct {
	Tick    uint64          `json:"tick"`
	T       float64         `json:"t"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Playback is a decoded episode ready for JSON output.
type Playback struct {
	Manifest replay.Manifest `json:"manifest"`
	Header   replay.Header   `json:"header"`
	Initial  []float64       `json:"initial_state,omitempty"`
	Steps    []PlayedStep    `json:"steps"`
	Events   []EventSummary  `json:"events"`
	Result   *episode.Result `json:"result,omitempty"`
}

// Mismatch describes a recorded step that the filter or the dynamics disagree with.
type Mismatch struct {
	Tick     uint64  `json:"tick"`
	Reason   string  `json:"reason"`
	Recorded int     `json:"recorded,omitempty"`
	Expected int     `json:"expected,omitempty"`
	Drift    float64 `json:"drift,omitempty"`
}

// Load decodes the bundle in dir into a Playback.
func Load(dir string) (*Playback, *replay.Bundle, error) {
	bundle, err := replay.OpenBundle(dir)
	if err != nil {
		return nil, nil, err
	}
	out := &Playback{Manifest: bundle.Manifest, Header: bundle.Header}
	//1.- Flatten frames into the state row layout accepted by the filter API.
	for _, rec := range bundle.Frames {
		out.Steps = append(out.Steps, PlayedStep{
			Tick:     rec.Tick,
			T:        float64(rec.SimulatedMs) / 1000,
			State:    rec.Frame.State.Flatten(),
			Nominal:  int(rec.Frame.Nominal),
			Applied:  int(rec.Frame.Applied),
			Override: rec.Frame.Override,
			Collided: rec.Frame.Collided,
		})
	}
	//2.- Keep events verbatim and lift the start state and result out of them.
	for _, ev := range bundle.Events {
		out.Events = append(out.Events, EventSummary{Tick: ev.Tick, T: float64(ev.SimulatedMs) / 1000, Type: ev.Type, Payload: ev.Payload})
		switch ev.Type {
		case episode.EventStarted:
			info, err := decodeInfo(ev.Payload)
			if err != nil {
				return nil, nil, err
			}
			x := physics.JointState{X1: info.Scenario.X1, X2: info.Scenario.X2}.Flatten()
			out.Initial = x[:]
		case episode.EventFinished:
			var res episode.Result
			if err := json.Unmarshal(ev.Payload, &res); err != nil {
				return nil, nil, fmt.Errorf("decode %s event: %w", ev.Type, err)
			}
			out.Result = &res
		}
	}
	return out, bundle, nil
}

// Verify replays every recorded step: the filter stored in the header must
// choose the recorded applied action from the previous state, and integrating
// that action must land on the recorded state.
func Verify(bundle *replay.Bundle) ([]Mismatch, error) {
	if bundle == nil {
		return nil, fmt.Errorf("bundle must be provided")
	}
	started := bundle.EventsOfType(episode.EventStarted)
	if len(started) == 0 {
		return nil, fmt.Errorf("bundle %s has no %s event", bundle.Dir, episode.EventStarted)
	}
	info, err := decodeInfo(started[0].Payload)
	if err != nil {
		return nil, err
	}
	grid := info.Grid
	var filter *barrier.Filter
	if bundle.Header.Filtered() {
		var spec barrier.Spec
		if err := json.Unmarshal(bundle.Header.Filter, &spec); err != nil {
			return nil, fmt.Errorf("decode filter spec: %w", err)
		}
		if filter, err = barrier.FromSpec(spec); err != nil {
			return nil, fmt.Errorf("rebuild filter: %w", err)
		}
		grid = filter.Grid()
	}
	if grid == nil {
		return nil, fmt.Errorf("bundle %s records no action grid", bundle.Dir)
	}
	joint := actions.NewJointIndex(grid)

	var mismatches []Mismatch
	prev := physics.JointState{X1: info.Scenario.X1, X2: info.Scenario.X2}
	for _, rec := range bundle.Frames {
		frame := rec.Frame
		nominal, err := joint.Action(int(frame.Nominal))
		if err != nil {
			return nil, fmt.Errorf("tick %d: %w", rec.Tick, err)
		}
		applied, err := joint.Action(int(frame.Applied))
		if err != nil {
			return nil, fmt.Errorf("tick %d: %w", rec.Tick, err)
		}
		//1.- Re-run the filter on the pre-step state.
		if filter != nil {
			chosen, err := filter.ChooseSingle(prev, nominal)
			if err != nil {
				return nil, fmt.Errorf("tick %d: %w", rec.Tick, err)
			}
			expected, err := joint.Index(chosen)
			if err != nil {
				return nil, fmt.Errorf("tick %d: %w", rec.Tick, err)
			}
			if expected != int(frame.Applied) {
				mismatches = append(mismatches, Mismatch{Tick: rec.Tick, Reason: "filter decision", Recorded: int(frame.Applied), Expected: expected})
			}
		} else if frame.Applied != frame.Nominal {
			mismatches = append(mismatches, Mismatch{Tick: rec.Tick, Reason: "unfiltered override", Recorded: int(frame.Applied), Expected: int(frame.Nominal)})
		}
		//2.- Integrate the applied action and compare against the recording.
		predicted := prev.Advanced(info.Env.DT, applied)
		if drift := stateDrift(predicted, frame.State); drift > stateTolerance {
			mismatches = append(mismatches, Mismatch{Tick: rec.Tick, Reason: "state drift", Drift: drift})
		}
		prev = frame.State
	}
	return mismatches, nil
}

func decodeInfo(payload json.RawMessage) (episode.Info, error) {
	var info episode.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return episode.Info{}, fmt.Errorf("decode %s event: %w", episode.EventStarted, err)
	}
	return info, nil
}

func stateDrift(a, b physics.JointState) float64 {
	fa, fb := a.Flatten(), b.Flatten()
	var worst float64
	for i := range fa {
		worst = math.Max(worst, math.Abs(fa[i]-fb[i]))
	}
	return worst
}
