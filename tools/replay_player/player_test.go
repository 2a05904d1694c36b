package replayplayer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jordan16ellis/fw-coll-env/internal/actions"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/replay"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
)

func testGrid() *actions.Grid {
	return actions.MustGrid([]float64{15}, []float64{-12, 0, 12}, []float64{0})
}

func headOn() simulation.Scenario {
	return simulation.Scenario{
		X1:    physics.NewSingleState(-50, 0, 0, 0),
		X2:    physics.NewSingleState(50, 0, 0, math.Pi),
		Goal1: physics.Point{X: 200},
		Goal2: physics.Point{X: -200},
	}
}

func recordEpisode(t *testing.T, filtered bool) (string, episode.Result) {
	t.Helper()
	grid := testGrid()
	var filter *barrier.Filter
	if filtered {
		f, err := barrier.NewTurning(barrier.Params{DT: 0.1, MaxVal: 300, V: 15, WDeg: 12, SafetyDist: 25}, grid)
		if err != nil {
			t.Fatalf("NewTurning: %v", err)
		}
		filter = f
	}
	env := simulation.EnvConfig{DT: 0.1, MaxSimTime: 6, DoneDist: 25, SafetyDist: 25, TimeWarp: -1}
	runner, err := episode.NewRunner(env, grid, filter,
		episode.WithLogger(logging.NewTestLogger()),
		episode.WithIDGenerator(func() string { return "playback" }))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	rec := episode.NewRecorder(t.TempDir(), nil)
	res, err := runner.Run(context.Background(), headOn(), 11, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	dir, ok := rec.Directory("playback")
	if !ok {
		t.Fatal("expected recorder to track the bundle directory")
	}
	return dir, res
}

func TestLoadFlattensRecordedEpisode(t *testing.T) {
	dir, res := recordEpisode(t, true)

	playback, _, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(playback.Steps) != res.Steps {
		t.Fatalf("expected %d steps, got %d", res.Steps, len(playback.Steps))
	}
	if playback.Result == nil || playback.Result.Steps != res.Steps {
		t.Fatalf("expected finished result in playback, got %+v", playback.Result)
	}
	want := physics.JointState{X1: headOn().X1, X2: headOn().X2}.Flatten()
	if len(playback.Initial) != physics.StateWidth {
		t.Fatalf("expected initial state row, got %v", playback.Initial)
	}
	for i := range want {
		if playback.Initial[i] != want[i] {
			t.Fatalf("initial state[%d] = %v, want %v", i, playback.Initial[i], want[i])
		}
	}
	overrides := 0
	for _, step := range playback.Steps {
		if step.Override {
			overrides++
		}
	}
	if overrides != res.Overrides {
		t.Fatalf("expected %d overrides, got %d", res.Overrides, overrides)
	}
	if math.Abs(playback.Steps[0].T-0.1) > 1e-9 {
		t.Fatalf("expected first step at t=0.1, got %v", playback.Steps[0].T)
	}
}

func TestVerifyAcceptsGenuineRecordings(t *testing.T) {
	for _, filtered := range []bool{true, false} {
		dir, _ := recordEpisode(t, filtered)
		_, bundle, err := Load(dir)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		mismatches, err := Verify(bundle)
		if err != nil {
			t.Fatalf("Verify(filtered=%v): %v", filtered, err)
		}
		if len(mismatches) != 0 {
			t.Fatalf("filtered=%v: unexpected mismatches %+v", filtered, mismatches)
		}
	}
}

func TestVerifyFlagsTamperedFrames(t *testing.T) {
	grid := testGrid()
	joint := actions.NewJointIndex(grid)
	sc := headOn()
	env := simulation.EnvConfig{DT: 0.1, MaxSimTime: 6, DoneDist: 25, SafetyDist: 25}

	now := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	writer, _, err := replay.NewWriter(t.TempDir(), "tampered", func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	writer.SetMetadata(replay.Metadata{EpisodeID: "tampered", GridFingerprint: grid.Fingerprint()})
	if err := writer.AppendJSONEvent(0, 0, episode.EventStarted, episode.Info{ID: "tampered", Scenario: sc, Env: env, Grid: grid}); err != nil {
		t.Fatalf("AppendJSONEvent: %v", err)
	}

	straight, err := joint.Action(4)
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	x0 := physics.JointState{X1: sc.X1, X2: sc.X2}
	honest := x0.Advanced(env.DT, straight)
	if err := writer.AppendFrame(1, 100, replay.Frame{State: honest, Nominal: 4, Applied: 4}); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	//1.- Claim an override nobody asked for and report the unturned state.
	if err := writer.AppendFrame(2, 200, replay.Frame{State: honest.Advanced(env.DT, straight), Nominal: 4, Applied: 0, Override: true}); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bundle, err := replay.OpenBundle(writer.Directory())
	if err != nil {
		t.Fatalf("OpenBundle: %v", err)
	}
	mismatches, err := Verify(bundle)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("expected two mismatches, got %+v", mismatches)
	}
	if mismatches[0].Tick != 2 || mismatches[0].Reason != "unfiltered override" {
		t.Fatalf("unexpected first mismatch %+v", mismatches[0])
	}
	if mismatches[1].Reason != "state drift" || mismatches[1].Drift <= 0 {
		t.Fatalf("unexpected second mismatch %+v", mismatches[1])
	}
}
