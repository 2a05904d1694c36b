package episode

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jordan16ellis/fw-coll-env/internal/replay"
)

// Replay event types written alongside frames.
const (
	EventStarted  = "episode_started"
	EventOverride = "override"
	EventCollided = "collided"
	EventFinished = "episode_finished"
)

// Recorder writes one replay bundle per episode under a root directory.
type Recorder struct {
	mu      sync.Mutex
	root    string
	clock   func() time.Time
	writers map[string]*replay.Writer
	dirs    map[string]string
}

// NewRecorder returns an Observer that records bundles under root.
func NewRecorder(root string, clock func() time.Time) *Recorder {
	return &Recorder{root: root, clock: clock, writers: make(map[string]*replay.Writer), dirs: make(map[string]string)}
}

// Directory returns the bundle directory of a recorded episode.
func (r *Recorder) Directory(episodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, ok := r.dirs[episodeID]
	return dir, ok
}

func (r *Recorder) writer(id string) (*replay.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.writers[id]
	if !ok {
		return nil, fmt.Errorf("no replay writer for episode %s", id)
	}
	return w, nil
}

// EpisodeStarted opens the bundle and stamps its header metadata.
func (r *Recorder) EpisodeStarted(info Info) error {
	w, _, err := replay.NewWriter(r.root, info.ID, r.clock)
	if err != nil {
		return err
	}
	meta := replay.Metadata{EpisodeID: info.ID, Seed: info.Seed, GridFingerprint: info.Grid.Fingerprint()}
	if info.Filter != nil {
		raw, err := json.Marshal(info.Filter)
		if err != nil {
			return fmt.Errorf("encode filter: %w", err)
		}
		meta.Filter = raw
	}
	w.SetMetadata(meta)
	if err := w.AppendJSONEvent(0, 0, EventStarted, info); err != nil {
		return err
	}
	r.mu.Lock()
	r.writers[info.ID] = w
	r.dirs[info.ID] = w.Directory()
	r.mu.Unlock()
	return nil
}

// StepRecorded appends a frame and, for notable steps, an event.
func (r *Recorder) StepRecorded(step Step) error {
	w, err := r.writer(step.EpisodeID)
	if err != nil {
		return err
	}
	simMs := int64(math.Round(step.T * 1000))
	frame := replay.Frame{
		State:    step.State,
		Nominal:  uint32(step.NominalIndex),
		Applied:  uint32(step.AppliedIndex),
		Override: step.Override,
		Collided: step.Stats.Collided,
	}
	if err := w.AppendFrame(step.Tick, simMs, frame); err != nil {
		return err
	}
	if step.Override {
		if err := w.AppendJSONEvent(step.Tick, simMs, EventOverride, step); err != nil {
			return err
		}
	}
	if step.Stats.Collided {
		return w.AppendJSONEvent(step.Tick, simMs, EventCollided, step.Stats)
	}
	return nil
}

// EpisodeFinished writes the result event and closes the bundle.
func (r *Recorder) EpisodeFinished(res Result) error {
	r.mu.Lock()
	w, ok := r.writers[res.EpisodeID]
	delete(r.writers, res.EpisodeID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no replay writer for episode %s", res.EpisodeID)
	}
	simMs := int64(math.Round(res.SimTime * 1000))
	appendErr := w.AppendJSONEvent(uint64(res.Steps), simMs, EventFinished, res)
	if err := w.Close(); err != nil {
		return err
	}
	return appendErr
}
