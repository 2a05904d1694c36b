package replay

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

var episodeNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// ManifestFile names the manifest inside a bundle directory.
	ManifestFile = "manifest.json"
	// EventsFile names the snappy compressed JSONL event log.
	EventsFile = "events.jsonl.sz"
	// FramesFile names the zstd compressed frame stream.
	FramesFile = "frames.bin.zst"

	frameInterval   = 200 * time.Millisecond
	frameHeaderSize = 8 + 8 + 8 + 4
)

// frameBlob stores frame metadata before it is persisted to disk.
type frameBlob struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Payload     []byte
}

// eventRecord is one line of the event log.
type eventRecord struct {
	Tick        uint64 `json:"tick"`
	SimulatedMs int64  `json:"simulated_ms"`
	CapturedAt  string `json:"captured_at"`
	Type        string `json:"type"`
	PayloadB64  string `json:"payload_b64"`
}

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	EpisodeID       string `json:"episode_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Writer streams one episode to a bundle directory.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	meta        Metadata
	closed      bool
}

// NewWriter prepares the bundle directory and opens compressed sinks.
func NewWriter(root, episodeID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := episodeNameCleaner.ReplaceAllString(episodeID, "")
	if cleaned == "" {
		cleaned = "episode"
	}
	if episodeID == "" {
		episodeID = cleaned
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		EpisodeID:       episodeID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		EventsPath:      EventsFile,
		FramesPath:      FramesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, ManifestFile), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, EventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(path, FramesFile))
	if err != nil {
		return nil, Manifest{}, multierr.Append(err, eventFile.Close())
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		return nil, Manifest{}, multierr.Combine(err, frameFile.Close(), eventFile.Close())
	}

	writer := &Writer{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		meta:        Metadata{EpisodeID: episodeID},
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SetMetadata configures the header persisted when the writer closes.
func (w *Writer) SetMetadata(meta Metadata) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if meta.EpisodeID == "" {
		meta.EpisodeID = w.meta.EpisodeID
	}
	meta.Filter = append(json.RawMessage(nil), meta.Filter...)
	w.meta = meta
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (w *Writer) AppendEvent(tick uint64, simulatedMs int64, eventType string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	line, err := json.Marshal(eventRecord{
		Tick:        tick,
		SimulatedMs: simulatedMs,
		CapturedAt:  captured.Format(time.RFC3339Nano),
		Type:        eventType,
		PayloadB64:  base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendJSONEvent marshals value and appends it as an event.
func (w *Writer) AppendJSONEvent(tick uint64, simulatedMs int64, eventType string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return w.AppendEvent(tick, simulatedMs, eventType, payload)
}

// AppendFrame buffers an encoded step until the 5 Hz cadence is reached.
func (w *Writer) AppendFrame(tick uint64, simulatedMs int64, frame Frame) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	payload, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	//1.- Stage the frame so cadence enforcement can persist batches together.
	w.pending = append(w.pending, frameBlob{Tick: tick, SimulatedMs: simulatedMs, CapturedAt: captured, Payload: payload})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close writes the header, flushes every buffer and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every step and report all failures together.
	return multierr.Combine(
		WriteHeader(filepath.Join(w.dir, HeaderFile), w.meta.Header()),
		w.flushLocked(),
		w.eventStream.Close(),
		w.eventFile.Close(),
		w.frameStream.Close(),
		w.frameFile.Close(),
	)
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.SimulatedMs))
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
