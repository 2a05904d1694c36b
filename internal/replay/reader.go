package replay

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Event is a decoded event log line.
type Event struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Type        string
	Payload     json.RawMessage
}

// FrameRecord is a decoded frame with its stream metadata.
type FrameRecord struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Frame       Frame
}

// TimelineEntry is either an event or a frame, ordered for deterministic playback.
type TimelineEntry struct {
	Tick        uint64
	SimulatedMs int64
	Event       *Event
	Frame       *FrameRecord
}

// Bundle is a fully decoded episode recording.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Header   Header
	Events   []Event
	Frames   []FrameRecord
}

// OpenBundle decodes the manifest, header, events and frames under dir.
func OpenBundle(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	manifest, err := readManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	header, err := ReadHeader(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, err
	}
	events, err := readEvents(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	frames, err := readFrames(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Manifest: manifest, Header: header, Events: events, Frames: frames}, nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.EventsPath == "" || manifest.FramesPath == "" {
		return Manifest{}, fmt.Errorf("manifest %s is missing artefact paths", path)
	}
	return manifest, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event captured_at: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(record.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		events = append(events, Event{
			Tick:        record.Tick,
			SimulatedMs: record.SimulatedMs,
			CapturedAt:  captured,
			Type:        record.Type,
			Payload:     payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func readFrames(path string) ([]FrameRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []FrameRecord
	header := make([]byte, frameHeaderSize)
	for {
		//1.- A clean EOF is only valid on a frame boundary.
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("read frame %d header: %w", len(frames), err)
		}
		size := binary.LittleEndian.Uint32(header[24:28])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame %d payload: %w", len(frames), err)
		}
		var frame Frame
		if err := frame.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(frames), err)
		}
		frames = append(frames, FrameRecord{
			Tick:        binary.LittleEndian.Uint64(header[0:8]),
			SimulatedMs: int64(binary.LittleEndian.Uint64(header[8:16])),
			CapturedAt:  time.Unix(0, int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
			Frame:       frame,
		})
	}
}

// EventsOfType returns the events whose type matches.
func (b *Bundle) EventsOfType(eventType string) []Event {
	var out []Event
	for _, ev := range b.Events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Timeline merges events and frames by simulated time, then tick, with
// events ahead of frames on ties.
func (b *Bundle) Timeline() []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(b.Events)+len(b.Frames))
	for i := range b.Events {
		ev := &b.Events[i]
		entries = append(entries, TimelineEntry{Tick: ev.Tick, SimulatedMs: ev.SimulatedMs, Event: ev})
	}
	for i := range b.Frames {
		fr := &b.Frames[i]
		entries = append(entries, TimelineEntry{Tick: fr.Tick, SimulatedMs: fr.SimulatedMs, Frame: fr})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SimulatedMs != entries[j].SimulatedMs {
			return entries[i].SimulatedMs < entries[j].SimulatedMs
		}
		if entries[i].Tick != entries[j].Tick {
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].Event != nil && entries[j].Event == nil
	})
	return entries
}

// Replay invokes apply for every timeline entry, stopping at the first error.
func (b *Bundle) Replay(apply func(TimelineEntry) error) error {
	if b == nil {
		return fmt.Errorf("bundle not loaded")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range b.Timeline() {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}
