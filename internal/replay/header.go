package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 1

// HeaderFile is the name of the header document inside a bundle directory.
const HeaderFile = "header.json"

// Header identifies the episode recorded in a bundle and the filter that shaped it.
type Header struct {
	SchemaVersion   int             `json:"schema_version"`
	EpisodeID       string          `json:"episode_id"`
	Seed            uint64          `json:"seed"`
	GridFingerprint string          `json:"grid_fingerprint,omitempty"`
	Filter          json.RawMessage `json:"filter,omitempty"`
	FilePointer     string          `json:"file_pointer"`
}

// Metadata is the caller supplied part of a header.
type Metadata struct {
	EpisodeID       string
	Seed            uint64
	GridFingerprint uint64
	Filter          json.RawMessage
}

// Header expands metadata into a complete header document.
func (m Metadata) Header() Header {
	h := Header{
		SchemaVersion: HeaderSchemaVersion,
		EpisodeID:     m.EpisodeID,
		Seed:          m.Seed,
		FilePointer:   ManifestFile,
	}
	if m.GridFingerprint != 0 {
		h.GridFingerprint = fmt.Sprintf("%016x", m.GridFingerprint)
	}
	if len(m.Filter) > 0 {
		h.Filter = append(json.RawMessage(nil), m.Filter...)
	}
	return h
}

// Validate ensures the header contains enough information for catalogue tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.EpisodeID) == "" {
		return fmt.Errorf("episode_id must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// Filtered reports whether a safety filter was active for the episode.
func (h Header) Filtered() bool {
	return len(h.Filter) > 0 && string(h.Filter) != "null"
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	//1.- Terminate with a newline so POSIX tooling can append easily.
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a replay header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("decode header %s: %w", path, err)
	}
	//1.- MarshalIndent re-indents the embedded filter; hand it back compact.
	if len(header.Filter) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, header.Filter); err != nil {
			return Header{}, fmt.Errorf("decode header %s filter: %w", path, err)
		}
		header.Filter = json.RawMessage(compact.Bytes())
	}
	if err := header.Validate(); err != nil {
		return Header{}, fmt.Errorf("header %s: %w", path, err)
	}
	return header, nil
}
