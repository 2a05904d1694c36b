package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jordan16ellis/fw-coll-env/internal/replay"
)

// Entry captures an episode header alongside its resolved bundle paths.
type Entry struct {
	HeaderPath   string        `json:"header_path"`
	BundleDir    string        `json:"bundle_dir"`
	ManifestPath string        `json:"manifest_path"`
	Filtered     bool          `json:"filtered"`
	Header       replay.Header `json:"header"`
}

// Query narrows a listing. Zero values match everything.
type Query struct {
	GridFingerprint string
	FilteredOnly    bool
	UnfilteredOnly  bool
}

// Match reports whether the entry satisfies the query.
func (q Query) Match(e Entry) bool {
	if q.GridFingerprint != "" && !strings.EqualFold(q.GridFingerprint, e.Header.GridFingerprint) {
		return false
	}
	if q.FilteredOnly && !e.Filtered {
		return false
	}
	if q.UnfilteredOnly && e.Filtered {
		return false
	}
	return true
}

// List walks the directory tree and returns parsed episode headers.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree searching for bundle headers.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != replay.HeaderFile {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)
		manifestPath := header.FilePointer
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(dir, manifestPath)
		}
		entries = append(entries, Entry{
			HeaderPath:   path,
			BundleDir:    dir,
			ManifestPath: manifestPath,
			Filtered:     header.Filtered(),
			Header:       header,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	//2.- Order by seed so sibling episodes of one batch sit together.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.Seed != entries[j].Header.Seed {
			return entries[i].Header.Seed < entries[j].Header.Seed
		}
		return entries[i].BundleDir < entries[j].BundleDir
	})
	return entries, nil
}

// Filter keeps the entries matching q.
func Filter(entries []Entry, q Query) []Entry {
	var out []Entry
	for _, e := range entries {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	//1.- Marshal with indentation to keep CLI output legible for operators.
	return json.MarshalIndent(entries, "", "  ")
}
