package replaycatalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jordan16ellis/fw-coll-env/internal/replay"
)

func writeHeader(t *testing.T, root, name string, meta replay.Metadata) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := replay.WriteHeader(filepath.Join(dir, replay.HeaderFile), meta.Header()); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	return dir
}

func TestListCollectsHeaders(t *testing.T) {
	root := t.TempDir()
	filterSpec := json.RawMessage(`{"kind":"turn"}`)
	bravo := writeHeader(t, root, "bravo", replay.Metadata{EpisodeID: "bravo", Seed: 9, GridFingerprint: 0xab, Filter: filterSpec})
	alpha := writeHeader(t, root, filepath.Join("nested", "alpha"), replay.Metadata{EpisodeID: "alpha", Seed: 2, GridFingerprint: 0xcd})
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].BundleDir != alpha || entries[1].BundleDir != bravo {
		t.Fatalf("expected seed ordering alpha, bravo; got %s, %s", entries[0].BundleDir, entries[1].BundleDir)
	}
	if entries[0].ManifestPath != filepath.Join(alpha, replay.ManifestFile) {
		t.Fatalf("unexpected manifest path: %q", entries[0].ManifestPath)
	}
	if entries[0].Filtered || !entries[1].Filtered {
		t.Fatalf("unexpected filtered flags: %v %v", entries[0].Filtered, entries[1].Filtered)
	}

	filtered := Filter(entries, Query{FilteredOnly: true})
	if len(filtered) != 1 || filtered[0].Header.EpisodeID != "bravo" {
		t.Fatalf("unexpected filtered listing: %+v", filtered)
	}
	byGrid := Filter(entries, Query{GridFingerprint: "00000000000000CD"})
	if len(byGrid) != 1 || byGrid[0].Header.EpisodeID != "alpha" {
		t.Fatalf("unexpected fingerprint listing: %+v", byGrid)
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListRejectsMissingRoot(t *testing.T) {
	if _, err := List(""); err == nil {
		t.Fatal("expected empty root to be rejected")
	}
	if _, err := List(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected missing root to be rejected")
	}
}
