package replay

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jordan16ellis/fw-coll-env/internal/logging"
)

func TestCleanerEnforcesMaxEpisodes(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	//1.- Seed three synthetic bundles so the cleaner has something to prune.
	writeBundle(t, tmp, "alpha-20240715T090000Z", now.Add(-3*time.Hour), 64)
	writeBundle(t, tmp, "bravo-20240715T100000Z", now.Add(-2*time.Hour), 32)
	writeBundle(t, tmp, "charlie-20240715T110000Z", now.Add(-time.Hour), 48)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxEpisodes: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listEntries(t, tmp)
	if len(remaining) != 2 || remaining[0] != "bravo-20240715T100000Z" || remaining[1] != "charlie-20240715T110000Z" {
		t.Fatalf("unexpected retained bundles: %v", remaining)
	}
	stats := cleaner.Stats()
	if stats.Episodes != 2 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	manifest := int64(len(`{}`))
	if stats.Bytes != 48+32+2*manifest {
		t.Fatalf("unexpected byte total %d", stats.Bytes)
	}
	if !stats.LastSweep.Equal(now) {
		t.Fatalf("expected last sweep timestamp to be recorded")
	}
}

func TestCleanerPrunesByAgeAndIgnoresStrays(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeBundle(t, tmp, "delta-20240714T080000Z", now.Add(-72*time.Hour), 3)
	writeBundle(t, tmp, "echo-20240716T070000Z", now.Add(-time.Hour), 5)
	//1.- Loose files and directories without a manifest are not bundles.
	stray := filepath.Join(tmp, "notes.txt")
	if err := os.WriteFile(stray, []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tmp, "scratch"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 36 * time.Hour, MaxEpisodes: 5}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listEntries(t, tmp)
	want := []string{"echo-20240716T070000Z", "notes.txt", "scratch"}
	if len(remaining) != len(want) {
		t.Fatalf("unexpected entries %v", remaining)
	}
	for i := range want {
		if remaining[i] != want[i] {
			t.Fatalf("unexpected entries %v", remaining)
		}
	}
}

func writeBundle(t *testing.T, dir, name string, mod time.Time, payload int) {
	t.Helper()
	bundle := filepath.Join(dir, name)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := map[string][]byte{
		ManifestFile: []byte(`{}`),
		FramesFile:   make([]byte, payload),
	}
	for file, data := range files {
		path := filepath.Join(bundle, file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", file, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes %s: %v", file, err)
		}
	}
	if err := os.Chtimes(bundle, mod, mod); err != nil {
		t.Fatalf("Chtimes dir: %v", err)
	}
}

func listEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}
