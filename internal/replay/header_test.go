package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()
	header := Metadata{
		EpisodeID:       "0f7e",
		Seed:            99,
		GridFingerprint: 0x1234,
		Filter:          json.RawMessage(`{"kind":"straight"}`),
	}.Header()
	path := filepath.Join(dir, "nested", HeaderFile)
	if err := WriteHeader(path, header); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if loaded.SchemaVersion != HeaderSchemaVersion || loaded.EpisodeID != "0f7e" || loaded.Seed != 99 {
		t.Fatalf("unexpected header values: %+v", loaded)
	}
	if loaded.GridFingerprint != "0000000000001234" || string(loaded.Filter) != `{"kind":"straight"}` {
		t.Fatalf("unexpected fingerprint or filter: %+v", loaded)
	}
	if loaded.FilePointer != ManifestFile {
		t.Fatalf("unexpected file pointer: %q", loaded.FilePointer)
	}
}

func TestReadHeaderCompactsIndentedFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), HeaderFile)
	raw := "{\n  \"schema_version\": 1,\n  \"episode_id\": \"e1\",\n  \"file_pointer\": \"manifest.json\",\n" +
		"  \"filter\": {\n    \"kind\": \"turn\",\n    \"params\": {\n      \"dt\": 0.1\n    }\n  }\n}\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	loaded, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got := string(loaded.Filter); got != `{"kind":"turn","params":{"dt":0.1}}` {
		t.Fatalf("expected compact filter, got %q", got)
	}
	if !loaded.Filtered() {
		t.Fatalf("expected header to report a filter")
	}
}

func TestHeaderValidation(t *testing.T) {
	cases := map[string]Header{
		"schema":  {EpisodeID: "a", FilePointer: ManifestFile},
		"episode": {SchemaVersion: 1, FilePointer: ManifestFile},
		"pointer": {SchemaVersion: 1, EpisodeID: "a"},
	}
	for name, header := range cases {
		if err := WriteHeader(filepath.Join(t.TempDir(), HeaderFile), header); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if (Header{Filter: json.RawMessage("null")}).Filtered() {
		t.Fatalf("null filter should not count as filtered")
	}
}
