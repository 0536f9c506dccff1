package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestTree(t *testing.T) string {
	dir := t.TempDir()
	files := map[string]string{
		"docs/will.txt":       "the will",
		"docs/deeds/barn.txt": "the barn deed",
		"readme.txt":          "read me first",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestCollectSources(t *testing.T) {
	dir := writeTestTree(t)

	sources, err := CollectSources([]string{filepath.Join(dir, "docs"), filepath.Join(dir, "readme.txt")})
	if err != nil {
		t.Fatalf("CollectSources failed: %v", err)
	}

	want := []string{"docs/deeds/barn.txt", "docs/will.txt", "readme.txt"}
	if len(sources) != len(want) {
		t.Fatalf("CollectSources returned %d sources, want %d", len(sources), len(want))
	}
	for i, name := range want {
		if sources[i].Name != name {
			t.Errorf("sources[%d].Name = %q, want %q", i, sources[i].Name, name)
		}
	}

	if _, err := CollectSources([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Missing path accepted")
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dir := writeTestTree(t)
	sources, err := CollectSources([]string{dir})
	if err != nil {
		t.Fatalf("CollectSources failed: %v", err)
	}

	var buf bytes.Buffer
	packed, err := Pack(context.Background(), &buf, sources, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if len(packed) != 3 {
		t.Fatalf("Packed %d entries, want 3", len(packed))
	}

	dest := t.TempDir()
	extracted, err := Unpack(context.Background(), &buf, dest, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(extracted) != len(packed) {
		t.Fatalf("Extracted %d entries, want %d", len(extracted), len(packed))
	}

	byName := make(map[string]Entry, len(packed))
	for _, e := range packed {
		byName[e.Name] = e
	}
	for _, e := range extracted {
		p, ok := byName[e.Name]
		if !ok {
			t.Errorf("Extracted unexpected entry %q", e.Name)
			continue
		}
		if e.Size != p.Size || e.SHA256 != p.SHA256 {
			t.Errorf("Entry %q changed in transit: %+v vs %+v", e.Name, e, p)
		}

		content, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(e.Name)))
		if err != nil {
			t.Errorf("Failed to read extracted %s: %v", e.Name, err)
			continue
		}
		if int64(len(content)) != e.Size {
			t.Errorf("Extracted %s has %d bytes, want %d", e.Name, len(content), e.Size)
		}
	}
}

func TestPackProgress(t *testing.T) {
	dir := writeTestTree(t)
	sources, err := CollectSources([]string{dir})
	if err != nil {
		t.Fatalf("CollectSources failed: %v", err)
	}

	var calls, lastCurrent, lastTotal int
	var buf bytes.Buffer
	_, err = Pack(context.Background(), &buf, sources, func(name string, current, total int) {
		calls++
		lastCurrent, lastTotal = current, total
	})
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if calls != 3 || lastCurrent != 3 || lastTotal != 3 {
		t.Errorf("Progress: calls=%d last=%d/%d, want 3 calls ending 3/3", calls, lastCurrent, lastTotal)
	}
}

func TestPackEmptySources(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Pack(context.Background(), &buf, nil, nil); err == nil {
		t.Error("Packing nothing accepted")
	}
}

func TestPackCancelled(t *testing.T) {
	dir := writeTestTree(t)
	sources, err := CollectSources([]string{dir})
	if err != nil {
		t.Fatalf("CollectSources failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if _, err := Pack(ctx, &buf, sources, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Pack with cancelled context = %v, want context.Canceled", err)
	}
}

func TestUnpackRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/abs.txt", "a/../../evil.txt"} {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		content := []byte("payload")
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0600, Size: int64(len(content))}); err != nil {
			t.Fatalf("WriteHeader failed: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		tw.Close()
		gz.Close()

		if _, err := Unpack(context.Background(), &buf, t.TempDir(), nil); err == nil {
			t.Errorf("Entry name %q accepted", name)
		}
	}
}

func TestUnpackSkipsNonRegularEntries(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "subdir/", Typeflag: tar.TypeDir, Mode: 0700}); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	content := []byte("kept")
	if err := tw.WriteHeader(&tar.Header{Name: "subdir/kept.txt", Mode: 0600, Size: int64(len(content))}); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	tw.Close()
	gz.Close()

	entries, err := Unpack(context.Background(), &buf, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "subdir/kept.txt" {
		t.Errorf("Entries = %+v, want just subdir/kept.txt", entries)
	}
}

func TestUnpackGarbage(t *testing.T) {
	if _, err := Unpack(context.Background(), bytes.NewReader([]byte("not a gzip stream")), t.TempDir(), nil); err == nil {
		t.Error("Garbage input accepted")
	}
}

func TestValidateEntryName(t *testing.T) {
	for _, name := range []string{"a.txt", "dir/a.txt", "dir/sub/a.txt", "..dots/a.txt"} {
		if err := validateEntryName(name); err != nil {
			t.Errorf("Safe name %q rejected: %v", name, err)
		}
	}
	for _, name := range []string{"", "/a.txt", "../a.txt", "dir/../../a.txt"} {
		if err := validateEntryName(name); err == nil {
			t.Errorf("Unsafe name %q accepted", name)
		}
	}
}
