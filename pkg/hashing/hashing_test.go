package hashing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/enumerate"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
)

func candidates(t *testing.T, contents map[string]string, order []string) []enumerate.CandidateFile {
	t.Helper()
	dir := t.TempDir()
	vol := snapshot.Volume{ID: dir, Label: "C"}
	var files []enumerate.CandidateFile
	for i, name := range order {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(contents[name]), 0644); err != nil {
			t.Fatal(err)
		}
		files = append(files, enumerate.CandidateFile{
			Volume:  vol,
			AbsPath: p,
			RelPath: name,
			ModTime: time.Unix(1700000000, 0),
			Size:    int64(len(contents[name])),
			Order:   i,
		})
	}
	return files
}

func TestHashFile(t *testing.T) {
	// xxh64 of the empty input with seed 0.
	sum, n, err := HashFile(bytes.NewReader(nil), make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	if sum != "ef46db3751d8e999" || n != 0 {
		t.Errorf("unexpected hash of empty input: %s (%d bytes)", sum, n)
	}
	if len(sum) != 16 {
		t.Errorf("expected 16 hex digits, got %q", sum)
	}
}

func TestHasher_Hash(t *testing.T) {
	contents := map[string]string{
		"a.txt":      "alpha",
		"b.txt":      "bravo",
		"copy-a.txt": "alpha",
		"c.txt":      "charlie",
	}
	order := []string{"a.txt", "b.txt", "copy-a.txt", "c.txt"}

	t.Run("hashes and dedups by content", func(t *testing.T) {
		// Arrange
		files := candidates(t, contents, order)

		// Act
		res, err := NewHasher().Hash(context.Background(), &Plan{Workers: 3, BufferSize: 4}, files)

		// Assert
		if err != nil {
			t.Fatalf("Hash failed: %v", err)
		}
		if res.Hashed != 4 || res.Failed != 0 {
			t.Errorf("expected 4 hashed, 0 failed, got %d/%d", res.Hashed, res.Failed)
		}
		if res.Duplicates != 1 {
			t.Errorf("expected 1 duplicate, got %d", res.Duplicates)
		}
		if res.Tracker.Len() != 3 {
			t.Fatalf("expected 3 distinct hashes, got %d", res.Tracker.Len())
		}
		recs := res.Tracker.Records()
		if recs[0].RelPath != "a.txt" {
			t.Errorf("expected a.txt to represent its hash, got %s", recs[0].RelPath)
		}
		if len(recs[0].Aliases) != 1 || recs[0].Aliases[0].RelPath != "copy-a.txt" {
			t.Errorf("expected copy-a.txt as alias, got %+v", recs[0].Aliases)
		}
		if recs[0].Drive != "C" {
			t.Errorf("expected drive label C, got %s", recs[0].Drive)
		}
	})

	t.Run("unreadable file is excluded, not fatal", func(t *testing.T) {
		files := candidates(t, contents, order)
		h := NewHasher()
		h.open = func(name string) (io.ReadCloser, error) {
			if strings.HasSuffix(name, "b.txt") {
				return nil, errors.New("permission denied")
			}
			return os.Open(name)
		}

		res, err := h.Hash(context.Background(), &Plan{Workers: 2, BufferSize: 1024, Metrics: true}, files)
		if err != nil {
			t.Fatalf("Hash failed: %v", err)
		}
		if res.Failed != 1 {
			t.Errorf("expected 1 failed file, got %d", res.Failed)
		}
		for _, r := range res.Tracker.Records() {
			if r.RelPath == "b.txt" {
				t.Error("expected b.txt to be excluded")
			}
		}
		hm, ok := res.Metrics.(*HashMetrics)
		if !ok {
			t.Fatalf("expected HashMetrics, got %T", res.Metrics)
		}
		if hm.FilesFailed.Load() != 1 || hm.FilesHashed.Load() != 3 {
			t.Errorf("unexpected metrics: hashed=%d failed=%d", hm.FilesHashed.Load(), hm.FilesFailed.Load())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		files := candidates(t, contents, order)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := NewHasher().Hash(ctx, &Plan{Workers: 1}, files); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
