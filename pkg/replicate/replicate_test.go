package replicate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/retrier"
)

func plan() *Plan {
	return &Plan{Enabled: true, MaxConcurrent: 2, Retry: retrier.Policy{Attempts: 2, Delay: time.Millisecond}}
}

func writeArchive(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), bytes.Repeat([]byte("z"), size), 0644); err != nil {
		t.Fatal(err)
	}
}

// flakySink wraps a DirSink and fails the first Put of every archive.
type flakySink struct {
	*DirSink
	puts atomic.Int32
}

func (f *flakySink) Put(ctx context.Context, localPath, name string) error {
	if f.puts.Add(1)%2 == 1 {
		return errors.New("connection reset by peer")
	}
	return f.DirSink.Put(ctx, localPath, name)
}

// corruptingSink flips the content of every stored archive but keeps its size.
type corruptingSink struct {
	*DirSink
}

func (c *corruptingSink) Put(ctx context.Context, localPath, name string) error {
	if err := c.DirSink.Put(ctx, localPath, name); err != nil {
		return err
	}
	dst := filepath.Join(c.Dir, name)
	info, err := os.Stat(dst)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, bytes.Repeat([]byte("?"), int(info.Size())), 0644); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func sameMtime(t *testing.T, from, to string) {
	t.Helper()
	info, err := os.Stat(from)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(to, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}
}

func TestReplicate(t *testing.T) {
	t.Run("copies missing and incomplete archives only", func(t *testing.T) {
		// Arrange
		local := t.TempDir()
		remote := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 100)
		writeArchive(t, local, "Incremental-20260102.zip", 50)
		writeArchive(t, local, "Incremental-20260103.tar.lz4", 70)
		writeArchive(t, local, "notes.txt", 5)
		writeArchive(t, remote, "Full-20260101.zip", 100)
		writeArchive(t, remote, "Incremental-20260102.zip", 20)
		sameMtime(t, filepath.Join(local, "Full-20260101.zip"), filepath.Join(remote, "Full-20260101.zip"))

		// Act
		res, err := NewReplicator(&DirSink{Dir: remote}).Replicate(context.Background(), plan(), local)

		// Assert
		if err != nil {
			t.Fatalf("Replicate failed: %v", err)
		}
		if len(res.Transferred) != 2 {
			t.Fatalf("expected 2 transfers, got %v", res.Transferred)
		}
		for name, size := range map[string]int64{"Incremental-20260102.zip": 50, "Incremental-20260103.tar.lz4": 70} {
			info, err := os.Stat(filepath.Join(remote, name))
			if err != nil || info.Size() != size {
				t.Errorf("%s: expected %d bytes at destination, got %v %v", name, size, info, err)
			}
		}
		if _, err := os.Stat(filepath.Join(remote, "notes.txt")); !os.IsNotExist(err) {
			t.Error("non-archive files must not be replicated")
		}

		again, err := NewReplicator(&DirSink{Dir: remote}).Replicate(context.Background(), plan(), local)
		if err != nil || len(again.Candidates) != 0 {
			t.Errorf("expected second run to be a no-op, got %v %v", again, err)
		}
	})

	t.Run("same size with another mtime is replaced", func(t *testing.T) {
		// Arrange
		local := t.TempDir()
		remote := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 10)
		if err := os.WriteFile(filepath.Join(remote, "Full-20260101.zip"), bytes.Repeat([]byte("q"), 10), 0644); err != nil {
			t.Fatal(err)
		}
		old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := os.Chtimes(filepath.Join(remote, "Full-20260101.zip"), old, old); err != nil {
			t.Fatal(err)
		}

		// Act
		res, err := NewReplicator(&DirSink{Dir: remote}).Replicate(context.Background(), plan(), local)

		// Assert
		if err != nil {
			t.Fatalf("Replicate failed: %v", err)
		}
		if len(res.Transferred) != 1 {
			t.Fatalf("expected the stale copy to be replaced, got %v", res.Transferred)
		}
		want, _ := os.ReadFile(filepath.Join(local, "Full-20260101.zip"))
		got, _ := os.ReadFile(filepath.Join(remote, "Full-20260101.zip"))
		if !bytes.Equal(want, got) {
			t.Error("expected destination bytes to match the local archive")
		}
	})

	t.Run("checksum mismatch after transfer fails", func(t *testing.T) {
		local := t.TempDir()
		remote := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 10)

		res, err := NewReplicator(&corruptingSink{DirSink: &DirSink{Dir: remote}}).Replicate(context.Background(), plan(), local)

		if err == nil {
			t.Fatal("expected corrupted transfer to fail")
		}
		if len(res.Failed) != 1 || len(res.Transferred) != 0 {
			t.Errorf("expected one failed transfer, got %+v", res)
		}
	})

	t.Run("retries transient failures", func(t *testing.T) {
		local := t.TempDir()
		remote := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 10)
		sink := &flakySink{DirSink: &DirSink{Dir: remote}}

		res, err := NewReplicator(sink).Replicate(context.Background(), plan(), local)
		if err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if len(res.Transferred) != 1 || sink.puts.Load() != 2 {
			t.Errorf("expected one transfer after two puts, got %v / %d", res.Transferred, sink.puts.Load())
		}
	})

	t.Run("zero archives", func(t *testing.T) {
		res, err := NewReplicator(&DirSink{Dir: t.TempDir()}).Replicate(context.Background(), plan(), t.TempDir())
		if err != nil || len(res.Transferred) != 0 {
			t.Errorf("expected nothing to do, got %v %v", res, err)
		}
	})

	t.Run("unreachable destination", func(t *testing.T) {
		local := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 10)
		_, err := NewReplicator(&DirSink{Dir: filepath.Join(t.TempDir(), "offline")}).Replicate(context.Background(), plan(), local)
		if !errors.Is(err, ErrUnreachable) {
			t.Errorf("expected ErrUnreachable, got %v", err)
		}
	})

	t.Run("disabled is a hint", func(t *testing.T) {
		p := plan()
		p.Enabled = false
		_, err := NewReplicator(&DirSink{Dir: t.TempDir()}).Replicate(context.Background(), p, t.TempDir())
		if !errors.Is(err, ErrDisabled) || !hints.IsHint(err) {
			t.Errorf("expected ErrDisabled hint, got %v", err)
		}
	})

	t.Run("dry run transfers nothing", func(t *testing.T) {
		local := t.TempDir()
		remote := t.TempDir()
		writeArchive(t, local, "Full-20260101.zip", 10)
		p := plan()
		p.DryRun = true

		res, err := NewReplicator(&DirSink{Dir: remote}).Replicate(context.Background(), p, local)
		if err != nil || len(res.Candidates) != 1 || len(res.Transferred) != 0 {
			t.Errorf("unexpected dry-run result %v %v", res, err)
		}
	})
}
