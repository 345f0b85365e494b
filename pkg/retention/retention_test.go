package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
)

type mockHistory struct {
	deleted []string
	fail    bool
}

func (m *mockHistory) DeleteDate(_ context.Context, date string) (int64, error) {
	if m.fail {
		return 0, errors.New("database is locked")
	}
	m.deleted = append(m.deleted, date)
	return 3, nil
}

func info(t *testing.T, name string) archiver.Info {
	t.Helper()
	i, ok := archiver.ParseName(name)
	if !ok {
		t.Fatalf("bad archive name %s", name)
	}
	return i
}

func createArchives(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSelect(t *testing.T) {
	names := []string{
		"Full-20260101.zip", "Full-20260108.zip", "Full-20260115.tar.lz4",
		"Incremental-20260102.zip", "Incremental-20260103.zip", "Incremental-20260116.zip",
	}
	var infos []archiver.Info
	for _, n := range names {
		infos = append(infos, info(t, n))
	}

	testCases := []struct {
		name         string
		keepFull     int
		keepInc      int
		wantKept     []string
		wantRemovedN int
	}{
		{"keep most recent", 2, 1, []string{"Full-20260115.tar.lz4", "Full-20260108.zip", "Incremental-20260116.zip"}, 3},
		{"keep more than exist", 10, 10, names, 0},
		{"keep none", 0, 0, nil, 6},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			keep, remove := Select(infos, tc.keepFull, tc.keepInc)

			if len(keep) != min(tc.keepFull, 3)+min(tc.keepInc, 3) {
				t.Errorf("expected min(k,total) per kind, got %d kept", len(keep))
			}
			if len(remove) != tc.wantRemovedN {
				t.Errorf("expected %d removed, got %d", tc.wantRemovedN, len(remove))
			}
			var got []string
			for _, k := range keep {
				got = append(got, k.Name)
			}
			sort.Strings(got)
			want := append([]string(nil), tc.wantKept...)
			sort.Strings(want)
			if len(got) != len(want) {
				t.Fatalf("expected kept %v, got %v", want, got)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("expected kept %v, got %v", want, got)
					break
				}
			}
		})
	}
}

func TestPrune(t *testing.T) {
	t.Run("deletes archives and their history rows", func(t *testing.T) {
		// Arrange
		dir := t.TempDir()
		createArchives(t, dir,
			"Full-20260101.zip", "Full-20260108.zip",
			"Incremental-20260102.zip", "Incremental-20260109.zip", "Incremental-20260110.zip",
			"unrelated.txt")
		hist := &mockHistory{}

		// Act
		res, err := NewManager(hist).Prune(context.Background(), dir, &Plan{KeepFull: 1, KeepIncremental: 1, Workers: 2})

		// Assert
		if err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
		if len(res.Deleted) != 3 {
			t.Fatalf("expected 3 deleted, got %d", len(res.Deleted))
		}
		for _, gone := range []string{"Full-20260101.zip", "Incremental-20260102.zip", "Incremental-20260109.zip"} {
			if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
				t.Errorf("expected %s to be deleted", gone)
			}
		}
		for _, kept := range []string{"Full-20260108.zip", "Incremental-20260110.zip", "unrelated.txt"} {
			if _, err := os.Stat(filepath.Join(dir, kept)); err != nil {
				t.Errorf("expected %s to be kept", kept)
			}
		}
		sort.Strings(hist.deleted)
		if len(hist.deleted) != 3 || hist.deleted[0] != "20260101" {
			t.Errorf("unexpected history deletions: %v", hist.deleted)
		}
		if res.HistoryRows != 9 {
			t.Errorf("expected 9 history rows, got %d", res.HistoryRows)
		}
	})

	t.Run("history failure is not fatal", func(t *testing.T) {
		dir := t.TempDir()
		createArchives(t, dir, "Full-20260101.zip", "Full-20260108.zip")

		res, err := NewManager(&mockHistory{fail: true}).Prune(context.Background(), dir, &Plan{KeepFull: 1, Workers: 1})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(res.Deleted) != 1 {
			t.Errorf("expected the archive to be deleted anyway, got %d", len(res.Deleted))
		}
	})

	t.Run("shared date keeps history", func(t *testing.T) {
		dir := t.TempDir()
		createArchives(t, dir, "Full-20260105.zip", "Incremental-20260105.zip", "Incremental-20260106.zip")
		hist := &mockHistory{}

		_, err := NewManager(hist).Prune(context.Background(), dir, &Plan{KeepFull: 1, KeepIncremental: 1, Workers: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(hist.deleted) != 0 {
			t.Errorf("expected no history deletion for a date still held by a full archive, got %v", hist.deleted)
		}
	})

	t.Run("dry run deletes nothing", func(t *testing.T) {
		dir := t.TempDir()
		createArchives(t, dir, "Full-20260101.zip", "Full-20260108.zip")
		hist := &mockHistory{}

		res, err := NewManager(hist).Prune(context.Background(), dir, &Plan{KeepFull: 1, DryRun: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Deleted) != 1 || len(hist.deleted) != 0 {
			t.Errorf("unexpected dry-run result: %+v %v", res, hist.deleted)
		}
		if _, err := os.Stat(filepath.Join(dir, "Full-20260101.zip")); err != nil {
			t.Error("dry run must not delete")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		res, err := NewManager(nil).Prune(context.Background(), filepath.Join(t.TempDir(), "nope"), &Plan{})
		if err != nil || len(res.Deleted) != 0 {
			t.Errorf("expected empty prune, got %v %v", res, err)
		}
	})
}

