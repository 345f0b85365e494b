package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/enumerate"
	"github.com/paulschiretz/pgl-snapback/pkg/hashing"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/preflight"
	"github.com/paulschiretz/pgl-snapback/pkg/replicate"
	"github.com/paulschiretz/pgl-snapback/pkg/retention"
	"github.com/paulschiretz/pgl-snapback/pkg/retrier"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
	"github.com/paulschiretz/pgl-snapback/pkg/staging"
)

var day1 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.Local)

type testEnv struct {
	src       string
	backupDir string
	plan      *planner.BackupPlan
	runner    *Runner
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	backupDir := filepath.Join(root, "backup")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	sourceList := filepath.Join(root, "sources.txt")
	if err := os.WriteFile(sourceList, []byte(src+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	retry := retrier.Policy{Attempts: 2, Delay: time.Millisecond}
	env := &testEnv{
		src:       src,
		backupDir: backupDir,
		now:       day1,
		plan: &planner.BackupPlan{
			SourceList:              sourceList,
			UserName:                "tester",
			BackupDir:               backupDir,
			HistoryPath:             filepath.Join(backupDir, changestore.HistoryFileName("testhost")),
			FullIntervalDays:        7,
			IncrementalIntervalDays: 1,
			Preflight: &preflight.Plan{
				SourceListReadable: true,
				TargetAccessible:   true,
				TargetWriteable:    true,
				EnsureTargetExists: true,
			},
			Snapshot:  &snapshot.Plan{LinkDir: filepath.Join(root, "links"), Retry: retry},
			Hashing:   &hashing.Plan{Workers: 2, BufferSize: 4096},
			Staging:   &staging.Plan{Workers: 2, BufferSize: 4096},
			Archive:   &archiver.Plan{CompressedFormat: archiver.TarLz4, StoredThreshold: 1 << 30, CPUs: 2, BufferSize: 4096, Retry: retry},
			Retention: &retention.Plan{KeepFull: 2, KeepIncremental: 6, Workers: 1},
			Replicate: &replicate.Plan{Enabled: false},
		},
	}
	env.runner = NewRunner(snapshot.PassthroughProvider{}, nil)
	env.runner.now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.src, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) historyCounts(t *testing.T) map[string]int {
	t.Helper()
	if _, err := os.Stat(e.plan.HistoryPath); os.IsNotExist(err) {
		return map[string]int{}
	}
	h, err := changestore.OpenHistory(e.plan.HistoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	counts, err := h.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return counts
}

func (e *testEnv) archives(t *testing.T) []archiver.Info {
	t.Helper()
	infos, err := archiver.ListArchives(e.backupDir)
	if err != nil {
		t.Fatal(err)
	}
	return infos
}

func (e *testEnv) assertNoStaging(t *testing.T) {
	t.Helper()
	entries, _ := os.ReadDir(e.backupDir)
	for _, entry := range entries {
		if entry.IsDir() && (strings.HasPrefix(entry.Name(), "Full-") || strings.HasPrefix(entry.Name(), "Incremental-")) {
			t.Errorf("staging directory %s left behind", entry.Name())
		}
	}
}

func extractCount(t *testing.T, path string) (int, string) {
	t.Helper()
	target := t.TempDir()
	stats, err := archiver.Extract(context.Background(), path, target)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return stats.Entries, target
}

func TestExecuteBackup_FirstRunIsFull(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	env.write(t, "docs/b.txt", "bravo")
	env.write(t, "docs/deep/c.txt", "charlie")

	// Act
	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	if err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}
	infos := env.archives(t)
	if len(infos) != 1 || infos[0].Kind != archiver.Full || infos[0].DateKey() != "20260302" {
		t.Fatalf("expected one full archive for 20260302, got %+v", infos)
	}
	entries, target := extractCount(t, filepath.Join(env.backupDir, infos[0].Name))
	if entries != 3 {
		t.Errorf("expected 3 archive entries, got %d", entries)
	}
	if got := env.historyCounts(t)["20260302"]; got != 3 {
		t.Errorf("expected 3 history rows dated today, got %d", got)
	}
	env.assertNoStaging(t)

	// Every extracted file matches its source.
	found := 0
	filepath.WalkDir(target, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, _ := os.ReadFile(p)
		switch filepath.Base(p) {
		case "a.txt":
			found++
			if string(data) != "alpha" {
				t.Errorf("a.txt content %q", data)
			}
		case "c.txt":
			found++
			if string(data) != "charlie" {
				t.Errorf("c.txt content %q", data)
			}
		}
		return nil
	})
	if found != 2 {
		t.Errorf("expected to find a.txt and c.txt in the extracted tree, found %d", found)
	}
}

func TestExecuteBackup_IncrementalSelectsOnlyChanges(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("initial full failed: %v", err)
	}
	env.write(t, "b.txt", "bravo")
	env.now = day1.AddDate(0, 0, 1)

	// Act
	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	if err != nil {
		t.Fatalf("incremental failed: %v", err)
	}
	infos := env.archives(t)
	if len(infos) != 2 || infos[0].Kind != archiver.Incremental {
		t.Fatalf("expected a new incremental archive, got %+v", infos)
	}
	entries, _ := extractCount(t, filepath.Join(env.backupDir, infos[0].Name))
	if entries != 1 {
		t.Errorf("expected only the new file in the incremental, got %d entries", entries)
	}
	if got := env.historyCounts(t)["20260303"]; got != 1 {
		t.Errorf("expected 1 history row for the incremental, got %d", got)
	}
}

func TestExecuteBackup_IncrementalKeepsNewCopyOfArchivedFile(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("initial full failed: %v", err)
	}
	env.write(t, "copy/a.txt", "alpha")
	copied := day1.Add(26 * time.Hour)
	if err := os.Chtimes(filepath.Join(env.src, "copy", "a.txt"), copied, copied); err != nil {
		t.Fatal(err)
	}
	env.now = day1.AddDate(0, 0, 1)

	// Act
	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	if err != nil {
		t.Fatalf("incremental failed: %v", err)
	}
	infos := env.archives(t)
	if len(infos) != 2 || infos[0].Kind != archiver.Incremental {
		t.Fatalf("expected a new incremental archive, got %+v", infos)
	}
	_, target := extractCount(t, filepath.Join(env.backupDir, infos[0].Name))
	var restored []string
	filepath.WalkDir(target, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			restored = append(restored, filepath.ToSlash(p))
		}
		return err
	})
	hasCopy := false
	for _, p := range restored {
		if strings.HasSuffix(p, "copy/a.txt") {
			hasCopy = true
		}
	}
	if !hasCopy {
		t.Errorf("expected copy/a.txt in the incremental, got %v", restored)
	}
	if got := env.historyCounts(t)["20260303"]; got != 2 {
		t.Errorf("expected rows for both paths of the content, got %d", got)
	}

	// The copy is now in history, so the next run has nothing to do.
	env.now = day1.AddDate(0, 0, 2)
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); !errors.Is(err, ErrNoChanges) {
		t.Errorf("expected ErrNoChanges once the copy is archived, got %v", err)
	}
}

func TestExecuteBackup_RemovesStagingOfCrashedRun(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	leftover := filepath.Join(env.backupDir, "Incremental-20260227", "20260227", "C")
	if err := os.MkdirAll(leftover, 0755); err != nil {
		t.Fatal(err)
	}

	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}

	env.assertNoStaging(t)
}

func TestExecuteBackup_HeldLockIsAHint(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := os.MkdirAll(env.backupDir, 0755); err != nil {
		t.Fatal(err)
	}
	lock, err := lockfile.Acquire(context.Background(), env.backupDir, "other")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	// Act
	err = env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	var held *lockfile.HeldError
	if !hints.IsHint(err) || !errors.As(err, &held) {
		t.Fatalf("expected a hint wrapping *HeldError, got %v", err)
	}
	if !strings.HasPrefix(hints.Reason(err), "backup skipped") {
		t.Errorf("unexpected reason %q", hints.Reason(err))
	}
	if len(env.archives(t)) != 0 {
		t.Error("expected no archive while another run holds the lock")
	}
}

func TestExecuteBackup_UnchangedTreeHasNoChanges(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("initial full failed: %v", err)
	}
	env.now = day1.AddDate(0, 0, 1)

	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	if !errors.Is(err, ErrNoChanges) || !hints.IsHint(err) {
		t.Fatalf("expected ErrNoChanges hint, got %v", err)
	}
	if len(env.archives(t)) != 1 {
		t.Errorf("expected no new archive, got %+v", env.archives(t))
	}
}

func TestExecuteBackup_SkipWhenNothingDue(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("initial full failed: %v", err)
	}

	t.Run("Same day as the full", func(t *testing.T) {
		env.write(t, "new.txt", "new")
		err := env.runner.ExecuteBackup(context.Background(), env.plan)
		if !errors.Is(err, ErrNothingDue) {
			t.Fatalf("expected ErrNothingDue, got %v", err)
		}
	})

	t.Run("Incremental interval not reached", func(t *testing.T) {
		env.plan.IncrementalIntervalDays = 3
		env.now = day1.AddDate(0, 0, 1)
		if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
			t.Fatalf("incremental failed: %v", err)
		}
		env.now = day1.AddDate(0, 0, 2)
		err := env.runner.ExecuteBackup(context.Background(), env.plan)
		if !errors.Is(err, ErrNothingDue) {
			t.Fatalf("expected ErrNothingDue, got %v", err)
		}
	})
}

func TestExecuteBackup_InsufficientSpace(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	var required int64
	env.runner.checkSpace = func(path string, req int64) error {
		required = req
		return &preflight.InsufficientSpaceError{Path: path, Required: req, Available: req - 1}
	}

	// Act
	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
	var ise *preflight.InsufficientSpaceError
	if !errors.As(err, &ise) {
		t.Errorf("expected wrapped *InsufficientSpaceError, got %T", err)
	}
	if required != 5 {
		t.Errorf("expected the selected size to be checked, got %d", required)
	}
	if len(env.archives(t)) != 0 {
		t.Errorf("expected no archive, got %+v", env.archives(t))
	}
	env.assertNoStaging(t)
	if len(env.historyCounts(t)) != 0 {
		t.Error("expected empty history")
	}
}

type failingArchiver struct{ calls int }

func (f *failingArchiver) Archive(ctx context.Context, p *archiver.Plan, req archiver.Request) (*archiver.Result, error) {
	f.calls++
	return nil, fmt.Errorf("%w: entry count mismatch", archiver.ErrValidation)
}

func TestExecuteBackup_ValidationFailureCommitsNothing(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	fa := &failingArchiver{}
	env.runner.archiver = fa

	// Act
	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	// Assert
	if !errors.Is(err, archiver.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if hints.IsHint(err) {
		t.Error("validation failure must not be a hint")
	}
	if fa.calls != 1 {
		t.Errorf("expected one archive call, got %d", fa.calls)
	}
	if len(env.historyCounts(t)) != 0 {
		t.Errorf("expected no history rows, got %v", env.historyCounts(t))
	}
	if len(env.archives(t)) != 0 {
		t.Errorf("expected no archive, got %+v", env.archives(t))
	}
	env.assertNoStaging(t)
}

func TestExecuteBackup_EmptySourceList(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.plan.SourceList, []byte("# nothing\n\n"), 0644); err != nil {
		t.Fatal(err)
	}

	err := env.runner.ExecuteBackup(context.Background(), env.plan)

	if !errors.Is(err, enumerate.ErrEmptySourceList) {
		t.Fatalf("expected ErrEmptySourceList, got %v", err)
	}
}

func TestExecuteBackup_DryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := os.MkdirAll(env.backupDir, 0755); err != nil {
		t.Fatal(err)
	}
	env.plan.DryRun = true
	env.plan.Preflight.DryRun = true

	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if len(env.archives(t)) != 0 {
		t.Error("dry run produced an archive")
	}
	if _, err := os.Stat(env.plan.HistoryPath); !os.IsNotExist(err) {
		t.Error("dry run created the history store")
	}
	env.assertNoStaging(t)
}

func TestExecuteBackup_WritesMetricsTextfile(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	env.plan.MetricsTextfile = filepath.Join(t.TempDir(), "snapback.prom")

	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}

	data, err := os.ReadFile(env.plan.MetricsTextfile)
	if err != nil {
		t.Fatalf("metrics textfile missing: %v", err)
	}
	if !strings.Contains(string(data), `outcome="full"`) {
		t.Errorf("expected full outcome in metrics, got:\n%s", data)
	}
}

func TestExecutePruneAndList(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	env.plan.FullIntervalDays = 1
	for i := range 3 {
		env.now = day1.AddDate(0, 0, i)
		env.write(t, fmt.Sprintf("f%d.txt", i), "v")
		if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	// The backup run itself keeps two fulls.
	if n := len(env.archives(t)); n != 2 {
		t.Fatalf("expected 2 archives after retention, got %d", n)
	}

	prunePlan := &planner.PrunePlan{
		BackupDir:   env.backupDir,
		HistoryPath: env.plan.HistoryPath,
		Preflight:   &preflight.Plan{TargetAccessible: true},
		Retention:   &retention.Plan{KeepFull: 1, KeepIncremental: 0, Workers: 1},
	}

	// Act
	if err := env.runner.ExecutePrune(context.Background(), prunePlan); err != nil {
		t.Fatalf("ExecutePrune failed: %v", err)
	}
	listing, err := env.runner.List(context.Background(), env.plan)

	// Assert
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing.Archives) != 1 || listing.Archives[0].DateKey() != "20260304" {
		t.Fatalf("expected only the newest full to remain, got %+v", listing.Archives)
	}
	if listing.Archives[0].HistoryRows == 0 || listing.Archives[0].Size == 0 {
		t.Errorf("expected history rows and size for the kept archive, got %+v", listing.Archives[0])
	}
	if len(listing.OrphanDates) != 0 {
		t.Errorf("expected pruned dates to leave no history, got %v", listing.OrphanDates)
	}
}

func TestExecuteRestore(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}
	archivePath := filepath.Join(env.backupDir, env.archives(t)[0].Name)

	t.Run("Restores into an empty target", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "restore")
		if err := env.runner.ExecuteRestore(context.Background(), archivePath, target); err != nil {
			t.Fatalf("ExecuteRestore failed: %v", err)
		}
	})

	t.Run("Refuses a non-empty target", func(t *testing.T) {
		target := t.TempDir()
		os.WriteFile(filepath.Join(target, "keep.txt"), []byte("x"), 0644)
		if err := env.runner.ExecuteRestore(context.Background(), archivePath, target); err == nil {
			t.Fatal("expected error for non-empty target")
		}
	})
}

func TestExecuteReplicate_Disabled(t *testing.T) {
	env := newTestEnv(t)
	err := env.runner.ExecuteReplicate(context.Background(), env.plan)
	if !errors.Is(err, replicate.ErrDisabled) || !hints.IsHint(err) {
		t.Fatalf("expected disabled hint, got %v", err)
	}
}

func TestExecuteReplicate_DirectorySink(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "alpha")
	if err := env.runner.ExecuteBackup(context.Background(), env.plan); err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}
	dest := t.TempDir()
	env.runner.replicator = replicate.NewReplicator(&replicate.DirSink{Dir: dest})
	env.plan.Replicate = &replicate.Plan{Enabled: true, MaxConcurrent: 2, Retry: retrier.Policy{Attempts: 1, Delay: time.Millisecond}}

	if err := env.runner.ExecuteReplicate(context.Background(), env.plan); err != nil {
		t.Fatalf("ExecuteReplicate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, env.archives(t)[0].Name)); err != nil {
		t.Errorf("archive not replicated: %v", err)
	}
}

func TestCleanupStack(t *testing.T) {
	var order []string
	var s cleanupStack
	s.push("first", func() { order = append(order, "first") })
	runSecond := s.push("second", func() { order = append(order, "second") })
	s.push("third", func() { order = append(order, "third") })

	runSecond()
	s.unwind()
	s.unwind()

	want := "second,third,first"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("cleanup order = %s, want %s", got, want)
	}
}
