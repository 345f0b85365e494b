// Package engine runs the commands end to end. The Runner owns the sequence of
// a backup and everything that must be undone on the way out; the stages
// themselves live in their own packages and are reached through the small
// interfaces below so tests can replace them.
package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/enumerate"
	"github.com/paulschiretz/pgl-snapback/pkg/hashing"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/preflight"
	"github.com/paulschiretz/pgl-snapback/pkg/replicate"
	"github.com/paulschiretz/pgl-snapback/pkg/retention"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
	"github.com/paulschiretz/pgl-snapback/pkg/staging"
)

var (
	// ErrNothingDue means neither a full nor an incremental backup is due today.
	ErrNothingDue = hints.New("no backup due today")
	// ErrNoChanges means the selection was empty; there is nothing to archive.
	ErrNoChanges = hints.New("no changed files since the last backup")
	// ErrInsufficientSpace wraps a *preflight.InsufficientSpaceError.
	ErrInsufficientSpace = errors.New("insufficient space for backup")
)

type validator interface {
	Run(ctx context.Context, absBackupDir, sourceList string, p *preflight.Plan) error
}

type snapshotter interface {
	Acquire(ctx context.Context, p *snapshot.Plan, vols []snapshot.Volume) (*snapshot.Set, error)
}

type hasher interface {
	Hash(ctx context.Context, p *hashing.Plan, files []enumerate.CandidateFile) (*hashing.Result, error)
}

type stager interface {
	Stage(ctx context.Context, p *staging.Plan, stagingRoot, date string, recs []*changestore.TrackerRecord) (*staging.Result, error)
}

type archiveWriter interface {
	Archive(ctx context.Context, p *archiver.Plan, req archiver.Request) (*archiver.Result, error)
}

type pruner interface {
	Prune(ctx context.Context, dir string, p *retention.Plan) (*retention.Result, error)
}

type replicator interface {
	Replicate(ctx context.Context, p *replicate.Plan, localDir string) (*replicate.Result, error)
}

// historyStore is the durable side of change detection.
type historyStore interface {
	LoadIndex(ctx context.Context) (changestore.Index, error)
	Commit(ctx context.Context, date string, keys []changestore.Key) error
	DeleteDate(ctx context.Context, date string) (int64, error)
	Counts(ctx context.Context) (map[string]int, error)
	Close() error
}

type Runner struct {
	validator  validator
	snapshots  snapshotter
	hasher     hasher
	stager     stager
	archiver   archiveWriter
	replicator replicator

	newPruner   func(h retention.HistoryPruner) pruner
	openHistory func(path string) (historyStore, error)
	checkSpace  func(path string, required int64) error
	now         func() time.Time
}

// NewRunner wires the production stages. sink may be nil when replication is
// disabled.
func NewRunner(provider snapshot.Provider, sink replicate.Sink) *Runner {
	return &Runner{
		validator:  preflight.NewValidator(),
		snapshots:  snapshot.NewOrchestrator(provider),
		hasher:     hashing.NewHasher(),
		stager:     staging.NewStager(),
		archiver:   archiver.NewArchiver(),
		replicator: replicate.NewReplicator(sink),

		newPruner: func(h retention.HistoryPruner) pruner { return retention.NewManager(h) },
		openHistory: func(path string) (historyStore, error) {
			h, err := changestore.OpenHistory(path)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		checkSpace: preflight.CheckFreeSpace,
		now:        time.Now,
	}
}

// openExistingHistory opens the history store only if its file exists. A nil
// store with a nil error means there is no history yet.
func (r *Runner) openExistingHistory(path string) (historyStore, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return r.openHistory(path)
}

// emptyHistory stands in for a store that does not exist yet during a dry run.
type emptyHistory struct{}

func (emptyHistory) LoadIndex(context.Context) (changestore.Index, error) {
	return changestore.Index{}, nil
}
func (emptyHistory) Commit(context.Context, string, []changestore.Key) error { return nil }
func (emptyHistory) DeleteDate(context.Context, string) (int64, error)       { return 0, nil }
func (emptyHistory) Counts(context.Context) (map[string]int, error)          { return nil, nil }
func (emptyHistory) Close() error                                            { return nil }
