// Package snapshot takes point-in-time, read-only views of the volumes a
// backup reads from, and hands them out through stable link paths.
//
// Views are created all-or-nothing at the start of a run and released by the
// same run, whatever its outcome.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// ErrCreateExhausted is returned when a view could not be created within the retry bound.
var ErrCreateExhausted = errors.New("snapshot creation failed")

// LinkPrefix prefixes the stable link created for each view.
const LinkPrefix = "snapshot_"

// View is an acquired snapshot of one volume.
type View struct {
	Volume Volume
	Handle Handle
	// LinkPath is the stable path to the view, or empty when links are disabled.
	LinkPath string
}

// Root is the path downstream components read the view through.
func (v *View) Root() string {
	if v.LinkPath != "" {
		return v.LinkPath
	}
	return v.Handle.Path
}

// Set is the group of views acquired for one run.
type Set struct {
	provider Provider
	views    map[string]*View
	once     sync.Once
}

// View returns the view for the volume id.
func (s *Set) View(volumeID string) (*View, bool) {
	v, ok := s.views[volumeID]
	return v, ok
}

// Roots maps each volume id to the path its view is read through.
func (s *Set) Roots() map[string]string {
	roots := make(map[string]string, len(s.views))
	for id, v := range s.views {
		roots[id] = v.Root()
	}
	return roots
}

func (s *Set) Len() int { return len(s.views) }

// Release destroys every view and removes its link. Failures are logged, never
// returned. Calling Release more than once is a no-op.
func (s *Set) Release(ctx context.Context) {
	s.once.Do(func() {
		// Destroy must run even when the run was cancelled.
		ctx = context.WithoutCancel(ctx)
		ids := make([]string, 0, len(s.views))
		for id := range s.views {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			releaseView(ctx, s.provider, s.views[id])
		}
	})
}

func releaseView(ctx context.Context, p Provider, v *View) {
	if v.LinkPath != "" {
		if err := os.Remove(v.LinkPath); err != nil && !os.IsNotExist(err) {
			plog.Log(plog.Warning, "Failed to remove snapshot link", "link", v.LinkPath, "error", err)
		}
	}
	if err := p.Destroy(ctx, v.Volume, v.Handle); err != nil {
		plog.Log(plog.Warning, "Failed to destroy snapshot", "volume", v.Volume.ID, "handle", v.Handle.ID, "error", err)
		return
	}
	plog.Log(plog.Success, "Snapshot released", "volume", v.Volume.ID)
}

type Orchestrator struct {
	provider Provider
}

func NewOrchestrator(p Provider) *Orchestrator {
	return &Orchestrator{provider: p}
}

// Acquire creates one view per volume. If any volume fails after its retries,
// the views already created are released and ErrCreateExhausted is returned.
func (o *Orchestrator) Acquire(ctx context.Context, p *Plan, vols []Volume) (*Set, error) {
	set := &Set{provider: o.provider, views: make(map[string]*View, len(vols))}

	if p.LinkDir != "" {
		if err := os.MkdirAll(p.LinkDir, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create snapshot link directory %s: %w", p.LinkDir, err)
		}
	}

	for _, vol := range vols {
		if _, dup := set.views[vol.ID]; dup {
			continue
		}
		plog.Log(plog.Attempt, "Creating snapshot", "volume", vol.ID, "provider", o.provider.Name())

		var h Handle
		err := p.Retry.Do(ctx, "create snapshot of "+vol.ID, func() error {
			var err error
			h, err = o.provider.Create(ctx, vol)
			return err
		})
		if err != nil {
			plog.Log(plog.Failure, "Snapshot creation failed", "volume", vol.ID, "error", err)
			set.Release(ctx)
			return nil, fmt.Errorf("%w: %w", ErrCreateExhausted, err)
		}

		view := &View{Volume: vol, Handle: h}
		set.views[vol.ID] = view

		if p.LinkDir != "" {
			link, err := createLink(p.LinkDir, vol, h)
			if err != nil {
				plog.Log(plog.Failure, "Snapshot link creation failed", "volume", vol.ID, "error", err)
				set.Release(ctx)
				return nil, fmt.Errorf("%w: %w", ErrCreateExhausted, err)
			}
			view.LinkPath = link
		}
		plog.Log(plog.Success, "Snapshot created", "volume", vol.ID, "view", view.Root())
	}
	return set, nil
}

// createLink points <linkDir>/snapshot_<label> at the view, replacing a stale
// link left behind by an interrupted run.
func createLink(linkDir string, vol Volume, h Handle) (string, error) {
	link := filepath.Join(linkDir, LinkPrefix+vol.Label)
	if info, err := os.Lstat(link); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return "", fmt.Errorf("%s exists and is not a link", link)
		}
		if err := os.Remove(link); err != nil {
			return "", fmt.Errorf("failed to remove stale link %s: %w", link, err)
		}
	}
	if err := os.Symlink(h.Path, link); err != nil {
		return "", fmt.Errorf("failed to link %s to %s: %w", link, h.Path, err)
	}
	return link, nil
}
