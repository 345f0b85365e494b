// Package enumerate turns the source list into the set of candidate files,
// read through the snapshot views rather than the live volumes.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Source is one entry of the source list, resolved to its volume.
type Source struct {
	Path   string
	Volume snapshot.Volume
	// Rel is Path relative to the volume root, slash-separated ("." for the root itself).
	Rel string
}

// CandidateFile is a regular file found inside a snapshot view.
type CandidateFile struct {
	Volume  snapshot.Volume
	AbsPath string // path inside the snapshot view
	RelPath string // slash-separated, relative to the volume root
	ModTime time.Time
	Size    int64
	Order   int
}

// Result is the outcome of a walk.
type Result struct {
	Files    []CandidateFile
	Folders  int64
	Bytes    int64
	Excluded int64
	Warnings int64
}

// ResolveSources maps each path to its volume. Paths that do not exist on the
// live system are logged and dropped. The distinct volumes are returned in
// first-seen order.
func ResolveSources(paths []string) ([]Source, []snapshot.Volume) {
	var sources []Source
	var vols []snapshot.Volume
	seen := make(map[string]bool)

	for _, p := range paths {
		abs, err := util.ExpandedAbsPath(p)
		if err != nil {
			plog.Log(plog.Warning, "Skipping source entry", "entry", p, "error", err)
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			plog.Log(plog.Warning, "Source path missing, skipping", "path", abs, "error", err)
			continue
		}
		vol, err := snapshot.ResolveVolume(abs)
		if err != nil {
			plog.Log(plog.Warning, "Skipping source entry", "path", abs, "error", err)
			continue
		}
		rel, err := snapshot.RelToVolume(vol, abs)
		if err != nil {
			plog.Log(plog.Warning, "Skipping source entry", "path", abs, "error", err)
			continue
		}
		sources = append(sources, Source{Path: abs, Volume: vol, Rel: rel})
		if !seen[vol.ID] {
			seen[vol.ID] = true
			vols = append(vols, vol)
		}
	}
	return sources, vols
}

// Walk enumerates every source inside its snapshot view. roots maps a volume
// id to the path of its view. Per-entry problems are warnings.
func Walk(ctx context.Context, sources []Source, roots map[string]string) (*Result, error) {
	res := &Result{}
	seen := make(map[string]struct{})

	for _, src := range sources {
		root, ok := roots[src.Volume.ID]
		if !ok {
			return nil, fmt.Errorf("no snapshot view for volume %s", src.Volume.ID)
		}
		before := len(res.Files)
		if err := walkSource(ctx, src, root, res, seen); err != nil {
			return nil, err
		}
		if len(res.Files) == before {
			plog.Log(plog.Warning, "Source path contains no files", "path", src.Path)
		}
	}
	plog.Log(plog.Success, "Enumeration complete",
		"files", len(res.Files),
		"folders", res.Folders,
		"size", util.ByteCountIEC(res.Bytes),
		"excluded", res.Excluded)
	return res, nil
}

func walkSource(ctx context.Context, src Source, root string, res *Result, seen map[string]struct{}) error {
	viewPath := filepath.Join(root, filepath.FromSlash(src.Rel))

	info, err := os.Stat(viewPath)
	if err != nil {
		res.Warnings++
		plog.Log(plog.Warning, "Source path not readable in snapshot", "path", viewPath, "error", err)
		return nil
	}
	if !info.IsDir() {
		addFile(src, viewPath, src.Rel, info, res, seen)
		return nil
	}

	// os.DirFS follows a symlinked root, which is what the snapshot link is.
	return fs.WalkDir(os.DirFS(viewPath), ".", func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			res.Warnings++
			plog.Log(plog.Warning, "Cannot read entry, skipping", "path", filepath.Join(viewPath, filepath.FromSlash(p)), "error", err)
			if d != nil && d.IsDir() && p != "." {
				return fs.SkipDir
			}
			if p == "." {
				return fs.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if p != "." {
				res.Folders++
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if IsExcluded(d.Name()) {
			res.Excluded++
			plog.Debug("EXCLUDE", "path", p)
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			res.Warnings++
			plog.Log(plog.Warning, "Cannot stat file, skipping", "path", p, "error", err)
			return nil
		}
		addFile(src, filepath.Join(viewPath, filepath.FromSlash(p)), path.Join(src.Rel, p), fi, res, seen)
		return nil
	})
}

func addFile(src Source, absPath, relPath string, info fs.FileInfo, res *Result, seen map[string]struct{}) {
	if IsExcluded(info.Name()) {
		res.Excluded++
		return
	}
	// Overlapping source entries must not list a file twice.
	key := src.Volume.ID + "\x00" + relPath
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}

	res.Files = append(res.Files, CandidateFile{
		Volume:  src.Volume,
		AbsPath: absPath,
		RelPath: relPath,
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Order:   len(res.Files),
	})
	res.Bytes += info.Size()
}
