package replicate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Entry describes a file at the destination.
type Entry struct {
	Size    int64
	ModTime time.Time
}

// Sink is a replication destination.
type Sink interface {
	Name() string
	// Reachable is a cheap probe run before any listing or transfer.
	Reachable(ctx context.Context) error
	// Stat returns name at the destination and whether it exists.
	Stat(ctx context.Context, name string) (Entry, bool, error)
	// Put writes the local file to name, atomically replacing any existing
	// copy, and carries the local modification time over.
	Put(ctx context.Context, localPath, name string) error
	// Open reads name back from the destination.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Close() error
}

// DirSink replicates into a directory: a second disk or a mounted share.
type DirSink struct {
	Dir string
}

func (s *DirSink) Name() string { return "directory:" + s.Dir }

func (s *DirSink) Reachable(context.Context) error {
	info, err := os.Stat(s.Dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.Dir)
	}
	return nil
}

func (s *DirSink) Stat(_ context.Context, name string) (Entry, bool, error) {
	info, err := os.Stat(filepath.Join(s.Dir, name))
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (s *DirSink) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Dir, name))
}

func (s *DirSink) Put(ctx context.Context, localPath, name string) (retErr error) {
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.CreateTemp(s.Dir, ".snapback-replica-*.tmp")
	if err != nil {
		return err
	}
	tmp := out.Name()
	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, util.UserWritableFilePerms); err != nil {
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.Dir, name))
}

func (s *DirSink) Close() error { return nil }

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
