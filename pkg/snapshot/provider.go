package snapshot

import (
	"context"
	"fmt"
	"os"
)

// Handle identifies one created snapshot. Path is where its read-only contents
// can be read; ID is whatever the provider needs to destroy it again.
type Handle struct {
	ID   string
	Path string
}

// Provider creates and destroys point-in-time views of a volume.
type Provider interface {
	Name() string
	Create(ctx context.Context, vol Volume) (Handle, error)
	Destroy(ctx context.Context, vol Volume, h Handle) error
}

// PassthroughProvider exposes the live volume as its own "snapshot". It is for
// hosts without a snapshot facility; the files may change while they are read.
type PassthroughProvider struct{}

func (PassthroughProvider) Name() string { return "passthrough" }

func (PassthroughProvider) Create(ctx context.Context, vol Volume) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	info, err := os.Stat(vol.ID)
	if err != nil {
		return Handle{}, fmt.Errorf("volume %s is not accessible: %w", vol.ID, err)
	}
	if !info.IsDir() {
		return Handle{}, fmt.Errorf("volume %s is not a directory", vol.ID)
	}
	return Handle{ID: vol.ID, Path: vol.ID}, nil
}

func (PassthroughProvider) Destroy(context.Context, Volume, Handle) error { return nil }
