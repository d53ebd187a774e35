package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/runtime"
	"github.com/vibehost/provisioner/internal/topology"
)

// StorageMeter measures the on-disk footprint of a stack
type StorageMeter interface {
	StackBytes(ctx context.Context, stack *model.TenantStack) (int64, error)
}

// DiskStorageMeter sums the stack's data volumes as reported by the engine
// and the files in its working directory. Remote stacks measure zero.
type DiskStorageMeter struct {
	runtime   runtime.Runtime
	stacksDir string
	logger    *zap.Logger
}

// NewDiskStorageMeter creates a storage meter. rt may be nil, in which case
// only the working directory is measured.
func NewDiskStorageMeter(rt runtime.Runtime, stacksDir string, logger *zap.Logger) *DiskStorageMeter {
	return &DiskStorageMeter{runtime: rt, stacksDir: stacksDir, logger: logger}
}

// StackBytes implements StorageMeter
func (m *DiskStorageMeter) StackBytes(ctx context.Context, stack *model.TenantStack) (int64, error) {
	if stack.Backend == model.BackendRemote {
		return 0, nil
	}

	var total int64
	if m.runtime != nil {
		usage, err := m.runtime.VolumeUsage(ctx, topology.VolumeNames(stack.Name))
		if err != nil {
			return 0, err
		}
		for _, size := range usage {
			total += size
		}
	}

	if m.stacksDir != "" {
		size, err := dirSize(filepath.Join(m.stacksDir, stack.Name))
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
