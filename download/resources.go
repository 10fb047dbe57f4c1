package download

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrInsufficientDisk means the destination volume is below the free space threshold.
type ErrInsufficientDisk struct {
	Free, Required uint64
}

func (e *ErrInsufficientDisk) Error() string {
	return fmt.Sprintf("not enough free disk space. Available: %s, Required: %s",
		datasize.ByteSize(e.Free).HR(), datasize.ByteSize(e.Required).HR())
}

// Resources checks free disk and memory before a download starts. A zero
// threshold disables that check.
type Resources struct {
	MinFreeDisk uint64
	MinFreeMem  uint64

	diskFree func(ctx context.Context, path string) (uint64, error)
	memFree  func(ctx context.Context) (uint64, error)
}

func NewResources(minFreeDisk, minFreeMem int64) *Resources {
	return &Resources{
		MinFreeDisk: uint64(max(minFreeDisk, 0)),
		MinFreeMem:  uint64(max(minFreeMem, 0)),
		diskFree:    gopsutilDiskFree,
		memFree:     gopsutilMemFree,
	}
}

func gopsutilDiskFree(ctx context.Context, path string) (uint64, error) {
	d, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return d.Free, nil
}

func gopsutilMemFree(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Check returns an *ErrInsufficientDisk when dir's volume is too full. Low
// memory only produces a warning message. Probe failures are logged and
// otherwise ignored.
func (r *Resources) Check(ctx context.Context, dir string) (warnings []string, err error) {
	if r.MinFreeMem > 0 {
		avail, merr := r.memFree(ctx)
		switch {
		case merr != nil:
			log.Warn().Err(merr).Msg("could not get memory usage")
		case avail < r.MinFreeMem:
			warnings = append(warnings, fmt.Sprintf("Low free memory: %s available, %s recommended",
				datasize.ByteSize(avail).HR(), datasize.ByteSize(r.MinFreeMem).HR()))
		}
	}

	if r.MinFreeDisk > 0 {
		free, derr := r.diskFree(ctx, dir)
		switch {
		case derr != nil:
			log.Warn().Err(derr).Str("dir", dir).Msg("could not get disk usage")
		case free < r.MinFreeDisk:
			return warnings, &ErrInsufficientDisk{Free: free, Required: r.MinFreeDisk}
		}
	}
	return warnings, nil
}
