package download

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResources(disk, memory uint64, minDisk, minMem int64) *Resources {
	r := NewResources(minDisk, minMem)
	r.diskFree = func(context.Context, string) (uint64, error) { return disk, nil }
	r.memFree = func(context.Context) (uint64, error) { return memory, nil }
	return r
}

func TestResources_Check(t *testing.T) {
	t.Run("enough of everything", func(t *testing.T) {
		warnings, err := fixedResources(1<<30, 1<<30, 200<<20, 100<<20).Check(context.Background(), "/tmp")
		assert.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("low disk fails", func(t *testing.T) {
		_, err := fixedResources(10<<20, 1<<30, 200<<20, 0).Check(context.Background(), "/tmp")
		var diskErr *ErrInsufficientDisk
		require.ErrorAs(t, err, &diskErr)
		assert.EqualValues(t, 10<<20, diskErr.Free)
		assert.Contains(t, err.Error(), "not enough free disk space")
	})

	t.Run("low memory warns", func(t *testing.T) {
		warnings, err := fixedResources(1<<30, 1<<20, 0, 100<<20).Check(context.Background(), "/tmp")
		assert.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "Low free memory")
	})

	t.Run("zero thresholds disable checks", func(t *testing.T) {
		r := NewResources(0, -5)
		r.diskFree = func(context.Context, string) (uint64, error) { panic("disk must not be probed") }
		r.memFree = func(context.Context) (uint64, error) { panic("memory must not be probed") }
		warnings, err := r.Check(context.Background(), "/tmp")
		assert.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("probe errors are ignored", func(t *testing.T) {
		r := NewResources(1, 1)
		r.diskFree = func(context.Context, string) (uint64, error) { return 0, errors.New("no disk") }
		r.memFree = func(context.Context) (uint64, error) { return 0, errors.New("no mem") }
		warnings, err := r.Check(context.Background(), "/tmp")
		assert.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("real probe of the temp dir", func(t *testing.T) {
		_, err := NewResources(1, 0).Check(context.Background(), t.TempDir())
		assert.NoError(t, err)
	})
}
