package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
)

func TestLoadBatches_Basic(t *testing.T) {
	t.Parallel()

	in := make(chan []any, 8)
	for i := 0; i < 7; i++ {
		in <- []any{i, "x"}
	}
	close(in)

	var calls int32
	copyFn := func(_ context.Context, _ []string, rows [][]any) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return int64(len(rows)), nil
	}

	total, err := LoadBatches(context.Background(), logger.NewLogfLogger(t), []string{"c1", "c2"}, in, 3, copyFn)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "3+3+1")
}

func TestLoadBatches_ErrorPropagation(t *testing.T) {
	t.Parallel()

	in := make(chan []any, 5)
	for i := 0; i < 5; i++ {
		in <- []any{i}
	}
	close(in)

	wantErr := errors.New("copy failed")
	var batches int
	copyFn := func(_ context.Context, _ []string, rows [][]any) (int64, error) {
		batches++
		if batches == 2 {
			return 0, wantErr
		}
		return int64(len(rows)), nil
	}

	total, err := LoadBatches(context.Background(), nil, []string{"c"}, in, 2, copyFn)
	assert.ErrorIs(t, err, wantErr)
	assert.EqualValues(t, 2, total)
	assert.Equal(t, 2, batches)
}

func TestLoadBatches_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan []any, 1)
	in <- []any{1}

	copyFn := func(ctx context.Context, _ []string, rows [][]any) (int64, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(2 * time.Second):
			return int64(len(rows)), nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := LoadBatches(ctx, nil, []string{"c"}, in, 2, copyFn)
		errCh <- err
	}()

	cancel()
	close(in)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("LoadBatches did not return after context cancel")
	}
}

// A cancellation observed at a batch boundary stops before the next flush.
func TestLoadBatches_StopsWithinOneBatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan []any, 10)
	for i := 0; i < 10; i++ {
		in <- []any{i}
	}
	close(in)

	var flushed int
	copyFn := func(_ context.Context, _ []string, rows [][]any) (int64, error) {
		flushed++
		cancel()
		return int64(len(rows)), nil
	}

	total, err := LoadBatches(ctx, nil, []string{"c"}, in, 3, copyFn)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, flushed)
	assert.EqualValues(t, 3, total)
}

func TestLoadBatches_InvalidArgs(t *testing.T) {
	t.Parallel()
	_, err := LoadBatches(context.Background(), nil, nil, nil, 0, func(context.Context, []string, [][]any) (int64, error) { return 0, nil })
	assert.Error(t, err)
	_, err = LoadBatches(context.Background(), nil, nil, nil, 1, nil)
	assert.Error(t, err)
}
