package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/HDRUK/RDMP-sub001/internal/logger"
)

// CopyFn inserts one batch of rows aligned to columns and returns how many
// were written. It should return promptly when ctx is done.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// LoadBatches drains rows from in, groups them into batches of batchSize and
// calls copyFn per non-empty batch. It returns the rows reported written and
// the first error.
//
// Cancellation is checked before every flush, so at most one batch is written
// after ctx is cancelled. A cancelled run returns ctx.Err().
func LoadBatches(
	ctx context.Context,
	log logger.Logger,
	columns []string,
	in <-chan []any,
	batchSize int,
	copyFn CopyFn,
) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batchSize must be > 0")
	}
	if copyFn == nil {
		return 0, errors.New("copyFn must not be nil")
	}
	if log == nil {
		log = logger.NopLogger
	}

	var (
		total     int64
		batches   int64
		batch     = make([][]any, 0, batchSize)
		start     = time.Now()
		lastFlush = start
		lastTotal int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := copyFn(ctx, columns, batch)
		total += n
		batch = batch[:0]
		if err != nil {
			log.Errorf("loader: copy failed after=%d total=%d err=%v", n, total, err)
			return err
		}

		batches++
		now := time.Now()
		since := now.Sub(lastFlush)
		rps := float64(0)
		if since > 0 {
			rps = float64(total-lastTotal) / since.Seconds()
		}
		log.Debugf("loader: batch #%d rps=%.0f inserted=%d total_inserted=%d elapsed=%s",
			batches, rps, n, total, now.Sub(start).Truncate(time.Millisecond))
		lastFlush = now
		lastTotal = total
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case row, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				log.Debugf("loader: input closed total_inserted=%d", total)
				return total, nil
			}
			batch = append(batch, row)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
	}
}
