package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ZFSDriver replicates zvols with zfs send piped into zfs receive on the
// target. Interrupted streams are never resumed: the partially received
// dataset is destroyed and the retry sends a fresh snapshot.
type ZFSDriver struct {
	opts Options
}

func NewZFSDriver(opts Options) *ZFSDriver {
	return &ZFSDriver{opts: opts}
}

func (d *ZFSDriver) snapshotName(t Transfer) string {
	suffix := t.JobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s@pmove-%s", d.sourceDataset(t), suffix)
}

func (d *ZFSDriver) sourceDataset(t Transfer) string {
	return fmt.Sprintf("%s/%s", t.SourceBase, t.SourceVolume)
}

func (d *ZFSDriver) targetDataset(t Transfer) string {
	return fmt.Sprintf("%s/%s", t.TargetBase, t.TargetVolume)
}

func (d *ZFSDriver) Transfer(ctx context.Context, src, dst Channel, t Transfer, sink Sink) error {
	size, err := zvolSize(ctx, d.opts, src, d.sourceDataset(t))
	if err != nil {
		return errors.Wrapf(err, "inspecting source dataset %s", d.sourceDataset(t))
	}
	sink.SetSize(size)

	snap := d.snapshotName(t)
	if _, _, err := runCommand(ctx, d.opts, src, fmt.Sprintf("zfs snapshot %s", snap)); err != nil {
		return errors.Wrap(err, "creating migration snapshot")
	}

	err = withRetry(ctx, d.opts, src, dst, func(ctx context.Context) error {
		// Discard any partially received dataset from the previous attempt.
		if err := d.destroyTarget(ctx, dst, t); err != nil {
			return err
		}

		produce := fmt.Sprintf("zfs send %s", snap)
		consume := fmt.Sprintf("zfs receive -F %s", d.targetDataset(t))
		moved, err := runPipeline(ctx, d.opts, src, dst, produce, consume, sink)
		if err != nil {
			return err
		}
		// The send stream carries metadata, so moved is a lower bound
		// estimate; the authoritative check is the received volsize.
		_ = moved

		sink.Verifying()
		got, err := zvolSize(ctx, d.opts, dst, d.targetDataset(t))
		if err != nil {
			return errors.Wrapf(err, "inspecting target dataset %s", d.targetDataset(t))
		}
		if got != size {
			return &VerificationError{
				Path: d.targetDataset(t),
				Want: fmt.Sprintf("volsize %d", size),
				Got:  fmt.Sprintf("volsize %d", got),
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sink.Progress(size)
	return nil
}

// Cleanup destroys the migration snapshots left on both ends by a
// successful send/receive.
func (d *ZFSDriver) Cleanup(ctx context.Context, src, dst Channel, t Transfer) error {
	snapSuffix := d.snapshotName(t)[strings.IndexByte(d.snapshotName(t), '@'):]
	var firstErr error
	if _, _, err := runCommand(ctx, d.opts, src, fmt.Sprintf("zfs destroy %s", d.snapshotName(t))); err != nil {
		firstErr = err
	}
	if _, _, err := runCommand(ctx, d.opts, dst, fmt.Sprintf("zfs destroy %s%s", d.targetDataset(t), snapSuffix)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *ZFSDriver) Rollback(ctx context.Context, src, dst Channel, t Transfer) error {
	firstErr := d.destroyTarget(ctx, dst, t)
	if _, _, err := runCommand(ctx, d.opts, src, fmt.Sprintf("zfs list -t snapshot %s >/dev/null 2>&1 && zfs destroy %s || true", d.snapshotName(t), d.snapshotName(t))); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *ZFSDriver) destroyTarget(ctx context.Context, dst Channel, t Transfer) error {
	ds := d.targetDataset(t)
	_, _, err := runCommand(ctx, d.opts, dst, fmt.Sprintf("zfs list %s >/dev/null 2>&1 && zfs destroy -r %s || true", ds, ds))
	return err
}

func zvolSize(ctx context.Context, opts Options, ch Channel, dataset string) (int64, error) {
	stdout, _, err := runCommand(ctx, opts, ch, fmt.Sprintf("zfs get -Hp -o value volsize %s", dataset))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 64)
}
