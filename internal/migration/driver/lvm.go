package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LVMDriver replicates logical volumes with a raw dd pipeline: a source-side
// reader piped into a target-side writer. Partial block streams are not
// resumable; a transient fault discards the target volume and restarts the
// stream from scratch.
type LVMDriver struct {
	opts Options
	thin bool
}

func NewLVMDriver(opts Options) *LVMDriver {
	return &LVMDriver{opts: opts}
}

func NewLVMThinDriver(opts Options) *LVMDriver {
	return &LVMDriver{opts: opts, thin: true}
}

func (d *LVMDriver) Transfer(ctx context.Context, src, dst Channel, t Transfer, sink Sink) error {
	size, err := blockDeviceSize(ctx, d.opts, src, t.SourcePath)
	if err != nil {
		return errors.Wrapf(err, "inspecting source volume %s", t.SourceVolume)
	}
	sink.SetSize(size)

	return withRetry(ctx, d.opts, src, dst, func(ctx context.Context) error {
		// Fresh start per attempt: remove any partial target volume first.
		if err := d.removeTarget(ctx, dst, t); err != nil {
			return err
		}
		if err := d.createTarget(ctx, dst, t, size); err != nil {
			return err
		}

		produce := fmt.Sprintf("dd if=%s bs=4M status=none", shellQuote(t.SourcePath))
		consume := fmt.Sprintf("dd of=%s bs=4M conv=notrunc,fsync status=none", shellQuote(t.TargetPath))
		moved, err := runPipeline(ctx, d.opts, src, dst, produce, consume, sink)
		if err != nil {
			return err
		}

		sink.Verifying()
		if moved != size {
			return &VerificationError{
				Path: t.TargetPath,
				Want: fmt.Sprintf("%d bytes", size),
				Got:  fmt.Sprintf("%d bytes streamed", moved),
			}
		}
		got, err := blockDeviceSize(ctx, d.opts, dst, t.TargetPath)
		if err != nil {
			return errors.Wrapf(err, "inspecting target volume %s", t.TargetVolume)
		}
		// lvcreate rounds up to the extent size; smaller is a failure.
		if got < size {
			return &VerificationError{
				Path: t.TargetPath,
				Want: fmt.Sprintf(">= %d bytes", size),
				Got:  fmt.Sprintf("%d bytes", got),
			}
		}
		return nil
	})
}

func (d *LVMDriver) createTarget(ctx context.Context, dst Channel, t Transfer, size int64) error {
	var cmd string
	if d.thin {
		// TargetBase is vg/thinpool for thin storage.
		cmd = fmt.Sprintf("lvcreate -y -V %db --thinpool %s -n %s", size, t.TargetBase, shellQuote(t.TargetVolume))
	} else {
		cmd = fmt.Sprintf("lvcreate -y -L %db -n %s %s", size, shellQuote(t.TargetVolume), vgOf(t.TargetBase))
	}
	if _, _, err := runCommand(ctx, d.opts, dst, cmd); err != nil {
		return errors.Wrapf(err, "allocating target volume %s", t.TargetVolume)
	}
	return nil
}

func (d *LVMDriver) removeTarget(ctx context.Context, dst Channel, t Transfer) error {
	lv := fmt.Sprintf("%s/%s", vgOf(t.TargetBase), t.TargetVolume)
	_, _, err := runCommand(ctx, d.opts, dst, fmt.Sprintf("lvs %s >/dev/null 2>&1 && lvremove -f %s || true", lv, lv))
	return err
}

func (d *LVMDriver) Rollback(ctx context.Context, src, dst Channel, t Transfer) error {
	return d.removeTarget(ctx, dst, t)
}

func (d *LVMDriver) Cleanup(ctx context.Context, src, dst Channel, t Transfer) error {
	return nil
}

// vgOf strips the thinpool component, if any, leaving the volume group.
func vgOf(base string) string {
	if i := strings.IndexByte(base, '/'); i > 0 {
		return base[:i]
	}
	return base
}

func blockDeviceSize(ctx context.Context, opts Options, ch Channel, dev string) (int64, error) {
	stdout, _, err := runCommand(ctx, opts, ch, fmt.Sprintf("blockdev --getsize64 %s", shellQuote(dev)))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 64)
}
