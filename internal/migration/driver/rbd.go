package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// RBDDriver replicates Ceph RBD images with rbd export piped into rbd
// import. Like the other block drivers it restarts from scratch after a
// transient fault, removing the partially imported image first.
type RBDDriver struct {
	opts Options
}

func NewRBDDriver(opts Options) *RBDDriver {
	return &RBDDriver{opts: opts}
}

func (d *RBDDriver) sourceImage(t Transfer) string {
	return fmt.Sprintf("%s/%s", t.SourceBase, t.SourceVolume)
}

func (d *RBDDriver) targetImage(t Transfer) string {
	return fmt.Sprintf("%s/%s", t.TargetBase, t.TargetVolume)
}

func (d *RBDDriver) Transfer(ctx context.Context, src, dst Channel, t Transfer, sink Sink) error {
	size, err := rbdImageSize(ctx, d.opts, src, d.sourceImage(t))
	if err != nil {
		return errors.Wrapf(err, "inspecting source image %s", d.sourceImage(t))
	}
	sink.SetSize(size)

	err = withRetry(ctx, d.opts, src, dst, func(ctx context.Context) error {
		if err := d.removeTarget(ctx, dst, t); err != nil {
			return err
		}

		produce := fmt.Sprintf("rbd export %s -", d.sourceImage(t))
		consume := fmt.Sprintf("rbd import --image-format 2 - %s", d.targetImage(t))
		moved, err := runPipeline(ctx, d.opts, src, dst, produce, consume, sink)
		if err != nil {
			return err
		}

		sink.Verifying()
		if moved != size {
			return &VerificationError{
				Path: d.targetImage(t),
				Want: fmt.Sprintf("%d bytes", size),
				Got:  fmt.Sprintf("%d bytes streamed", moved),
			}
		}
		got, err := rbdImageSize(ctx, d.opts, dst, d.targetImage(t))
		if err != nil {
			return errors.Wrapf(err, "inspecting target image %s", d.targetImage(t))
		}
		if got != size {
			return &VerificationError{
				Path: d.targetImage(t),
				Want: fmt.Sprintf("%d bytes", size),
				Got:  fmt.Sprintf("%d bytes", got),
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

func (d *RBDDriver) Rollback(ctx context.Context, src, dst Channel, t Transfer) error {
	return d.removeTarget(ctx, dst, t)
}

func (d *RBDDriver) Cleanup(ctx context.Context, src, dst Channel, t Transfer) error {
	return nil
}

func (d *RBDDriver) removeTarget(ctx context.Context, dst Channel, t Transfer) error {
	img := d.targetImage(t)
	_, _, err := runCommand(ctx, d.opts, dst, fmt.Sprintf("rbd info %s >/dev/null 2>&1 && rbd rm %s || true", img, img))
	return err
}

func rbdImageSize(ctx context.Context, opts Options, ch Channel, image string) (int64, error) {
	stdout, _, err := runCommand(ctx, opts, ch, fmt.Sprintf("rbd info --format json %s", image))
	if err != nil {
		return 0, err
	}
	var info struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(stdout, &info); err != nil {
		return 0, errors.Wrap(err, "parsing rbd info output")
	}
	return info.Size, nil
}
