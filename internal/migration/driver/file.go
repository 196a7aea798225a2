package driver

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FileDriver moves disks held on file-based storage (directory, NFS, CIFS)
// by streaming the image file in fixed-size chunks over the transfer
// channel. Copies are resumable: bytes are written to a staging file next to
// the final path and the confirmed offset survives channel reconnects.
type FileDriver struct {
	opts Options
}

func NewFileDriver(opts Options) *FileDriver {
	return &FileDriver{opts: opts}
}

func stagingPath(t Transfer) string {
	return t.TargetPath + ".partial"
}

func (d *FileDriver) Transfer(ctx context.Context, src, dst Channel, t Transfer, sink Sink) error {
	size, err := src.FileSize(t.SourcePath)
	if err != nil {
		return errors.Wrapf(err, "inspecting source disk %s", t.SourcePath)
	}
	sink.SetSize(size)

	if err := d.checkFreeSpace(ctx, dst, path.Dir(t.TargetPath), size); err != nil {
		return err
	}
	if err := dst.MkdirAll(path.Dir(t.TargetPath)); err != nil {
		return errors.Wrapf(err, "preparing target directory for %s", t.TargetVolume)
	}

	staging := stagingPath(t)
	offset, err := d.resumeOffset(dst, t, size)
	if err != nil {
		return err
	}
	err = withRetry(ctx, d.opts, src, dst, func(ctx context.Context) error {
		return d.copyChunks(ctx, src, dst, t, staging, &offset, size, sink)
	})
	if err != nil {
		return err
	}

	sink.Verifying()
	if err := d.verify(ctx, src, dst, t, staging, size); err != nil {
		return err
	}

	if err := dst.Rename(staging, t.TargetPath); err != nil {
		return errors.Wrapf(err, "moving %s into place", t.TargetVolume)
	}
	return nil
}

// resumeOffset returns the confirmed byte count held in a staging file left
// by an earlier attempt of the same job, so the copy picks up where it
// stopped instead of starting over. A staging file larger than the source is
// stale and discarded.
func (d *FileDriver) resumeOffset(dst Channel, t Transfer, size int64) (int64, error) {
	staging := stagingPath(t)
	ok, err := dst.FileExists(staging)
	if err != nil || !ok {
		return 0, err
	}
	existing, err := dst.FileSize(staging)
	if err != nil {
		return 0, err
	}
	if existing > size {
		if err := dst.Remove(staging); err != nil {
			return 0, errors.Wrapf(err, "discarding stale staging file for %s", t.TargetVolume)
		}
		return 0, nil
	}
	return existing, nil
}

// copyChunks streams [offset, size) from the source file into the staging
// file. The offset is only advanced after a chunk write returned, so a retry
// after a dropped connection resumes from the last confirmed byte.
func (d *FileDriver) copyChunks(ctx context.Context, src, dst Channel, t Transfer, staging string, offset *int64, size int64, sink Sink) error {
	if *offset >= size {
		return nil
	}

	reader, err := src.OpenReader(t.SourcePath, *offset)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := dst.CreateWriter(staging, *offset)
	if err != nil {
		return err
	}
	defer writer.Close()

	buf := make([]byte, d.opts.chunkSize())
	for *offset < size {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk := buf
		if remaining := size - *offset; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, rerr := io.ReadFull(reader, chunk)
		if n > 0 {
			if _, werr := writer.Write(chunk[:n]); werr != nil {
				return werr
			}
			*offset += int64(n)
			sink.Progress(*offset)
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				if *offset < size {
					return &VerificationError{
						Path: t.SourcePath,
						Want: fmt.Sprintf("%d bytes", size),
						Got:  fmt.Sprintf("%d bytes before EOF", *offset),
					}
				}
				return nil
			}
			return rerr
		}
	}
	return writer.Close()
}

func (d *FileDriver) verify(ctx context.Context, src, dst Channel, t Transfer, staging string, size int64) error {
	got, err := dst.FileSize(staging)
	if err != nil {
		return errors.Wrapf(err, "inspecting target disk %s", t.TargetVolume)
	}
	if got != size {
		return &VerificationError{
			Path: staging,
			Want: fmt.Sprintf("%d bytes", size),
			Got:  fmt.Sprintf("%d bytes", got),
		}
	}

	if !d.opts.VerifyChecksum {
		return nil
	}
	srcSum, err := remoteSHA256(ctx, d.opts, src, t.SourcePath)
	if err != nil {
		return err
	}
	dstSum, err := remoteSHA256(ctx, d.opts, dst, staging)
	if err != nil {
		return err
	}
	if srcSum != dstSum {
		return &VerificationError{Path: staging, Want: srcSum, Got: dstSum}
	}
	return nil
}

func (d *FileDriver) Rollback(ctx context.Context, src, dst Channel, t Transfer) error {
	var firstErr error
	for _, p := range []string{stagingPath(t), t.TargetPath} {
		if err := dst.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cleanup has nothing to do for file-based transfers: the staging file was
// renamed into place on success.
func (d *FileDriver) Cleanup(ctx context.Context, src, dst Channel, t Transfer) error {
	return nil
}

// checkFreeSpace rejects the transfer when the target filesystem cannot hold
// the disk plus 20% headroom. Unparseable df output is tolerated: the copy
// proceeds and fails later if space actually runs out.
func (d *FileDriver) checkFreeSpace(ctx context.Context, dst Channel, dir string, size int64) error {
	stdout, _, err := runCommand(ctx, d.opts, dst, fmt.Sprintf("df -B1 --output=avail %s | tail -1", shellQuote(dir)))
	if err != nil {
		zap.S().Named("driver").Warnf("free space check on %s failed: %v", dst.Host(), err)
		return nil
	}
	avail, perr := strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 64)
	if perr != nil {
		zap.S().Named("driver").Warnf("unparseable df output from %s", dst.Host())
		return nil
	}
	required := size + size/5
	if avail < required {
		return errors.Errorf("insufficient space on %s: need %d bytes (with headroom), %d available", dir, required, avail)
	}
	return nil
}

func remoteSHA256(ctx context.Context, opts Options, ch Channel, p string) (string, error) {
	stdout, _, err := runCommand(ctx, opts, ch, fmt.Sprintf("sha256sum -b %s", shellQuote(p)))
	if err != nil {
		return "", errors.Wrapf(err, "checksumming %s", p)
	}
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", errors.Errorf("empty checksum output for %s", p)
	}
	return fields[0], nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
