// Package driver moves a single disk between two cluster hosts. One driver
// exists per storage backend family; all of them speak to the hosts through
// the Channel contract so tests can run against fakes.
package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/proxmove/proxmove/internal/sshtunnel"
)

// Pipe is one side of a streaming remote command, see sshtunnel.Pipe.
type Pipe interface {
	Stdout() io.Reader
	Stdin() io.WriteCloser
	Wait() error
	Close() error
}

// Channel is the remote transfer channel a driver runs against. Implemented
// by sshtunnel.Channel (wrapped) in production and by fakes in tests.
type Channel interface {
	Host() string
	Run(ctx context.Context, cmd string) (stdout []byte, stderr []byte, err error)
	StartSource(cmd string) (Pipe, error)
	StartSink(cmd string) (Pipe, error)
	OpenReader(path string, offset int64) (io.ReadCloser, error)
	CreateWriter(path string, offset int64) (io.WriteCloser, error)
	FileSize(path string) (int64, error)
	FileExists(path string) (bool, error)
	MkdirAll(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Reconnect(ctx context.Context) error
}

// Transfer describes one disk to move. All placement decisions were made by
// the planner; drivers only execute them.
type Transfer struct {
	JobID     string
	DiskIndex int
	Kind      string

	// Kind-specific roots: directory path for file kinds, volume group for
	// lvm, parent dataset for zfs, ceph pool for rbd.
	SourceBase string
	TargetBase string

	SourceVolume string
	TargetVolume string

	// Resolved file path or device node on each host (file and lvm kinds).
	SourcePath string
	TargetPath string

	SizeBytes int64
}

// Sink receives progress from a running transfer. Implementations must be
// safe for concurrent use across disks; calls never block on a consumer.
type Sink interface {
	// SetSize reports the authoritative byte size once the driver has
	// inspected the source.
	SetSize(bytes int64)
	// Progress reports cumulative confirmed bytes. Values never decrease.
	Progress(bytes int64)
	// Verifying marks the transition from copying to post-copy checks.
	Verifying()
}

type Driver interface {
	// Transfer moves the disk and verifies the result. It must observe ctx
	// at every chunk or command boundary, never mid-chunk.
	Transfer(ctx context.Context, src, dst Channel, t Transfer, sink Sink) error
	// Rollback removes whatever Transfer may have left on the target host.
	// Called for failed and cancelled jobs; best-effort.
	Rollback(ctx context.Context, src, dst Channel, t Transfer) error
	// Cleanup removes staging artifacts after a successful transfer.
	Cleanup(ctx context.Context, src, dst Channel, t Transfer) error
}

type Options struct {
	ChunkSize      int64
	MaxRetries     uint64
	RetryBackoff   time.Duration
	CommandTimeout time.Duration
	VerifyChecksum bool
}

func (o Options) chunkSize() int64 {
	if o.ChunkSize <= 0 {
		return 4 << 20
	}
	return o.ChunkSize
}

// runCommand executes cmd on ch, bounded by the configured per-command
// deadline. A remote command that outlives it is torn down and the expiry
// surfaces as context.DeadlineExceeded, which the engine records as a
// command timeout. Zero disables the bound.
func runCommand(ctx context.Context, opts Options, ch Channel, cmd string) ([]byte, []byte, error) {
	if opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.CommandTimeout)
		defer cancel()
	}
	return ch.Run(ctx, cmd)
}

// waitPipe waits for a pipeline command to exit under the same per-command
// deadline. Cancellation and expiry both tear the command down.
func waitPipe(ctx context.Context, opts Options, p Pipe) error {
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	var expired <-chan time.Time
	if opts.CommandTimeout > 0 {
		timer := time.NewTimer(opts.CommandTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = p.Close()
		return ctx.Err()
	case <-expired:
		_ = p.Close()
		return context.DeadlineExceeded
	}
}

// VerificationError reports a post-copy size or checksum mismatch. It is
// never retried; the disk is failed.
type VerificationError struct {
	Path string
	Want string
	Got  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("transfer verification failed for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

// withRetry runs op, retrying transient transport faults with exponential
// backoff up to the configured attempt bound. Both channels are redialed
// before a retry so the next attempt starts from a live connection. Command
// failures and verification mismatches pass through immediately.
func withRetry(ctx context.Context, opts Options, src, dst Channel, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(opts.MaxRetries, retry.NewExponential(opts.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !sshtunnel.IsConnectionLost(err) {
			return err
		}
		zap.S().Named("driver").Warnf("transient transfer fault, reconnecting: %v", err)
		if rerr := src.Reconnect(ctx); rerr != nil {
			zap.S().Named("driver").Warnf("source reconnect failed: %v", rerr)
		}
		if rerr := dst.Reconnect(ctx); rerr != nil {
			zap.S().Named("driver").Warnf("target reconnect failed: %v", rerr)
		}
		return retry.RetryableError(err)
	})
}
