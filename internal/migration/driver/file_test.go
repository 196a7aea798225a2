package driver

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileTransfer() Transfer {
	return Transfer{
		JobID:        "4f5a0a1e-0000-0000-0000-000000000000",
		Kind:         "dir",
		SourceBase:   "/var/lib/vz",
		TargetBase:   "/mnt/tank",
		SourceVolume: "100/vm-100-disk-0.qcow2",
		TargetVolume: "101/vm-101-disk-0.qcow2",
		SourcePath:   "/var/lib/vz/images/100/vm-100-disk-0.qcow2",
		TargetPath:   "/mnt/tank/images/101/vm-101-disk-0.qcow2",
	}
}

func fileOpts() Options {
	return Options{ChunkSize: 8, MaxRetries: 3, RetryBackoff: time.Millisecond}
}

func TestFileTransferCopiesAndRenames(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	payload := []byte("0123456789abcdefghijklmnop")
	src.files[tr.SourcePath] = payload

	sink := &recordSink{}
	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, sink)
	require.NoError(t, err)

	assert.Equal(t, payload, dst.files[tr.TargetPath])
	_, stagingLeft := dst.files[tr.TargetPath+".partial"]
	assert.False(t, stagingLeft)
	assert.Equal(t, int64(len(payload)), sink.size)
	assert.Equal(t, int64(len(payload)), sink.last())
	assert.True(t, sink.verifying)
	assert.True(t, sink.monotonic())
}

func TestFileTransferResumesFromConfirmedOffset(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	payload := bytes.Repeat([]byte("x"), 64)
	src.files[tr.SourcePath] = payload
	// drop the connection 24 bytes into the stream
	src.failNextReadAfter(24)

	sink := &recordSink{}
	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, sink)
	require.NoError(t, err)

	assert.Equal(t, payload, dst.files[tr.TargetPath])
	// the second writer picked up exactly where the first left off
	require.Len(t, dst.writerOffsets, 2)
	assert.Equal(t, int64(0), dst.writerOffsets[0])
	assert.Equal(t, int64(24), dst.writerOffsets[1])
	assert.Equal(t, 1, src.reconnects)
	assert.True(t, sink.monotonic())
}

func TestFileTransferResumesFromStagingFile(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	payload := []byte("0123456789abcdefghijklmnop")
	src.files[tr.SourcePath] = payload
	// a previous attempt of the same job left 10 confirmed bytes behind
	dst.files[tr.TargetPath+".partial"] = payload[:10]

	sink := &recordSink{}
	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, sink)
	require.NoError(t, err)

	assert.Equal(t, payload, dst.files[tr.TargetPath])
	// the copy picked up at byte 10 instead of starting over
	require.Len(t, dst.writerOffsets, 1)
	assert.Equal(t, int64(10), dst.writerOffsets[0])
	assert.True(t, sink.monotonic())
}

func TestFileTransferDiscardsStaleStagingFile(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	payload := []byte("0123456789abcdefghijklmnop")
	src.files[tr.SourcePath] = payload
	// leftover staging file is larger than the source, so it cannot be a
	// prefix of this disk
	dst.files[tr.TargetPath+".partial"] = bytes.Repeat([]byte("o"), 40)

	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, &recordSink{})
	require.NoError(t, err)

	assert.Equal(t, payload, dst.files[tr.TargetPath])
	require.Len(t, dst.writerOffsets, 1)
	assert.Equal(t, int64(0), dst.writerOffsets[0])
}

func TestFileTransferRemoteCommandTimeout(t *testing.T) {
	src := &slowRunChannel{fakeChannel: newFakeChannel("src"), delay: 300 * time.Millisecond}
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	src.files[tr.SourcePath] = []byte("checksummed content.")

	shaRunner := func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "sha256sum") {
			return "cafe  file", nil
		}
		return "922337203685477", nil
	}
	src.runFn = shaRunner
	dst.runFn = shaRunner

	opts := fileOpts()
	opts.VerifyChecksum = true
	opts.CommandTimeout = 10 * time.Millisecond
	err := NewFileDriver(opts).Transfer(context.Background(), src, dst, tr, &recordSink{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the unverified copy never moved into place
	_, ok := dst.files[tr.TargetPath]
	assert.False(t, ok)
}

func TestFileTransferVerificationFailure(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	src.files[tr.SourcePath] = bytes.Repeat([]byte("y"), 32)
	// the target silently loses the tail of the file
	dst.writeLimit = 20

	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, &recordSink{})
	require.Error(t, err)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)

	// nothing was moved into place
	_, ok := dst.files[tr.TargetPath]
	assert.False(t, ok)
}

func TestFileTransferChecksumMismatch(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	src.files[tr.SourcePath] = []byte("same length content!")

	src.runFn = func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "sha256sum") {
			return "aaaa  file", nil
		}
		return "922337203685477", nil
	}
	dst.runFn = func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "sha256sum") {
			return "bbbb  file", nil
		}
		return "922337203685477", nil
	}

	opts := fileOpts()
	opts.VerifyChecksum = true
	err := NewFileDriver(opts).Transfer(context.Background(), src, dst, tr, &recordSink{})
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
}

func TestFileTransferInsufficientSpace(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	src.files[tr.SourcePath] = bytes.Repeat([]byte("z"), 100)

	dst.runFn = func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "df ") {
			// disk fits but the 20% headroom does not
			return "110", nil
		}
		return "", nil
	}

	err := NewFileDriver(fileOpts()).Transfer(context.Background(), src, dst, tr, &recordSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient space")
	assert.Empty(t, dst.writerOffsets)
}

func TestFileTransferCancelledAtChunkBoundary(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	src.files[tr.SourcePath] = bytes.Repeat([]byte("c"), 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFileDriver(fileOpts()).Transfer(ctx, src, dst, tr, &recordSink{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFileRollbackRemovesArtifacts(t *testing.T) {
	src := newFakeChannel("src")
	dst := newFakeChannel("dst")
	tr := fileTransfer()
	dst.files[tr.TargetPath+".partial"] = []byte("partial")
	dst.files[tr.TargetPath] = []byte("final")

	err := NewFileDriver(fileOpts()).Rollback(context.Background(), src, dst, tr)
	require.NoError(t, err)
	assert.Empty(t, dst.files)
}
