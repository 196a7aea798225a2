package driver

import (
	"context"
	"io"
)

// runPipeline wires a producer command on the source host to a consumer
// command on the target host and pumps bytes between them, reporting
// cumulative progress per chunk. Exact completion is only known at process
// exit, so the byte count is an estimate from the producer side until both
// commands have exited cleanly.
func runPipeline(ctx context.Context, opts Options, src, dst Channel, produceCmd, consumeCmd string, sink Sink) (int64, error) {
	producer, err := src.StartSource(produceCmd)
	if err != nil {
		return 0, err
	}
	consumer, err := dst.StartSink(consumeCmd)
	if err != nil {
		_ = producer.Close()
		return 0, err
	}

	var moved int64
	buf := make([]byte, opts.chunkSize())
	var copyErr error

loop:
	for {
		select {
		case <-ctx.Done():
			copyErr = ctx.Err()
			break loop
		default:
		}

		n, rerr := producer.Stdout().Read(buf)
		if n > 0 {
			if _, werr := consumer.Stdin().Write(buf[:n]); werr != nil {
				copyErr = werr
				break loop
			}
			moved += int64(n)
			sink.Progress(moved)
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break loop
		}
	}

	if copyErr != nil {
		_ = producer.Close()
		_ = consumer.Close()
		return moved, copyErr
	}

	_ = consumer.Stdin().Close()
	if err := waitPipe(ctx, opts, consumer); err != nil {
		_ = producer.Close()
		return moved, err
	}
	if err := waitPipe(ctx, opts, producer); err != nil {
		return moved, err
	}
	return moved, nil
}
