package driver

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/proxmove/proxmove/internal/sshtunnel"
)

// fakeChannel is an in-memory stand-in for a cluster host: a flat file
// namespace, a scriptable command runner and one-shot fault injection.
type fakeChannel struct {
	host string

	mu    sync.Mutex
	files map[string][]byte

	// runFn handles Run calls; nil falls back to defaults that keep the
	// file driver happy (plenty of free space).
	runFn  func(cmd string) (string, error)
	runLog []string

	// failReadAfter injects one ConnectionError after that many bytes of
	// the next read stream; cleared once it fires.
	failReadAfter int64
	armed         bool

	// writeLimit silently truncates writes past that many bytes,
	// simulating a short target file.
	writeLimit int64

	writerOffsets []int64
	reconnects    int

	sourceData []byte
	sourceErr  error
	sinkBuf    bytes.Buffer
	sinkErr    error
}

func newFakeChannel(host string) *fakeChannel {
	return &fakeChannel{host: host, files: make(map[string][]byte)}
}

func (c *fakeChannel) failNextReadAfter(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failReadAfter = n
	c.armed = true
}

func (c *fakeChannel) Host() string { return c.host }

func (c *fakeChannel) Run(_ context.Context, cmd string) ([]byte, []byte, error) {
	c.mu.Lock()
	c.runLog = append(c.runLog, cmd)
	fn := c.runFn
	c.mu.Unlock()
	if fn != nil {
		out, err := fn(cmd)
		return []byte(out), nil, err
	}
	if strings.HasPrefix(cmd, "df ") {
		return []byte("922337203685477\n"), nil, nil
	}
	return nil, nil, nil
}

func (c *fakeChannel) StartSource(cmd string) (Pipe, error) {
	c.mu.Lock()
	c.runLog = append(c.runLog, cmd)
	c.mu.Unlock()
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	return &fakePipe{out: bytes.NewReader(c.sourceData)}, nil
}

func (c *fakeChannel) StartSink(cmd string) (Pipe, error) {
	c.mu.Lock()
	c.runLog = append(c.runLog, cmd)
	c.mu.Unlock()
	return &fakePipe{in: &c.sinkBuf, waitErr: c.sinkErr}, nil
}

func (c *fakeChannel) OpenReader(path string, offset int64) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.files[path]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	r := &fakeReader{data: data[offset:]}
	if c.armed {
		r.failAfter = c.failReadAfter
		r.ch = c
		c.armed = false
	}
	return r, nil
}

func (c *fakeChannel) CreateWriter(path string, offset int64) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writerOffsets = append(c.writerOffsets, offset)
	existing := c.files[path]
	if offset > int64(len(existing)) {
		offset = int64(len(existing))
	}
	return &fakeWriter{ch: c, path: path, buf: append([]byte(nil), existing[:offset]...)}, nil
}

func (c *fakeChannel) FileSize(path string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[path]
	if !ok {
		return 0, &sshtunnel.ConnectionError{Host: c.host, Err: io.ErrUnexpectedEOF}
	}
	return int64(len(data)), nil
}

func (c *fakeChannel) FileExists(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[path]
	return ok, nil
}

func (c *fakeChannel) MkdirAll(string) error { return nil }

func (c *fakeChannel) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
	return nil
}

func (c *fakeChannel) Rename(oldPath, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[newPath] = c.files[oldPath]
	delete(c.files, oldPath)
	return nil
}

func (c *fakeChannel) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	c.sourceErr = nil
	c.sinkErr = nil
	return nil
}

func (c *fakeChannel) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.runLog...)
}

type fakeReader struct {
	data      []byte
	pos       int64
	failAfter int64
	ch        *fakeChannel
}

func (r *fakeReader) Read(p []byte) (int, error) {
	if r.ch != nil && r.pos >= r.failAfter {
		r.ch = nil
		return 0, &sshtunnel.ConnectionError{Host: "fake", Err: io.ErrClosedPipe}
	}
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := int64(len(p))
	if r.ch != nil && r.pos+n > r.failAfter {
		n = r.failAfter - r.pos
	}
	if rem := int64(len(r.data)) - r.pos; n > rem {
		n = rem
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return int(n), nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	ch   *fakeChannel
	path string
	buf  []byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if w.ch.writeLimit > 0 && int64(len(w.buf)) > w.ch.writeLimit {
		w.buf = w.buf[:w.ch.writeLimit]
	}
	w.ch.mu.Lock()
	w.ch.files[w.path] = append([]byte(nil), w.buf...)
	w.ch.mu.Unlock()
	return len(p), nil
}

func (w *fakeWriter) Close() error { return nil }

type fakePipe struct {
	out     io.Reader
	in      *bytes.Buffer
	waitErr error
}

func (p *fakePipe) Stdout() io.Reader {
	if p.out == nil {
		return bytes.NewReader(nil)
	}
	return p.out
}

func (p *fakePipe) Stdin() io.WriteCloser {
	return nopWriteCloser{p.in}
}

func (p *fakePipe) Wait() error  { return p.waitErr }
func (p *fakePipe) Close() error { return nil }

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) {
	if n.w == nil {
		return len(p), nil
	}
	return n.w.Write(p)
}

func (n nopWriteCloser) Close() error { return nil }

// slowRunChannel delays every Run call, honoring ctx the way the real
// channel does.
type slowRunChannel struct {
	*fakeChannel
	delay time.Duration
}

func (c *slowRunChannel) Run(ctx context.Context, cmd string) ([]byte, []byte, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(c.delay):
		return c.fakeChannel.Run(ctx, cmd)
	}
}

// hangSinkChannel hands out consumer pipes whose Wait blocks until the pipe
// is closed, simulating a receive command that never exits.
type hangSinkChannel struct {
	*fakeChannel
}

func (c *hangSinkChannel) StartSink(cmd string) (Pipe, error) {
	p, err := c.fakeChannel.StartSink(cmd)
	if err != nil {
		return nil, err
	}
	return &hangPipe{Pipe: p, done: make(chan struct{})}, nil
}

type hangPipe struct {
	Pipe
	done chan struct{}
	once sync.Once
}

func (p *hangPipe) Wait() error {
	<-p.done
	return io.ErrClosedPipe
}

func (p *hangPipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.Pipe.Close()
}

// recordSink captures driver progress reports for assertions.
type recordSink struct {
	mu        sync.Mutex
	size      int64
	progress  []int64
	verifying bool
}

func (s *recordSink) SetSize(b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = b
}

func (s *recordSink) Progress(b int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, b)
}

func (s *recordSink) Verifying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifying = true
}

func (s *recordSink) last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.progress) == 0 {
		return 0
	}
	return s.progress[len(s.progress)-1]
}

func (s *recordSink) monotonic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i < len(s.progress); i++ {
		if s.progress[i] < s.progress[i-1] {
			return false
		}
	}
	return true
}
