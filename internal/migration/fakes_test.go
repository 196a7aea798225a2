package migration

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/sshtunnel"
)

// fakeHost is an in-memory driver.Channel good enough for file-based
// transfers.
type fakeHost struct {
	host string

	mu         sync.Mutex
	files      map[string][]byte
	reconnects int
	removed    []string
	statErr    error
}

func newFakeHost(host string) *fakeHost {
	return &fakeHost{host: host, files: make(map[string][]byte)}
}

func (c *fakeHost) Host() string { return c.host }

func (c *fakeHost) Run(_ context.Context, cmd string) ([]byte, []byte, error) {
	// free space probe
	return []byte("922337203685477\n"), nil, nil
}

func (c *fakeHost) StartSource(string) (driver.Pipe, error) {
	return nil, errors.New("no block storage on fake host")
}

func (c *fakeHost) StartSink(string) (driver.Pipe, error) {
	return nil, errors.New("no block storage on fake host")
}

func (c *fakeHost) OpenReader(path string, offset int64) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.files[path]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(newByteReader(data[offset:])), nil
}

func (c *fakeHost) CreateWriter(path string, offset int64) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := c.files[path]
	if offset > int64(len(existing)) {
		offset = int64(len(existing))
	}
	return &hostWriter{ch: c, path: path, buf: append([]byte(nil), existing[:offset]...)}, nil
}

func (c *fakeHost) FileSize(path string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statErr != nil {
		return 0, c.statErr
	}
	data, ok := c.files[path]
	if !ok {
		return 0, &sshtunnel.ConnectionError{Host: c.host, Err: io.ErrUnexpectedEOF}
	}
	return int64(len(data)), nil
}

func (c *fakeHost) FileExists(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.files[path]
	return ok, nil
}

func (c *fakeHost) MkdirAll(string) error { return nil }

func (c *fakeHost) Remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, path)
	delete(c.files, path)
	return nil
}

func (c *fakeHost) Rename(oldPath, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[newPath] = c.files[oldPath]
	delete(c.files, oldPath)
	return nil
}

func (c *fakeHost) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	return nil
}

type hostWriter struct {
	ch   *fakeHost
	path string
	buf  []byte
}

func (w *hostWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	w.ch.mu.Lock()
	w.ch.files[w.path] = append([]byte(nil), w.buf...)
	w.ch.mu.Unlock()
	return len(p), nil
}

func (w *hostWriter) Close() error { return nil }

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// fakeCluster is an in-memory ClusterAPI.
type fakeCluster struct {
	mu sync.Mutex

	configs map[int]*VMConfig
	pools   []Pool
	volumes map[string][]Volume
	vmids   []int
	status  map[int]string

	// blockGet, when set, parks GetVMConfig until the context dies.
	blockGet chan struct{}

	written   *VMConfig
	writeErr  error
	stopCalls int
	deleted   []int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		configs: make(map[int]*VMConfig),
		volumes: make(map[string][]Volume),
		status:  make(map[int]string),
	}
}

func (c *fakeCluster) GetVMConfig(ctx context.Context, node string, vmid int) (*VMConfig, error) {
	c.mu.Lock()
	block := c.blockGet
	c.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.configs[vmid]; ok {
		cp := *cfg
		return &cp, nil
	}
	if c.written != nil && c.written.VMID == vmid {
		cp := *c.written
		return &cp, nil
	}
	return nil, errors.Errorf("vm %d not found", vmid)
}

func (c *fakeCluster) WriteVMConfig(ctx context.Context, node string, cfg *VMConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := *cfg
	c.written = &cp
	return nil
}

func (c *fakeCluster) DeleteVM(ctx context.Context, node string, vmid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, vmid)
	return nil
}

func (c *fakeCluster) ListStoragePools(ctx context.Context, node string) ([]Pool, error) {
	return c.pools, nil
}

func (c *fakeCluster) ListVolumes(ctx context.Context, node string, pool string) ([]Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes[pool], nil
}

func (c *fakeCluster) ListVMIDs(ctx context.Context) ([]int, error) {
	return c.vmids, nil
}

func (c *fakeCluster) VMStatus(ctx context.Context, node string, vmid int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[vmid]; ok {
		return s, nil
	}
	return vmStateStopped, nil
}

func (c *fakeCluster) StopVM(ctx context.Context, node string, vmid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	c.status[vmid] = vmStateStopped
	return nil
}

// recordedSink collects terminal jobs handed to the sink.
type recordedSink struct {
	mu   sync.Mutex
	jobs []MigrationJob
}

func (s *recordedSink) JobFinished(job MigrationJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *recordedSink) finished() []MigrationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MigrationJob(nil), s.jobs...)
}
