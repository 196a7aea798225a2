// Package sshtunnel implements the remote transfer channel used by the
// storage drivers: authenticated remote command execution and chunked,
// offset-resumable file copy over a single SSH connection per host.
package sshtunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 30 * time.Second

// Endpoint identifies one cluster host and the credentials to reach it.
// Credential material is held in memory only and never logged.
type Endpoint struct {
	Host        string
	Port        int
	User        string
	Password    string
	PrivateKey  []byte
	DialTimeout time.Duration
}

func (e Endpoint) addr() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", port))
}

func (e Endpoint) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(e.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(e.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "parsing ssh private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.Password != "" {
		methods = append(methods, ssh.Password(e.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("endpoint has no ssh credentials")
	}

	timeout := e.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	return &ssh.ClientConfig{
		User:            e.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Channel multiplexes command execution and sftp file access over one SSH
// connection. A channel is reused across all disks of one job but never
// shared between jobs. All methods are safe for concurrent use.
type Channel struct {
	endpoint Endpoint

	mu     sync.Mutex
	client *ssh.Client
	files  *sftp.Client
	closed bool
}

// Dial authenticates once against the endpoint and returns a ready channel.
func Dial(ctx context.Context, endpoint Endpoint) (*Channel, error) {
	c := &Channel{endpoint: endpoint}
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) Host() string { return c.endpoint.Host }

// Reconnect drops the current connection, if any, and dials a fresh one.
// Callers invoke it after a ConnectionError before resuming a copy.
func (c *Channel) Reconnect(ctx context.Context) error {
	cfg, err := c.endpoint.clientConfig()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel is closed")
	}
	c.teardownLocked()

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.endpoint.addr())
	if err != nil {
		return &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.endpoint.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	files, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return &ConnectionError{Host: c.endpoint.Host, Err: err}
	}

	c.client = client
	c.files = files
	zap.S().Named("sshtunnel").Debugf("connected to %s", c.endpoint.Host)
	return nil
}

// Close tears the connection down and marks the channel unusable. Reads and
// writes still in flight on the sftp session fail with a transport error;
// nothing waits for them to drain.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.teardownLocked()
	return nil
}

func (c *Channel) teardownLocked() {
	if c.files != nil {
		_ = c.files.Close()
		c.files = nil
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

func (c *Channel) conn() (*ssh.Client, *sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.files == nil {
		return nil, nil, &ConnectionError{Host: c.endpoint.Host, Err: errors.New("not connected")}
	}
	return c.client, c.files, nil
}

// Run executes cmd remotely and captures stdout/stderr. A non-zero exit
// yields a CommandError; transport faults yield a ConnectionError. The
// command is torn down when ctx is cancelled.
func (c *Channel) Run(ctx context.Context, cmd string) ([]byte, []byte, error) {
	client, _, err := c.conn()
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return nil, nil, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), stderr.Bytes(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), &CommandError{
				Cmd:      cmd,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   strimmed(stderr.Bytes()),
			}
		}
		return stdout.Bytes(), stderr.Bytes(), &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
}

// OpenReader opens a remote file for reading at the given offset.
func (c *Channel) OpenReader(path string, offset int64) (io.ReadCloser, error) {
	_, files, err := c.conn()
	if err != nil {
		return nil, err
	}
	f, err := files.Open(path)
	if err != nil {
		return nil, c.classifyFileErr(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, c.classifyFileErr(err)
	}
	return f, nil
}

// CreateWriter opens (creating if needed) a remote file for writing at the
// given offset. Parent directories must already exist.
func (c *Channel) CreateWriter(path string, offset int64) (io.WriteCloser, error) {
	_, files, err := c.conn()
	if err != nil {
		return nil, err
	}
	f, err := files.OpenFile(path, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return nil, c.classifyFileErr(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, c.classifyFileErr(err)
	}
	return f, nil
}

func (c *Channel) FileSize(path string) (int64, error) {
	_, files, err := c.conn()
	if err != nil {
		return 0, err
	}
	info, err := files.Stat(path)
	if err != nil {
		return 0, c.classifyFileErr(err)
	}
	return info.Size(), nil
}

func (c *Channel) FileExists(path string) (bool, error) {
	_, files, err := c.conn()
	if err != nil {
		return false, err
	}
	if _, err := files.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, c.classifyFileErr(err)
	}
	return true, nil
}

func (c *Channel) MkdirAll(path string) error {
	_, files, err := c.conn()
	if err != nil {
		return err
	}
	if err := files.MkdirAll(path); err != nil {
		return c.classifyFileErr(err)
	}
	return nil
}

func (c *Channel) Remove(path string) error {
	_, files, err := c.conn()
	if err != nil {
		return err
	}
	if err := files.Remove(path); err != nil {
		return c.classifyFileErr(err)
	}
	return nil
}

func (c *Channel) Rename(oldPath, newPath string) error {
	_, files, err := c.conn()
	if err != nil {
		return err
	}
	if err := files.PosixRename(oldPath, newPath); err != nil {
		return c.classifyFileErr(err)
	}
	return nil
}

// classifyFileErr maps sftp failures to a ConnectionError when the transport
// is gone; plain file errors (missing path, permissions) pass through.
func (c *Channel) classifyFileErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
	return err
}

func strimmed(b []byte) string {
	return string(bytes.TrimSpace(b))
}
