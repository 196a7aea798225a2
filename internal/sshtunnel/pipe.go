package sshtunnel

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Pipe is one half of a block-replication pipeline: a remote command whose
// stdout (producer side) or stdin (consumer side) is streamed by the caller.
type Pipe struct {
	host    string
	cmd     string
	session *ssh.Session
	stdout  io.Reader
	stdin   io.WriteCloser
	stderr  bytes.Buffer
}

// StartSource starts cmd remotely and exposes its stdout for streaming.
func (c *Channel) StartSource(cmd string) (*Pipe, error) {
	return c.startPipe(cmd, true)
}

// StartSink starts cmd remotely and exposes its stdin for streaming.
func (c *Channel) StartSink(cmd string) (*Pipe, error) {
	return c.startPipe(cmd, false)
}

func (c *Channel) startPipe(cmd string, source bool) (*Pipe, error) {
	client, _, err := c.conn()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Host: c.endpoint.Host, Err: err}
	}

	p := &Pipe{host: c.endpoint.Host, cmd: cmd, session: session}
	session.Stderr = &p.stderr

	if source {
		p.stdout, err = session.StdoutPipe()
	} else {
		p.stdin, err = session.StdinPipe()
	}
	if err != nil {
		_ = session.Close()
		return nil, &ConnectionError{Host: c.endpoint.Host, Err: err}
	}

	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, &ConnectionError{Host: c.endpoint.Host, Err: err}
	}
	return p, nil
}

func (p *Pipe) Stdout() io.Reader     { return p.stdout }
func (p *Pipe) Stdin() io.WriteCloser { return p.stdin }

// Wait blocks until the remote command exits and classifies the outcome:
// non-zero exit becomes a CommandError carrying captured stderr, everything
// else a ConnectionError.
func (p *Pipe) Wait() error {
	err := p.session.Wait()
	_ = p.session.Close()
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &CommandError{
			Cmd:      p.cmd,
			ExitCode: exitErr.ExitStatus(),
			Stderr:   strimmed(p.stderr.Bytes()),
		}
	}
	return &ConnectionError{Host: p.host, Err: err}
}

// Close aborts the remote command without waiting for it.
func (p *Pipe) Close() error {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	return p.session.Close()
}
