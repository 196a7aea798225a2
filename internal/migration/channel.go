package migration

import (
	"context"

	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/sshtunnel"
)

// DialFunc opens a transfer channel to one cluster host. Wired to
// sshtunnel in production, to fakes in tests.
type DialFunc func(ctx context.Context, ep sshtunnel.Endpoint) (driver.Channel, func() error, error)

// DialSSH is the production DialFunc.
func DialSSH(ctx context.Context, ep sshtunnel.Endpoint) (driver.Channel, func() error, error) {
	ch, err := sshtunnel.Dial(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	return sshChannel{ch}, ch.Close, nil
}

// sshChannel lifts *sshtunnel.Channel onto the driver contract; the pipe
// constructors need their concrete return type widened.
type sshChannel struct {
	*sshtunnel.Channel
}

func (c sshChannel) StartSource(cmd string) (driver.Pipe, error) {
	return c.Channel.StartSource(cmd)
}

func (c sshChannel) StartSink(cmd string) (driver.Pipe, error) {
	return c.Channel.StartSink(cmd)
}
