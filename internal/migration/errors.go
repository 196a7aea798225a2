package migration

import (
	"context"

	"github.com/pkg/errors"

	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/sshtunnel"
)

// ErrorKind classifies why a job failed. It is set only on jobs with
// status failed.
type ErrorKind string

const (
	KindNone                       ErrorKind = ""
	KindUnsupportedStorageKind     ErrorKind = "UnsupportedStorageKind"
	KindTargetPathConflict         ErrorKind = "TargetPathConflict"
	KindJobAlreadyInProgress       ErrorKind = "JobAlreadyInProgress"
	KindConnectionLost             ErrorKind = "ConnectionLost"
	KindRemoteCommandFailed        ErrorKind = "RemoteCommandFailed"
	KindRemoteCommandTimeout       ErrorKind = "RemoteCommandTimeout"
	KindTransferVerificationFailed ErrorKind = "TransferVerificationFailed"
	KindCancelled                  ErrorKind = "Cancelled"
)

type ErrUnsupportedStorageKind struct {
	error
}

func NewErrUnsupportedStorageKind(detail string) *ErrUnsupportedStorageKind {
	return &ErrUnsupportedStorageKind{error: errors.Errorf("unsupported storage kind: %s", detail)}
}

type ErrTargetPathConflict struct {
	error
}

func NewErrTargetPathConflict(pool, volume string) *ErrTargetPathConflict {
	return &ErrTargetPathConflict{error: errors.Errorf("target volume %s already exists in pool %s", volume, pool)}
}

type ErrJobAlreadyInProgress struct {
	error
}

func NewErrJobAlreadyInProgress(clusterID uint, vmid int) *ErrJobAlreadyInProgress {
	return &ErrJobAlreadyInProgress{error: errors.Errorf("a migration of vm %d on cluster %d is already in progress", vmid, clusterID)}
}

type ErrShutdownTimeout struct {
	error
}

func NewErrShutdownTimeout(vmid int) *ErrShutdownTimeout {
	return &ErrShutdownTimeout{error: errors.Errorf("vm %d did not stop within the shutdown window", vmid)}
}

// Classify maps an error to the kind recorded on the failed job.
func Classify(err error) ErrorKind {
	var (
		unsupported *ErrUnsupportedStorageKind
		conflict    *ErrTargetPathConflict
		inProgress  *ErrJobAlreadyInProgress
		shutdown    *ErrShutdownTimeout
		verify      *driver.VerificationError
		conn        *sshtunnel.ConnectionError
	)
	_, isCmdErr := sshtunnel.AsCommandError(err)
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &unsupported):
		return KindUnsupportedStorageKind
	case errors.As(err, &conflict):
		return KindTargetPathConflict
	case errors.As(err, &inProgress):
		return KindJobAlreadyInProgress
	case errors.As(err, &shutdown):
		return KindRemoteCommandTimeout
	case errors.As(err, &verify):
		return KindTransferVerificationFailed
	case errors.As(err, &conn):
		return KindConnectionLost
	case isCmdErr:
		return KindRemoteCommandFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindRemoteCommandTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindRemoteCommandFailed
	}
}
