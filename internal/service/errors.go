package service

import (
	"fmt"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id any, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %v not found", resourceType, id)}
}

func NewErrClusterNotFound(id uint) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "cluster")
}

func NewErrMigrationNotFound(id any) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "migration")
}

type ErrNotCancellable struct {
	error
}

func NewErrNotCancellable(id any) *ErrNotCancellable {
	return &ErrNotCancellable{fmt.Errorf("migration %v already reached a terminal state", id)}
}

type ErrClusterInUse struct {
	error
}

func NewErrClusterInUse(id uint) *ErrClusterInUse {
	return &ErrClusterInUse{fmt.Errorf("cluster %d has running migrations", id)}
}
