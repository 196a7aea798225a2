package events

import "time"

// JobEvent is the payload published when a migration reaches a terminal
// state.
type JobEvent struct {
	JobID           string     `json:"job_id"`
	SourceClusterID uint       `json:"source_cluster_id"`
	TargetClusterID uint       `json:"target_cluster_id"`
	SourceVMID      int        `json:"source_vm_id"`
	TargetVMID      int        `json:"target_vm_id"`
	Status          string     `json:"status"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
