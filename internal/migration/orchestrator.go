package migration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/sshtunnel"
	"github.com/proxmove/proxmove/pkg/metrics"
)

const (
	defaultWorkerCap       = 2
	defaultJobTimeout      = 12 * time.Hour
	defaultShutdownTimeout = 5 * time.Minute
	defaultRollbackTimeout = 10 * time.Minute

	vmStateStopped = "stopped"
)

type Options struct {
	// WorkerCap bounds concurrent disk transfers per job.
	WorkerCap       int
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
	Driver          driver.Options
}

func (o Options) workerCap() int {
	if o.WorkerCap <= 0 {
		return defaultWorkerCap
	}
	return o.WorkerCap
}

func (o Options) jobTimeout() time.Duration {
	if o.JobTimeout <= 0 {
		return defaultJobTimeout
	}
	return o.JobTimeout
}

func (o Options) shutdownTimeout() time.Duration {
	if o.ShutdownTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return o.ShutdownTimeout
}

// JobSink receives every job once it reaches a terminal state.
type JobSink interface {
	JobFinished(job MigrationJob)
}

// StartRequest is an admitted migration request with its cluster
// capabilities already resolved.
type StartRequest struct {
	SourceClusterID uint
	TargetClusterID uint

	SourceNode string
	TargetNode string
	SourceVMID int
	TargetVMID int

	PoolMap    map[string]string
	NetworkMap map[string]string

	SourceAPI ClusterAPI
	TargetAPI ClusterAPI

	SourceSSH sshtunnel.Endpoint
	TargetSSH sshtunnel.Endpoint
}

// Orchestrator owns the running jobs. Each job executes on its own
// goroutine and walks the pending, validating, transferring,
// reconfiguring, completed state machine; failed and cancelled are
// reachable from every non-terminal state and every job ends terminal.
type Orchestrator struct {
	opts    Options
	tracker *Tracker
	locks   *lockRegistry
	dial    DialFunc
	drivers map[StorageKind]driver.Driver
	sink    JobSink
	log     *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(opts Options, tracker *Tracker, dial DialFunc, sink JobSink) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		tracker: tracker,
		locks:   newLockRegistry(),
		dial:    dial,
		drivers: newDriverSet(opts.Driver),
		sink:    sink,
		log:     zap.S().Named("orchestrator"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start admits a migration. Only one job per source VM may be live at a
// time; a second request is rejected before any remote action happens.
func (o *Orchestrator) Start(req StartRequest) (uuid.UUID, error) {
	job := &MigrationJob{
		ID:              uuid.New(),
		SourceClusterID: req.SourceClusterID,
		TargetClusterID: req.TargetClusterID,
		SourceVMID:      req.SourceVMID,
		TargetVMID:      req.TargetVMID,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}

	key := lockKey(req.SourceClusterID, req.SourceVMID)
	if !o.locks.TryAcquire(key, job.ID) {
		return uuid.Nil, NewErrJobAlreadyInProgress(req.SourceClusterID, req.SourceVMID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.jobTimeout())
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.tracker.Register(job)
	o.updateGauges()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.locks.Release(key, job.ID)
		defer func() {
			o.mu.Lock()
			delete(o.cancels, job.ID)
			o.mu.Unlock()
		}()
		o.run(ctx, req, job)
	}()
	return job.ID, nil
}

// Cancel requests cancellation of a live job. Terminal jobs are left as
// they are.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return errors.Errorf("no running job %s", id)
	}
	cancel()
	return nil
}

func (o *Orchestrator) Snapshot(id uuid.UUID) (MigrationJob, bool) {
	return o.tracker.Snapshot(id)
}

func (o *Orchestrator) Jobs() []MigrationJob {
	return o.tracker.List()
}

// Shutdown cancels every live job and waits for their rollbacks, or until
// ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, req StartRequest, job *MigrationJob) {
	log := o.log.With("job", job.ID.String(), "vm", req.SourceVMID)
	log.Infow("migration admitted", "source_node", req.SourceNode, "target_node", req.TargetNode)

	o.transition(job, StatusValidating)
	plan, err := o.buildPlan(ctx, req)
	if err != nil {
		log.Errorw("planning failed", "error", err)
		o.finish(ctx, job, nil, nil, nil, req, err)
		return
	}
	o.adoptPlan(job, plan)
	log.Infow("plan ready", "target_vmid", plan.TargetVMID, "disks", len(plan.Transfers), "unmapped_nics", plan.UnmappedNICs)

	o.transition(job, StatusTransferring)
	if err := o.ensureStopped(ctx, req); err != nil {
		log.Errorw("source vm shutdown failed", "error", err)
		o.finish(ctx, job, plan, nil, nil, req, err)
		return
	}

	src, srcClose, err := o.dial(ctx, req.SourceSSH)
	if err != nil {
		o.finish(ctx, job, plan, nil, nil, req, err)
		return
	}
	defer srcClose() //nolint:errcheck
	dst, dstClose, err := o.dial(ctx, req.TargetSSH)
	if err != nil {
		o.finish(ctx, job, plan, nil, nil, req, err)
		return
	}
	defer dstClose() //nolint:errcheck

	if err := o.copyDisks(ctx, job, plan, src, dst); err != nil {
		log.Errorw("disk transfer failed", "error", err)
		o.finish(ctx, job, plan, src, dst, req, err)
		return
	}

	o.transition(job, StatusReconfiguring)
	if err := o.reconfigure(ctx, req, plan); err != nil {
		log.Errorw("target reconfiguration failed", "error", err)
		o.finish(ctx, job, plan, src, dst, req, err)
		return
	}

	o.cleanup(src, dst, plan)
	o.finish(ctx, job, plan, src, dst, req, nil)
	log.Infow("migration completed", "target_vmid", plan.TargetVMID)
}

// buildPlan gathers cluster state and runs the pure planner. Nothing here
// mutates either cluster.
func (o *Orchestrator) buildPlan(ctx context.Context, req StartRequest) (*TransferPlan, error) {
	cfg, err := req.SourceAPI.GetVMConfig(ctx, req.SourceNode, req.SourceVMID)
	if err != nil {
		return nil, errors.Wrap(err, "reading source vm definition")
	}
	sourcePools, err := req.SourceAPI.ListStoragePools(ctx, req.SourceNode)
	if err != nil {
		return nil, errors.Wrap(err, "listing source storage pools")
	}
	targetPools, err := req.TargetAPI.ListStoragePools(ctx, req.TargetNode)
	if err != nil {
		return nil, errors.Wrap(err, "listing target storage pools")
	}
	usedIDs, err := req.TargetAPI.ListVMIDs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing target vm identifiers")
	}

	volumes := make(map[string][]Volume)
	for _, pool := range req.PoolMap {
		if _, done := volumes[pool]; done {
			continue
		}
		vols, err := req.TargetAPI.ListVolumes(ctx, req.TargetNode, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "listing volumes of target pool %s", pool)
		}
		volumes[pool] = vols
	}

	return Plan(PlanRequest{
		Source:          cfg,
		SourceNode:      req.SourceNode,
		TargetNode:      req.TargetNode,
		TargetVMID:      req.TargetVMID,
		PoolMap:         req.PoolMap,
		NetworkMap:      req.NetworkMap,
		SourcePools:     sourcePools,
		TargetPools:     targetPools,
		TargetVolumes:   volumes,
		UsedTargetVMIDs: usedIDs,
	})
}

func (o *Orchestrator) adoptPlan(job *MigrationJob, plan *TransferPlan) {
	job.TargetVMID = plan.TargetVMID
	job.Transfers = append([]DiskTransfer(nil), plan.Transfers...)
	job.UnmappedNICs = append([]string(nil), plan.UnmappedNICs...)
	o.tracker.UpdateJob(job.ID, func(j *MigrationJob) {
		j.TargetVMID = plan.TargetVMID
		j.Transfers = append([]DiskTransfer(nil), plan.Transfers...)
		j.UnmappedNICs = append([]string(nil), plan.UnmappedNICs...)
	})
}

// ensureStopped gates the copy phase on a powered-off source VM. A running
// VM gets a stop request and is polled until it reports stopped or the
// shutdown window elapses.
func (o *Orchestrator) ensureStopped(ctx context.Context, req StartRequest) error {
	state, err := req.SourceAPI.VMStatus(ctx, req.SourceNode, req.SourceVMID)
	if err != nil {
		return errors.Wrap(err, "reading source vm state")
	}
	if state == vmStateStopped {
		return nil
	}
	o.log.Infow("stopping source vm", "vm", req.SourceVMID, "state", state)
	if err := req.SourceAPI.StopVM(ctx, req.SourceNode, req.SourceVMID); err != nil {
		return errors.Wrap(err, "stopping source vm")
	}

	deadline := time.Now().Add(o.opts.shutdownTimeout())
	ticker := jitterbug.New(2*time.Second, &jitterbug.Norm{Stdev: 300 * time.Millisecond})
	defer ticker.Stop()
	for {
		state, err = req.SourceAPI.VMStatus(ctx, req.SourceNode, req.SourceVMID)
		if err != nil {
			return errors.Wrap(err, "polling source vm state")
		}
		if state == vmStateStopped {
			return nil
		}
		if time.Now().After(deadline) {
			return NewErrShutdownTimeout(req.SourceVMID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// copyDisks runs the bounded worker pool over the plan. The first disk
// failure cancels the group; in-flight siblings stop at their next chunk
// boundary. The errgroup join is the barrier before reconfiguration.
func (o *Orchestrator) copyDisks(ctx context.Context, job *MigrationJob, plan *TransferPlan, src, dst driver.Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := o.opts.workerCap()
	if limit > len(plan.Transfers) && len(plan.Transfers) > 0 {
		limit = len(plan.Transfers)
	}
	g.SetLimit(limit)

	for i := range plan.Transfers {
		t := plan.Transfers[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				o.tracker.UpdateDisk(job.ID, t.DiskIndex, 0, DiskCancelled)
				return gctx.Err()
			}
			drv, ok := o.drivers[t.TargetKind]
			if !ok {
				err := NewErrUnsupportedStorageKind(string(t.TargetKind))
				o.tracker.UpdateDisk(job.ID, t.DiskIndex, 0, DiskFailed)
				return err
			}
			o.tracker.UpdateDisk(job.ID, t.DiskIndex, 0, DiskCopying)
			sink := &diskSink{tracker: o.tracker, jobID: job.ID, index: t.DiskIndex, kind: t.Kind}
			err := drv.Transfer(gctx, src, dst, driverTransfer(job.ID, t), sink)
			if err != nil {
				if gctx.Err() != nil && errors.Is(err, context.Canceled) {
					o.tracker.UpdateDisk(job.ID, t.DiskIndex, 0, DiskCancelled)
					return err
				}
				o.tracker.UpdateDisk(job.ID, t.DiskIndex, 0, DiskFailed)
				metrics.IncDiskFailure(string(t.Kind), string(Classify(err)))
				return err
			}
			o.tracker.UpdateDisk(job.ID, t.DiskIndex, sink.total(), DiskDone)
			return nil
		})
	}
	return g.Wait()
}

// reconfigure writes the rewritten VM definition to the target cluster and
// reads it back to confirm every migrated disk is referenced.
func (o *Orchestrator) reconfigure(ctx context.Context, req StartRequest, plan *TransferPlan) error {
	if err := req.TargetAPI.WriteVMConfig(ctx, plan.TargetNode, &plan.TargetConfig); err != nil {
		return errors.Wrap(err, "writing target vm definition")
	}
	got, err := req.TargetAPI.GetVMConfig(ctx, plan.TargetNode, plan.TargetVMID)
	if err != nil {
		return errors.Wrap(err, "reading back target vm definition")
	}
	have := make(map[string]string, len(got.Disks))
	for _, d := range got.Disks {
		have[d.Device] = d.Pool + ":" + d.Volume
	}
	for _, d := range plan.TargetConfig.Disks {
		if have[d.Device] != d.Pool+":"+d.Volume {
			return errors.Errorf("target vm definition readback mismatch on %s", d.Device)
		}
	}
	return nil
}

// cleanup removes staging artifacts of successful transfers. Best-effort;
// a leftover snapshot never fails a completed migration.
func (o *Orchestrator) cleanup(src, dst driver.Channel, plan *TransferPlan) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRollbackTimeout)
	defer cancel()
	for _, t := range plan.Transfers {
		drv, ok := o.drivers[t.TargetKind]
		if !ok {
			continue
		}
		if err := drv.Cleanup(ctx, src, dst, driverTransfer(uuid.Nil, t)); err != nil {
			o.log.Warnw("post-transfer cleanup failed", "disk", t.DiskIndex, "error", err)
		}
	}
}

// rollback undoes target-side artifacts of an aborted job. The source VM
// and its disks are never touched. It runs on a fresh context because the
// job context is typically already cancelled.
func (o *Orchestrator) rollback(job *MigrationJob, plan *TransferPlan, src, dst driver.Channel, req StartRequest, removeVM bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRollbackTimeout)
	defer cancel()

	if src != nil && dst != nil {
		// channels may have died with the job
		if err := src.Reconnect(ctx); err != nil {
			o.log.Warnw("rollback: source channel unavailable", "job", job.ID.String(), "error", err)
		}
		if err := dst.Reconnect(ctx); err != nil {
			o.log.Warnw("rollback: target channel unavailable", "job", job.ID.String(), "error", err)
		}
		snap, _ := o.tracker.Snapshot(job.ID)
		for _, t := range snap.Transfers {
			if t.Status == DiskPending {
				continue
			}
			drv, ok := o.drivers[t.TargetKind]
			if !ok {
				continue
			}
			if err := drv.Rollback(ctx, src, dst, driverTransfer(job.ID, t)); err != nil {
				o.log.Warnw("rollback of disk artifacts failed", "job", job.ID.String(), "disk", t.DiskIndex, "error", err)
			}
		}
	}
	if removeVM {
		if err := req.TargetAPI.DeleteVM(ctx, plan.TargetNode, plan.TargetVMID); err != nil {
			o.log.Warnw("rollback: removing target vm definition failed", "job", job.ID.String(), "error", err)
		}
	}
}

// finish drives the job to its terminal state, rolling back when it did
// not complete, and hands the final snapshot to the sink.
func (o *Orchestrator) finish(ctx context.Context, job *MigrationJob, plan *TransferPlan, src, dst driver.Channel, req StartRequest, cause error) {
	var status JobStatus
	switch {
	case cause == nil:
		status = StatusCompleted
	case ctx.Err() != nil:
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	if status != StatusCompleted && plan != nil {
		removeVM := job.Status == StatusReconfiguring
		o.rollback(job, plan, src, dst, req, removeVM)
	}

	now := time.Now()
	kind := KindNone
	msg := ""
	if status == StatusFailed {
		kind = Classify(cause)
		msg = cause.Error()
	}
	diskFinal := DiskCancelled
	o.tracker.UpdateJob(job.ID, func(j *MigrationJob) {
		j.Status = status
		j.ErrorKind = kind
		j.ErrorMessage = msg
		j.FinishedAt = &now
		for i := range j.Transfers {
			if !j.Transfers[i].Status.Terminal() {
				j.Transfers[i].Status = diskFinal
			}
		}
	})
	job.Status = status
	o.updateGauges()
	if job.StartedAt != nil {
		metrics.ObserveJobDuration(string(status), now.Sub(*job.StartedAt).Seconds())
	}
	if o.sink != nil {
		if snap, ok := o.tracker.Snapshot(job.ID); ok {
			o.sink.JobFinished(snap)
		}
	}
}

// transition moves a live job forward. Transitions are monotonic; terminal
// states are only ever set by finish.
func (o *Orchestrator) transition(job *MigrationJob, status JobStatus) {
	job.Status = status
	now := time.Now()
	o.tracker.UpdateJob(job.ID, func(j *MigrationJob) {
		j.Status = status
		if status == StatusValidating && j.StartedAt == nil {
			j.StartedAt = &now
		}
	})
	if status == StatusValidating && job.StartedAt == nil {
		job.StartedAt = &now
	}
	o.updateGauges()
}

func (o *Orchestrator) updateGauges() {
	counts := o.tracker.CountByStatus()
	for _, s := range []JobStatus{StatusPending, StatusValidating, StatusTransferring, StatusReconfiguring, StatusCompleted, StatusFailed, StatusCancelled} {
		metrics.SetJobsByStatus(string(s), counts[s])
	}
}

func driverTransfer(jobID uuid.UUID, t DiskTransfer) driver.Transfer {
	return driver.Transfer{
		JobID:        jobID.String(),
		DiskIndex:    t.DiskIndex,
		Kind:         string(t.TargetKind),
		SourceBase:   t.SourceBase,
		TargetBase:   t.TargetBase,
		SourceVolume: t.SourceVolume,
		TargetVolume: t.TargetVolume,
		SourcePath:   t.SourcePath,
		TargetPath:   t.TargetPath,
		SizeBytes:    t.SizeBytes,
	}
}

// diskSink forwards driver progress into the tracker and metrics. Progress
// deltas are computed here so the counter only ever moves by confirmed
// bytes.
type diskSink struct {
	tracker *Tracker
	jobID   uuid.UUID
	index   int
	kind    StorageKind

	mu       sync.Mutex
	size     int64
	reported int64
}

func (s *diskSink) SetSize(bytes int64) {
	s.mu.Lock()
	s.size = bytes
	s.mu.Unlock()
	s.tracker.SetDiskSize(s.jobID, s.index, bytes)
}

func (s *diskSink) Progress(bytes int64) {
	s.mu.Lock()
	delta := bytes - s.reported
	if delta > 0 {
		s.reported = bytes
	}
	s.mu.Unlock()
	if delta <= 0 {
		return
	}
	metrics.AddTransferredBytes(string(s.kind), delta)
	s.tracker.UpdateDisk(s.jobID, s.index, bytes, "")
}

func (s *diskSink) Verifying() {
	s.tracker.UpdateDisk(s.jobID, s.index, 0, DiskVerifying)
}

func (s *diskSink) total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > 0 {
		return s.size
	}
	return s.reported
}
