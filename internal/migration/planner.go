package migration

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// PlanRequest carries everything the planner needs. It is assembled from
// cluster API reads; the planner itself performs no I/O.
type PlanRequest struct {
	Source     *VMConfig
	SourceNode string
	TargetNode string

	// TargetVMID is the requested identifier on the target cluster.
	// Zero means reuse the source identifier. Taken identifiers are
	// skipped upwards until a free one is found.
	TargetVMID int

	PoolMap    map[string]string
	NetworkMap map[string]string

	SourcePools []Pool
	TargetPools []Pool
	// TargetVolumes holds the existing volumes of each mapped target pool.
	TargetVolumes map[string][]Volume
	// UsedTargetVMIDs are the identifiers already allocated cluster-wide
	// on the target.
	UsedTargetVMIDs []int
}

var vmPrefixRe = regexp.MustCompile(`^vm-\d+-`)

// Plan validates the request and computes the full transfer plan. It is a
// pure function: the same request always yields the same plan, and a
// planning fault leaves both clusters untouched.
func Plan(req PlanRequest) (*TransferPlan, error) {
	if req.Source == nil {
		return nil, NewErrUnsupportedStorageKind("no source vm definition")
	}

	sourcePools := poolIndex(req.SourcePools)
	targetPools := poolIndex(req.TargetPools)
	targetVMID := allocateVMID(req.TargetVMID, req.Source.VMID, req.UsedTargetVMIDs)

	plan := &TransferPlan{
		SourceVMID: req.Source.VMID,
		TargetVMID: targetVMID,
		SourceNode: req.SourceNode,
		TargetNode: req.TargetNode,
	}

	targetDisks := make([]Disk, 0, len(req.Source.Disks))
	for _, d := range req.Source.Disks {
		if d.Media == "cdrom" {
			// ISO drives reference shared images, not VM data.
			continue
		}
		srcPool, ok := sourcePools[d.Pool]
		if !ok {
			return nil, NewErrUnsupportedStorageKind(fmt.Sprintf("source pool %s is not visible on node %s", d.Pool, req.SourceNode))
		}
		if !srcPool.Kind.Supported() {
			return nil, NewErrUnsupportedStorageKind(string(srcPool.Kind))
		}
		mapped, ok := req.PoolMap[d.Pool]
		if !ok {
			return nil, NewErrUnsupportedStorageKind(fmt.Sprintf("no storage mapping for source pool %s", d.Pool))
		}
		dstPool, ok := targetPools[mapped]
		if !ok {
			return nil, NewErrUnsupportedStorageKind(fmt.Sprintf("target pool %s is not visible on node %s", mapped, req.TargetNode))
		}
		if !dstPool.Kind.Supported() {
			return nil, NewErrUnsupportedStorageKind(string(dstPool.Kind))
		}
		if err := checkTransform(srcPool.Kind, dstPool.Kind); err != nil {
			return nil, err
		}

		targetVolume := renameVolume(d.Volume, srcPool.Kind, dstPool.Kind, targetVMID)
		for _, v := range req.TargetVolumes[dstPool.Name] {
			if v.Name == targetVolume {
				return nil, NewErrTargetPathConflict(dstPool.Name, targetVolume)
			}
		}

		t := DiskTransfer{
			DiskIndex:    len(plan.Transfers),
			Device:       d.Device,
			Kind:         srcPool.Kind,
			TargetKind:   dstPool.Kind,
			SourcePool:   srcPool.Name,
			SourceVolume: d.Volume,
			SourceBase:   srcPool.Base,
			SourcePath:   volumePath(srcPool, d.Volume),
			TargetPool:   dstPool.Name,
			TargetVolume: targetVolume,
			TargetBase:   dstPool.Base,
			TargetPath:   volumePath(dstPool, targetVolume),
			SizeBytes:    d.SizeBytes,
			Status:       DiskPending,
		}
		plan.Transfers = append(plan.Transfers, t)

		td := d
		td.Pool = dstPool.Name
		td.Volume = targetVolume
		targetDisks = append(targetDisks, td)
	}

	targetNICs := make([]NIC, 0, len(req.Source.NICs))
	for _, n := range req.Source.NICs {
		tn := n
		if bridge, ok := req.NetworkMap[n.Bridge]; ok {
			tn.Bridge = bridge
		} else {
			plan.UnmappedNICs = append(plan.UnmappedNICs, n.Device)
		}
		targetNICs = append(targetNICs, tn)
	}

	plan.TargetConfig = VMConfig{
		VMID:    targetVMID,
		Name:    req.Source.Name + "-migrated",
		Disks:   targetDisks,
		NICs:    targetNICs,
		Options: copyOptions(req.Source.Options),
	}
	return plan, nil
}

// checkTransform rejects disk moves between storage families that have no
// lossless conversion path.
func checkTransform(src, dst StorageKind) error {
	if src.family() != dst.family() {
		return NewErrUnsupportedStorageKind(fmt.Sprintf("cannot move %s disk to %s pool", src, dst))
	}
	return nil
}

// allocateVMID picks the target identifier: the requested one when free,
// otherwise the next free identifier above it.
func allocateVMID(requested, source int, used []int) int {
	taken := make(map[int]bool, len(used))
	for _, id := range used {
		taken[id] = true
	}
	id := requested
	if id <= 0 {
		id = source
	}
	if id < 100 {
		id = 100
	}
	for taken[id] {
		id++
	}
	return id
}

// renameVolume rewrites a volume name for the target VM, keeping the
// naming scheme and extension of the source.
func renameVolume(volume string, srcKind, dstKind StorageKind, targetVMID int) string {
	name := volume
	if srcKind.FileBased() {
		name = path.Base(volume)
	}
	if vmPrefixRe.MatchString(name) {
		name = vmPrefixRe.ReplaceAllString(name, fmt.Sprintf("vm-%d-", targetVMID))
	} else {
		ext := path.Ext(name)
		name = fmt.Sprintf("vm-%d-%s", targetVMID, strings.TrimSuffix(name, ext)) + ext
	}
	if dstKind.FileBased() {
		return strconv.Itoa(targetVMID) + "/" + name
	}
	return name
}

// volumePath computes where a volume lives on disk for its pool kind.
func volumePath(p Pool, volume string) string {
	switch {
	case p.Kind.FileBased():
		return p.Base + "/images/" + volume
	case p.Kind == KindLVM || p.Kind == KindLVMThin:
		vg := p.Base
		if i := strings.IndexByte(vg, '/'); i >= 0 {
			vg = vg[:i]
		}
		return "/dev/" + vg + "/" + volume
	case p.Kind == KindZFS:
		return "/dev/zvol/" + p.Base + "/" + volume
	default: // rbd
		return p.Base + "/" + volume
	}
}

func poolIndex(pools []Pool) map[string]Pool {
	m := make(map[string]Pool, len(pools))
	for _, p := range pools {
		m[p.Name] = p
	}
	return m
}

func copyOptions(opts map[string]string) map[string]string {
	if opts == nil {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}
