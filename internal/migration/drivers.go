package migration

import (
	"github.com/proxmove/proxmove/internal/migration/driver"
)

// newDriverSet builds the per-kind driver lookup. Dispatch keys on the
// target pool kind: within a family the target side decides how the
// volume is allocated.
func newDriverSet(opts driver.Options) map[StorageKind]driver.Driver {
	file := driver.NewFileDriver(opts)
	return map[StorageKind]driver.Driver{
		KindDirectory: file,
		KindNFS:       file,
		KindCIFS:      file,
		KindLVM:       driver.NewLVMDriver(opts),
		KindLVMThin:   driver.NewLVMThinDriver(opts),
		KindZFS:       driver.NewZFSDriver(opts),
		KindRBD:       driver.NewRBDDriver(opts),
	}
}
