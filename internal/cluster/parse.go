package cluster

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/proxmove/proxmove/internal/migration"
)

var (
	diskKeyRe = regexp.MustCompile(`^(ide|sata|scsi|virtio|efidisk|tpmstate)\d+$`)
	nicKeyRe  = regexp.MustCompile(`^net\d+$`)
)

// parseVMConfig converts the raw key/value VM definition returned by the
// API into the typed model. Unrecognized keys are preserved verbatim.
func parseVMConfig(vmid int, raw map[string]string) *migration.VMConfig {
	cfg := &migration.VMConfig{
		VMID:    vmid,
		Options: make(map[string]string),
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		switch {
		case k == "name":
			cfg.Name = v
		case k == "digest":
			// config revision hash, never written back
		case diskKeyRe.MatchString(k):
			if d, ok := parseDiskEntry(k, v); ok {
				cfg.Disks = append(cfg.Disks, d)
			} else {
				cfg.Options[k] = v
			}
		case nicKeyRe.MatchString(k):
			cfg.NICs = append(cfg.NICs, parseNICEntry(k, v))
		default:
			cfg.Options[k] = v
		}
	}
	return cfg
}

// parseDiskEntry splits a disk reference of the form
// "pool:volume,size=32G,cache=writeback". Entries without a pool separator
// (e.g. "none,media=cdrom") are rejected.
func parseDiskEntry(device, raw string) (migration.Disk, bool) {
	parts := strings.Split(raw, ",")
	ref := parts[0]
	i := strings.IndexByte(ref, ':')
	if i <= 0 {
		return migration.Disk{}, false
	}
	d := migration.Disk{
		Device: device,
		Pool:   ref[:i],
		Volume: ref[i+1:],
	}
	var extra []string
	for _, opt := range parts[1:] {
		k, v, _ := strings.Cut(opt, "=")
		switch k {
		case "size":
			d.SizeBytes = parseSize(v)
		case "media":
			d.Media = v
			extra = append(extra, opt)
		case "format":
			d.Format = v
		default:
			extra = append(extra, opt)
		}
	}
	if d.Format == "" {
		if ext := strings.TrimPrefix(path.Ext(d.Volume), "."); ext != "" {
			d.Format = ext
		} else {
			d.Format = "raw"
		}
	}
	d.Options = strings.Join(extra, ",")
	return d, true
}

func formatDiskEntry(d migration.Disk) string {
	out := d.Pool + ":" + d.Volume
	if d.SizeBytes > 0 {
		out += ",size=" + formatSize(d.SizeBytes)
	}
	if d.Options != "" {
		out += "," + d.Options
	}
	return out
}

// parseNICEntry splits a network interface of the form
// "virtio=DE:AD:BE:EF:00:01,bridge=vmbr0,tag=42,firewall=1".
func parseNICEntry(device, raw string) migration.NIC {
	n := migration.NIC{Device: device}
	var extra []string
	for i, opt := range strings.Split(raw, ",") {
		k, v, found := strings.Cut(opt, "=")
		switch {
		case i == 0 && found && !strings.Contains(k, "."):
			n.Model = opt
		case k == "bridge":
			n.Bridge = v
		case k == "tag":
			n.VLANTag, _ = strconv.Atoi(v)
		default:
			extra = append(extra, opt)
		}
	}
	n.Options = strings.Join(extra, ",")
	return n
}

func formatNICEntry(n migration.NIC) string {
	parts := []string{n.Model}
	if n.Bridge != "" {
		parts = append(parts, "bridge="+n.Bridge)
	}
	if n.VLANTag > 0 {
		parts = append(parts, "tag="+strconv.Itoa(n.VLANTag))
	}
	if n.Options != "" {
		parts = append(parts, n.Options)
	}
	return strings.Join(parts, ",")
}

// parseSize accepts the API's size notation: a plain byte count or a
// number with a K/M/G/T suffix.
func parseSize(s string) int64 {
	if s == "" {
		return 0
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	case 'T':
		mult = 1 << 40
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}

func formatSize(bytes int64) string {
	for _, u := range []struct {
		mult   int64
		suffix string
	}{
		{1 << 40, "T"},
		{1 << 30, "G"},
		{1 << 20, "M"},
		{1 << 10, "K"},
	} {
		if bytes >= u.mult && bytes%u.mult == 0 {
			return fmt.Sprintf("%d%s", bytes/u.mult, u.suffix)
		}
	}
	return strconv.FormatInt(bytes, 10)
}
