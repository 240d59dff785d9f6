// Package hostinfo inspects the local host: OS identity for the dependency
// bootstrap, the primary address for the server URL, and a resource snapshot
// for status output.
package hostinfo

import (
	"context"
	"fmt"
	stdnet "net"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Distro groups platforms by the package manager the bootstrap uses.
type Distro int

const (
	DistroGeneric Distro = iota
	DistroDebian
	DistroRHEL
)

func (d Distro) String() string {
	switch d {
	case DistroDebian:
		return "debian"
	case DistroRHEL:
		return "rhel"
	default:
		return "generic"
	}
}

// Platform is the detected OS identity.
type Platform struct {
	ID      string
	Family  string
	Version string
	Distro  Distro
}

// Detect reads the OS identity.
func Detect(ctx context.Context) (Platform, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Platform{}, fmt.Errorf("detecting host platform: %w", err)
	}
	p := Platform{
		ID:      strings.ToLower(info.Platform),
		Family:  strings.ToLower(info.PlatformFamily),
		Version: info.PlatformVersion,
	}
	p.Distro = Classify(p.ID, p.Family)
	return p, nil
}

// Classify maps a platform id and family onto a Distro.
func Classify(id, family string) Distro {
	switch strings.ToLower(id) {
	case "debian", "ubuntu", "raspbian", "linuxmint", "pop":
		return DistroDebian
	case "fedora", "rhel", "redhat", "centos", "rocky", "almalinux", "oracle":
		return DistroRHEL
	}
	switch strings.ToLower(family) {
	case "debian":
		return DistroDebian
	case "rhel", "fedora":
		return DistroRHEL
	}
	return DistroGeneric
}

// PrimaryIPv4 returns the first IPv4 address of an up, non-loopback
// interface, or "localhost" when none is found.
func PrimaryIPv4(ctx context.Context) string {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return "localhost"
	}
	return pickPrimary(ifaces)
}

var virtualPrefixes = []string{"docker", "br-", "veth", "virbr", "cni", "flannel", "cali"}

func pickPrimary(ifaces []net.InterfaceStat) string {
	var fallback string
	sorted := append([]net.InterfaceStat(nil), ifaces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	for _, iface := range sorted {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := stdnet.ParseCIDR(a.Addr)
			if err != nil {
				ip = stdnet.ParseIP(a.Addr)
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			if isVirtual(iface.Name) {
				if fallback == "" {
					fallback = ip.String()
				}
				continue
			}
			return ip.String()
		}
	}
	if fallback != "" {
		return fallback
	}
	return "localhost"
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func isVirtual(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time view of host resources.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPath      string
	DiskPercent   float64
	DiskFreeBytes uint64
}

// Collect samples CPU over a short interval plus memory and the filesystem
// holding diskPath. Individual probes that fail are left at zero.
func Collect(ctx context.Context, diskPath string) Snapshot {
	s := Snapshot{DiskPath: diskPath}

	if pct, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if diskPath != "" {
		if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
			s.DiskPercent = du.UsedPercent
			s.DiskFreeBytes = du.Free
		}
	}
	return s
}
