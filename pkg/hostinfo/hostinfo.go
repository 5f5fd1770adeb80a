// Package hostinfo snapshots coarse hardware facts for device
// announcements and the built-in system_info tool.
package hostinfo

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/skyrelay/skyrelay/pkg/models"
)

// Detect gathers a capability snapshot of the current host. Failures of
// individual probes degrade to empty fields rather than an error; an
// announcement with partial hardware info is still useful.
func Detect() *models.HostCapabilities {
	caps := &models.HostCapabilities{
		CPUThreads: runtime.NumCPU(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}

	if hostname, err := os.Hostname(); err == nil {
		caps.Hostname = hostname
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		caps.RAMBytes = vm.Total
	}

	return caps
}

// FormatRAM renders a byte count as a human-readable size.
func FormatRAM(bytes uint64) string {
	const gb = 1024 * 1024 * 1024
	if bytes >= gb {
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	}
	const mb = 1024 * 1024
	return fmt.Sprintf("%d MB", bytes/mb)
}
