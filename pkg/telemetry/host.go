package telemetry

import (
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// CollectHost samples the local machine.
func CollectHost(now time.Time) (*Telemetry, error) {
	meminfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	loadAvg, err := load.Avg()
	if err != nil {
		return nil, err
	}

	uptime, err := host.Uptime()
	if err != nil {
		return nil, err
	}

	diskUsage, err := disk.Usage("/")
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Time: uint32(now.Unix()),
		Host: &HostMetrics{
			UptimeSeconds:  uint32(uptime),
			Load1:          uint32(loadAvg.Load1 * 100),
			Load5:          uint32(loadAvg.Load5 * 100),
			Load15:         uint32(loadAvg.Load15 * 100),
			FreememBytes:   meminfo.Available,
			Diskfree1Bytes: diskUsage.Free,
		},
	}, nil
}
