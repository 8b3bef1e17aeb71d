package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Probe functions are package-level so tests can substitute them.
var (
	cpuPercent     = cpu.PercentWithContext
	virtualMemory  = mem.VirtualMemoryWithContext
	diskUsage      = disk.UsageWithContext
	hostInfo       = host.InfoWithContext
	netConnections = gopsnet.ConnectionsWithContext
	processList    = process.ProcessesWithContext
)

// Collector builds telemetry samples from the local host. Each probe failure
// is logged and leaves its group zero-valued; a partial sample is still a
// valid sample.
type Collector struct {
	logger zerolog.Logger
}

// NewCollector creates a host telemetry collector.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger.With().Str("component", "telemetry_collector").Logger(),
	}
}

// Collect gathers a point-in-time sample for the given device ID.
func (c *Collector) Collect(ctx context.Context, deviceID string) *Sample {
	sample := &Sample{
		DeviceID:    deviceID,
		CollectedAt: time.Now().UTC(),
	}

	c.collectSystem(ctx, sample)
	c.collectNetwork(ctx, sample)
	c.collectProcesses(ctx, sample)

	return sample
}

func (c *Collector) collectSystem(ctx context.Context, sample *Sample) {
	if percents, err := cpuPercent(ctx, 0, false); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read CPU usage")
	} else if len(percents) > 0 {
		sample.System.CPUUsagePercent = percents[0]
	}

	if vm, err := virtualMemory(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		sample.System.MemoryUsagePercent = vm.UsedPercent
	}

	if du, err := diskUsage(ctx, "/"); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read disk usage")
	} else {
		sample.System.DiskUsagePercent = du.UsedPercent
	}

	if info, err := hostInfo(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read host info")
	} else {
		sample.System.UptimeSeconds = info.Uptime
		sample.System.OSVersion = info.PlatformVersion
	}
}

func (c *Collector) collectNetwork(ctx context.Context, sample *Sample) {
	conns, err := netConnections(ctx, "tcp")
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read network connections")
		return
	}

	for _, conn := range conns {
		if conn.Status != "ESTABLISHED" {
			continue
		}
		sample.Network.Connections = append(sample.Network.Connections, Connection{
			RemoteAddress: conn.Raddr.IP,
			RemotePort:    int(conn.Raddr.Port),
			State:         conn.Status,
		})
	}
	sample.Network.ActiveConnections = len(sample.Network.Connections)
}

func (c *Collector) collectProcesses(ctx context.Context, sample *Sample) {
	procs, err := processList(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read process list")
		return
	}

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		sample.Processes = append(sample.Processes, Process{
			PID:     p.Pid,
			Name:    name,
			Command: cmdline,
		})
	}
}
