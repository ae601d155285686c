package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugo-lorenzo-mato/bootguard/internal/core"
)

// Resources holds host-wide usage figures shown by the doctor command.
type Resources struct {
	// Memory (in MB)
	MemTotalMB float64 `json:"mem_total_mb"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemPercent float64 `json:"mem_percent"`

	// Disk holding the store (in GB)
	DiskPath    string  `json:"disk_path"`
	DiskTotalGB float64 `json:"disk_total_gb"`
	DiskUsedGB  float64 `json:"disk_used_gb"`
	DiskPercent float64 `json:"disk_percent"`

	// Load Average (Unix)
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`
}

// Platform reads host identity and memory pressure. Identity is gathered once
// and cached; hardware does not change under a running process.
type Platform struct {
	mu       sync.Mutex
	identity *core.PlatformInfo
}

// NewPlatform creates a platform reader.
func NewPlatform() *Platform {
	return &Platform{}
}

// Identity returns the host identity. Fields that cannot be read stay empty.
func (p *Platform) Identity(ctx context.Context) core.PlatformInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identity != nil {
		return cloneIdentity(*p.identity)
	}

	info := core.PlatformInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
	}
	if h, err := host.InfoWithContext(ctx); err == nil && h != nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
	} else if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		info.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil && threads > 0 {
		info.CPUThreads = threads
	}
	info.GPUs = queryGhwGPU()

	// A cancelled context may have cut readings short; do not cache those.
	if ctx.Err() == nil {
		p.identity = &info
	}
	return cloneIdentity(info)
}

// MemoryRatio returns the host used-memory ratio in [0,1].
func (p *Platform) MemoryRatio(ctx context.Context) (float64, bool) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil || vm.Total == 0 {
		return 0, false
	}
	return vm.UsedPercent / 100, true
}

// Resources gathers memory, disk and load figures. path selects the disk;
// empty means the root filesystem. Unreadable figures stay zero.
func (p *Platform) Resources(ctx context.Context, path string) Resources {
	var r Resources

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		r.MemTotalMB = float64(vm.Total) / 1024 / 1024
		r.MemUsedMB = float64(vm.Used) / 1024 / 1024
		r.MemPercent = vm.UsedPercent
	}

	if path == "" {
		path = rootDiskPath()
	}
	r.DiskPath = path
	if usage, err := disk.UsageWithContext(ctx, existingParent(path)); err == nil && usage != nil {
		r.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
		r.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
		r.DiskPercent = usage.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		r.LoadAvg1 = avg.Load1
		r.LoadAvg5 = avg.Load5
		r.LoadAvg15 = avg.Load15
	}
	return r
}

// Uptime returns the host uptime, or zero when unavailable.
func (p *Platform) Uptime(ctx context.Context) time.Duration {
	secs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func queryGhwGPU() []string {
	info, err := ghw.GPU()
	if err != nil || info == nil || len(info.GraphicsCards) == 0 {
		return nil
	}

	gpus := make([]string, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if card.DeviceInfo != nil {
			if card.DeviceInfo.Vendor != nil && card.DeviceInfo.Product != nil {
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name + " " + card.DeviceInfo.Product.Name)
			} else if card.DeviceInfo.Product != nil {
				name = strings.TrimSpace(card.DeviceInfo.Product.Name)
			} else if card.DeviceInfo.Vendor != nil {
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name)
			}
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		gpus = append(gpus, name)
	}
	return gpus
}

func cloneIdentity(info core.PlatformInfo) core.PlatformInfo {
	info.GPUs = append([]string(nil), info.GPUs...)
	return info
}

// existingParent walks up from path to the first directory that exists, so
// disk usage can be read before the store file is created.
func existingParent(path string) string {
	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
