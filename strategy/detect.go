package strategy

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/mem"
)

// DetectCapabilities probes the host once. System memory comes from
// gopsutil; the heap budget comes from the Go runtime memory limit when one
// has been configured (GOMEMLIMIT or debug.SetMemoryLimit).
func DetectCapabilities(ctx context.Context, stagingAvailable bool) Capabilities {
	caps := Capabilities{
		StagingAvailable: stagingAvailable,
		Mobile:           runtime.GOOS == "android" || runtime.GOOS == "ios",
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Available > 0 {
		caps.DeviceMemory = int64(min(vm.Available, math.MaxInt64))
	}

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		caps.HeapLimit = limit
		caps.HeapInUse = int64(ms.HeapInuse)
	}

	return caps
}
