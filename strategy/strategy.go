// Package strategy decides how an encrypted object is decrypted given the
// memory the host can spare: fully in memory, through the staging store,
// or not at all.
package strategy

import (
	"fmt"
)

// Mode is the processing mode chosen for an object.
type Mode string

const (
	ModeInMemory Mode = "in_memory"
	ModeStaged   Mode = "staged"
	ModeTooLarge Mode = "too_large"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30
)

// Tuning holds the empirical constants used by Select. They are not
// derived from first principles and may be overridden per deployment.
type Tuning struct {
	// InMemoryMultiplier is the peak memory factor for in-memory
	// decryption: raw, decrypted and replay-ready copies.
	InMemoryMultiplier float64
	// StagedMultiplier is the peak memory factor for staged decryption:
	// decrypted plus buffering.
	StagedMultiplier float64

	InMemoryFraction float64
	StagedFraction   float64
	FallbackFraction float64

	// ConstrainedBelow marks a device as constrained when its estimated
	// available memory is at or below this many bytes.
	ConstrainedBelow int64
	// DefaultAvailable is assumed when no memory signal is present.
	DefaultAvailable int64
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{
		InMemoryMultiplier: 3,
		StagedMultiplier:   2,
		InMemoryFraction:   0.7,
		StagedFraction:     0.8,
		FallbackFraction:   0.9,
		ConstrainedBelow:   4 * GiB,
		DefaultAvailable:   512 * MiB,
	}
}

// Capabilities is the host memory signal, computed once at startup by
// DetectCapabilities or built explicitly in tests.
type Capabilities struct {
	// DeviceMemory is a hint of memory available to the process, zero if unknown.
	DeviceMemory int64
	// HeapLimit and HeapInUse describe a runtime heap budget, zero if unset.
	HeapLimit int64
	HeapInUse int64
	// Mobile reports a mobile platform profile.
	Mobile bool
	// StagingAvailable reports that a staging backend is present.
	StagingAvailable bool
}

// EstimatedAvailable returns the memory the process can spend on one
// object. The heap budget, when set, caps the device hint.
func (c Capabilities) EstimatedAvailable(t Tuning) int64 {
	if c.DeviceMemory <= 0 && c.HeapLimit <= 0 {
		return t.DefaultAvailable
	}
	available := c.DeviceMemory
	if c.HeapLimit > 0 {
		headroom := max(c.HeapLimit-c.HeapInUse, 0)
		if available <= 0 || headroom < available {
			available = headroom
		}
	}
	return available
}

// Decision is the outcome of Select.
type Decision struct {
	Mode               Mode
	Size               int64
	PeakMemory         int64
	EstimatedAvailable int64
	Constrained        bool
	// PerformanceWarning is set when in-memory decryption was chosen as a
	// fallback because no staging backend exists.
	PerformanceWarning bool
	Warning            string
}

// Select chooses a processing mode for an object of size bytes. It is a
// pure function of its inputs.
func Select(size int64, caps Capabilities, t Tuning) Decision {
	available := caps.EstimatedAvailable(t)
	d := Decision{
		Size:               size,
		EstimatedAvailable: available,
		Constrained:        caps.Mobile || available <= t.ConstrainedBelow,
	}

	inMemoryPeak := int64(float64(size) * t.InMemoryMultiplier)
	stagedPeak := int64(float64(size) * t.StagedMultiplier)
	avail := float64(available)

	switch {
	case float64(inMemoryPeak) < avail*t.InMemoryFraction:
		d.Mode = ModeInMemory
		d.PeakMemory = inMemoryPeak

	case caps.StagingAvailable && float64(stagedPeak) < avail*t.StagedFraction:
		d.Mode = ModeStaged
		d.PeakMemory = stagedPeak
		if d.Constrained {
			d.Warning = fmt.Sprintf("staging %s through disk on a memory constrained device", formatBytes(size))
		}

	case !caps.StagingAvailable && float64(inMemoryPeak) < avail*t.FallbackFraction:
		d.Mode = ModeInMemory
		d.PeakMemory = inMemoryPeak
		d.PerformanceWarning = true
		d.Warning = fmt.Sprintf("decrypting %s in memory without staging may be slow", formatBytes(size))

	default:
		d.Mode = ModeTooLarge
		d.PeakMemory = inMemoryPeak
		if caps.StagingAvailable {
			d.PeakMemory = stagedPeak
		}
		d.Warning = fmt.Sprintf("%s needs about %s but only %s is available",
			formatBytes(size), formatBytes(d.PeakMemory), formatBytes(available))
	}

	return d
}

func formatBytes(n int64) string {
	switch {
	case n >= GiB:
		return fmt.Sprintf("%.1f GiB", float64(n)/GiB)
	case n >= MiB:
		return fmt.Sprintf("%.1f MiB", float64(n)/MiB)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
