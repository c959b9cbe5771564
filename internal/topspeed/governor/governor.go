// Package governor implements ResilienceGovernor: a pure policy component
// (no I/O beyond a process-memory probe) that classifies tables into a
// size profile, picks an initial batch size, and adapts it in response to
// observed memory pressure.
package governor

import "runtime"

// Profile is a named bundle of resilience settings selected by estimated
// database (or table) size.
type Profile int

const (
	ProfileSmall Profile = iota
	ProfileMedium
	ProfileLarge
	ProfileEnterprise
)

func (p Profile) String() string {
	switch p {
	case ProfileSmall:
		return "small"
	case ProfileMedium:
		return "medium"
	case ProfileLarge:
		return "large"
	case ProfileEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

const (
	mib = 1 << 20
	gib = 1 << 30
)

// Settings is the bundle of resilience parameters a Profile resolves to.
type Settings struct {
	BatchSize        int
	MemoryLimitBytes int64
	Streaming        bool
	Parallel         bool
	GCEveryRecords   int
}

// ClassifyBySize picks a Profile from an estimated on-disk table size:
// under 10 MB small, under 1 GB medium, under 10 GB large, anything
// bigger enterprise.
func ClassifyBySize(estimatedBytes int64) Profile {
	switch {
	case estimatedBytes < 10*mib:
		return ProfileSmall
	case estimatedBytes < gib:
		return ProfileMedium
	case estimatedBytes < 10*gib:
		return ProfileLarge
	default:
		return ProfileEnterprise
	}
}

// SettingsFor returns the fixed settings bundle for profile.
func SettingsFor(profile Profile) Settings {
	switch profile {
	case ProfileSmall:
		return Settings{BatchSize: 200, MemoryLimitBytes: 200 * mib, Streaming: false, Parallel: false, GCEveryRecords: 1000}
	case ProfileMedium:
		return Settings{BatchSize: 100, MemoryLimitBytes: 500 * mib, Streaming: true, Parallel: false, GCEveryRecords: 1000}
	case ProfileLarge:
		return Settings{BatchSize: 50, MemoryLimitBytes: gib, Streaming: true, Parallel: true, GCEveryRecords: 1000}
	case ProfileEnterprise:
		return Settings{BatchSize: 25, MemoryLimitBytes: 2 * gib, Streaming: true, Parallel: true, GCEveryRecords: 1000}
	default:
		return SettingsFor(ProfileSmall)
	}
}

const (
	minBatchSize = 5
	maxBatchSize = 400
	highWater    = 0.85
	lowWater     = 0.40
	lowStreakCap = 3
	hardLimitPct = 1.1
)

// MemoryProbe reports the current process's resident set size.
// Platform-specific implementations can plug in behind it; the default
// approximates RSS from runtime.MemStats without a syscall.
type MemoryProbe interface {
	RSS() uint64
}

type runtimeProbe struct{}

// RSS approximates resident memory via runtime.MemStats.Sys, the total
// memory obtained from the OS — the closest stdlib-only proxy for RSS
// available without a platform-specific syscall per process.
func (runtimeProbe) RSS() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

// NewMemoryProbe returns the default runtime.MemStats-backed probe.
func NewMemoryProbe() MemoryProbe {
	return runtimeProbe{}
}

// Governor holds the mutable policy state for one table's (or one run's)
// conversion: current batch size, a low-RSS streak counter, and a record
// counter for GC cadence.
type Governor struct {
	profile        Profile
	settings       Settings
	probe          MemoryProbe
	batchSize      int
	lowStreak      int
	recordsSinceGC int
}

// New returns a Governor for profile. A positive memoryLimitOverride
// replaces the profile's default memory limit (config.Config's
// MemoryLimitBytes, when set). A nil probe uses NewMemoryProbe().
func New(profile Profile, memoryLimitOverride int64, probe MemoryProbe) *Governor {
	if probe == nil {
		probe = NewMemoryProbe()
	}
	settings := SettingsFor(profile)
	if memoryLimitOverride > 0 {
		settings.MemoryLimitBytes = memoryLimitOverride
	}
	return &Governor{profile: profile, settings: settings, probe: probe, batchSize: settings.BatchSize}
}

func (g *Governor) Profile() Profile          { return g.profile }
func (g *Governor) BatchSize() int            { return g.batchSize }
func (g *Governor) Streaming() bool           { return g.settings.Streaming }
func (g *Governor) ParallelEnabled() bool     { return g.settings.Parallel }
func (g *Governor) MemoryLimitBytes() int64   { return g.settings.MemoryLimitBytes }

// AfterBatch applies the adaptive sizing rule: if RSS exceeds 85% of
// the memory limit, halve the batch size (floor 5) and
// force a GC sweep; if RSS stays under 40% for three consecutive batches,
// multiply the batch size by 1.5 (cap 400). It also triggers a GC sweep
// every GCEveryRecords records regardless of memory pressure, per the
// governor's default GC cadence. bytesWritten is accepted for callers
// that want to log it but is not otherwise used by the policy, which
// reasons purely in terms of observed RSS.
func (g *Governor) AfterBatch(rowsWritten int, bytesWritten int64) (newBatchSize int, forcedGC bool) {
	limit := g.settings.MemoryLimitBytes
	if limit > 0 {
		rss := g.probe.RSS()
		ratio := float64(rss) / float64(limit)
		switch {
		case ratio > highWater:
			g.batchSize = maxInt(g.batchSize/2, minBatchSize)
			g.lowStreak = 0
			runtime.GC()
			forcedGC = true
		case ratio < lowWater:
			g.lowStreak++
			if g.lowStreak >= lowStreakCap {
				g.batchSize = minInt(int(float64(g.batchSize)*1.5), maxBatchSize)
				g.lowStreak = 0
			}
		default:
			g.lowStreak = 0
		}
	}

	g.recordsSinceGC += rowsWritten
	if g.settings.GCEveryRecords > 0 && g.recordsSinceGC >= g.settings.GCEveryRecords {
		if !forcedGC {
			runtime.GC()
		}
		forcedGC = true
		g.recordsSinceGC = 0
	}
	return g.batchSize, forcedGC
}

// ExceedsHardLimit reports the current RSS and whether it remains over
// 110% of the configured memory limit, the one memory-pressure case that
// surfaces as a fatal MemoryPressureError rather than being absorbed by
// AfterBatch's remediation.
func (g *Governor) ExceedsHardLimit() (uint64, bool) {
	rss := g.probe.RSS()
	limit := g.settings.MemoryLimitBytes
	if limit <= 0 {
		return rss, false
	}
	return rss, float64(rss) > float64(limit)*hardLimitPct
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
