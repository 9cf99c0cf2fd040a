package stats

import (
	"bufio"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ProcessInfo is the host-level part of a stats snapshot. Empty strings
// leave the unknown placeholders in place.
type ProcessInfo struct {
	ProcessID       uint32
	Hostname        string
	OSName          string
	OSVersion       string
	KernelVersion   string
	GoVersion       string
	CPUUsage        float32
	TotalCPUUsage   float32
	MemoryUsage     uint64
	TotalMemory     uint64
	AvailableMemory uint64
	ReadBytes       uint64
	WrittenBytes    uint64
	Goroutines      int
	StartTime       time.Time
}

// ProcessInfoProvider supplies process metrics to the stats builder.
type ProcessInfoProvider interface {
	ProcessInfo() ProcessInfo
}

type cpuSample struct {
	at      time.Time
	process float64
	busy    float64
	total   float64
}

// RuntimeProvider reads process metrics from the Go runtime and, where a
// proc filesystem is mounted, from /proc.
type RuntimeProvider struct {
	start         time.Time
	hostname      string
	osVersion     string
	kernelVersion string
	fs            *procfs.FS

	mu   sync.Mutex
	last cpuSample
}

// NewRuntimeProvider captures the start time and the static host fields
// once.
func NewRuntimeProvider() *RuntimeProvider {
	p := &RuntimeProvider{start: time.Now()}
	if hostname, err := os.Hostname(); err == nil {
		p.hostname = hostname
	}
	p.osVersion = readOSVersion("/etc/os-release")
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		p.kernelVersion = strings.TrimSpace(string(data))
	}
	if fs, err := procfs.NewDefaultFS(); err == nil {
		p.fs = &fs
		p.last = p.sampleCPU(p.start)
	}
	return p
}

// ProcessInfo implements ProcessInfoProvider.
func (p *RuntimeProvider) ProcessInfo() ProcessInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	info := ProcessInfo{
		ProcessID:     uint32(os.Getpid()),
		Hostname:      p.hostname,
		OSName:        runtime.GOOS,
		OSVersion:     p.osVersion,
		KernelVersion: p.kernelVersion,
		GoVersion:     runtime.Version(),
		MemoryUsage:   mem.Alloc,
		TotalMemory:   mem.Sys,
		Goroutines:    runtime.NumGoroutine(),
		StartTime:     p.start,
	}
	if p.fs == nil {
		return info
	}

	if meminfo, err := p.fs.Meminfo(); err == nil {
		if meminfo.MemTotal != nil {
			info.TotalMemory = *meminfo.MemTotal * 1024
		}
		if meminfo.MemAvailable != nil {
			info.AvailableMemory = *meminfo.MemAvailable * 1024
		}
	}
	if self, err := p.fs.Self(); err == nil {
		if io, err := self.IO(); err == nil {
			info.ReadBytes = io.ReadBytes
			info.WrittenBytes = io.WriteBytes
		}
	}

	info.CPUUsage, info.TotalCPUUsage = p.cpuUsage(time.Now())
	return info
}

// cpuUsage reports usage percentages over the interval since the previous
// call. Process usage is normalized to the number of CPUs.
func (p *RuntimeProvider) cpuUsage(now time.Time) (float32, float32) {
	current := p.sampleCPU(now)

	p.mu.Lock()
	prev := p.last
	p.last = current
	p.mu.Unlock()

	var process, total float32
	if wall := current.at.Sub(prev.at).Seconds(); wall > 0 {
		used := (current.process - prev.process) / (wall * float64(runtime.NumCPU()))
		process = float32(clampPercent(used * 100))
	}
	if elapsed := current.total - prev.total; elapsed > 0 {
		total = float32(clampPercent((current.busy - prev.busy) / elapsed * 100))
	}
	return process, total
}

func (p *RuntimeProvider) sampleCPU(now time.Time) cpuSample {
	sample := cpuSample{at: now}
	if self, err := p.fs.Self(); err == nil {
		if st, err := self.Stat(); err == nil {
			sample.process = st.CPUTime()
		}
	}
	if st, err := p.fs.Stat(); err == nil {
		c := st.CPUTotal
		idle := c.Idle + c.Iowait
		sample.busy = c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		sample.total = sample.busy + idle
	}
	return sample
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// readOSVersion returns PRETTY_NAME (or VERSION_ID) from an os-release
// file, or "" when neither is present.
func readOSVersion(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var version string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "PRETTY_NAME":
			return value
		case "VERSION_ID":
			version = value
		}
	}
	return version
}

// Apply copies info into s and derives the run time from now. Empty host
// strings keep whatever s already holds.
func (s *ServerStats) Apply(info ProcessInfo, now time.Time) {
	s.ProcessID = info.ProcessID
	setIfKnown(&s.Hostname, info.Hostname)
	setIfKnown(&s.OSName, info.OSName)
	setIfKnown(&s.OSVersion, info.OSVersion)
	setIfKnown(&s.KernelVersion, info.KernelVersion)
	s.GoVersion = info.GoVersion
	s.CPUUsage = info.CPUUsage
	s.TotalCPUUsage = info.TotalCPUUsage
	s.MemoryUsage = info.MemoryUsage
	s.TotalMemory = info.TotalMemory
	s.AvailableMemory = info.AvailableMemory
	s.ReadBytes = info.ReadBytes
	s.WrittenBytes = info.WrittenBytes
	s.Goroutines = info.Goroutines
	s.StartTime = uint64(info.StartTime.UnixMicro())
	if now.After(info.StartTime) {
		s.RunTime = uint64(now.Sub(info.StartTime).Microseconds())
	}
}

// SetServerVersion records the version string and its packed semver.
func (s *ServerStats) SetServerVersion(version string) {
	if version == "" {
		return
	}
	s.ServerVersion = version
	s.ServerSemver, _ = Semver(version)
}

func setIfKnown(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
