package analyzer

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// CaptureMetadata describes the interface and host a capture was taken
// on, plus start/end statistics. Fields are populated on open and
// finalized when the capture stops; unset fields stay empty.
type CaptureMetadata struct {
	// Section-level description of the capturing host.
	Application string `json:"application,omitempty"`
	OS          string `json:"os,omitempty"`
	Hardware    string `json:"hardware,omitempty"`
	Comment     string `json:"comment,omitempty"`

	// Interface description.
	IfaceDesc     string `json:"iface_desc,omitempty"`
	IfaceHardware string `json:"iface_hardware,omitempty"`
	IfaceOS       string `json:"iface_os,omitempty"`
	IfaceSpeed    string `json:"iface_speed,omitempty"`
	IfaceSnaplen  uint32 `json:"iface_snaplen,omitempty"`

	// Capture statistics.
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Dropped   uint64    `json:"dropped"`
}

// hostDescription probes the capturing host for the metadata section.
func hostDescription() (osDesc, hwDesc string) {
	info, err := host.Info()
	if err != nil {
		return runtime.GOOS, runtime.GOARCH
	}
	osDesc = fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelVersion)
	hwDesc = info.KernelArch
	return osDesc, hwDesc
}

// CaptureStats counts decoded traffic for a running capture.
type CaptureStats struct {
	Packets uint64
	Events  uint64
	Bytes   uint64
	Dropped uint64
	mu      sync.Mutex
}

// CaptureStatsSnapshot is a copy of capture statistics without
// synchronization, for returning to callers.
type CaptureStatsSnapshot struct {
	Packets uint64 `json:"packets"`
	Events  uint64 `json:"events"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

func (s *CaptureStats) recordPacket(size int) {
	s.mu.Lock()
	s.Packets++
	s.Bytes += uint64(size)
	s.mu.Unlock()
}

func (s *CaptureStats) recordEvent() {
	s.mu.Lock()
	s.Events++
	s.mu.Unlock()
}

func (s *CaptureStats) recordDropped() {
	s.mu.Lock()
	s.Dropped++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *CaptureStats) Snapshot() CaptureStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CaptureStatsSnapshot{
		Packets: s.Packets,
		Events:  s.Events,
		Bytes:   s.Bytes,
		Dropped: s.Dropped,
	}
}
