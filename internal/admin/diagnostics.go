// Package admin collects the operational state behind the
// GET_WEBSOCKET_DIAGNOSTICS admin command: upgrade traces, termination
// history, and process resource usage.
package admin

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const ringSize = 50

// UpgradeCapture is one recorded websocket upgrade request.
type UpgradeCapture struct {
	Endpoint   string              `json:"endpoint"`
	RemoteAddr string              `json:"remoteAddr"`
	Headers    map[string][]string `json:"headers"`
	Timestamp  string              `json:"timestamp"`
}

// Termination is one recorded connection close.
type Termination struct {
	ClientID  string `json:"clientId"`
	Endpoint  string `json:"endpoint"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Recorder keeps fixed-size rings of recent upgrades and terminations.
// Safe for concurrent use; oldest entries are overwritten.
type Recorder struct {
	mu           sync.Mutex
	upgrades     []UpgradeCapture
	terminations []Termination
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordUpgrade captures the headers of an accepted upgrade request.
// Cookie and authorization material is redacted before storage.
func (r *Recorder) RecordUpgrade(endpoint, remoteAddr string, headers http.Header) {
	captured := make(map[string][]string, len(headers))
	for k, v := range headers {
		switch http.CanonicalHeaderKey(k) {
		case "Cookie", "Authorization", "Sec-Websocket-Protocol":
			captured[k] = []string{"[redacted]"}
		default:
			captured[k] = v
		}
	}
	r.mu.Lock()
	r.upgrades = appendRing(r.upgrades, UpgradeCapture{
		Endpoint:   endpoint,
		RemoteAddr: remoteAddr,
		Headers:    captured,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	r.mu.Unlock()
}

// RecordTermination captures a connection close and its reason.
func (r *Recorder) RecordTermination(clientID, endpoint, reason string) {
	r.mu.Lock()
	r.terminations = appendRing(r.terminations, Termination{
		ClientID:  clientID,
		Endpoint:  endpoint,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	r.mu.Unlock()
}

// Recent returns copies of both rings, newest last.
func (r *Recorder) Recent() ([]UpgradeCapture, []Termination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ups := make([]UpgradeCapture, len(r.upgrades))
	copy(ups, r.upgrades)
	terms := make([]Termination, len(r.terminations))
	copy(terms, r.terminations)
	return ups, terms
}

func appendRing[T any](ring []T, v T) []T {
	if len(ring) >= ringSize {
		copy(ring, ring[1:])
		ring[len(ring)-1] = v
		return ring
	}
	return append(ring, v)
}

// ProcessStats is the resource usage block of the diagnostics payload.
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryRSS  uint64  `json:"memoryRssBytes"`
	MemoryVMS  uint64  `json:"memoryVmsBytes"`
	NumThreads int32   `json:"numThreads"`
	UptimeSecs int64   `json:"uptimeSeconds"`
}

var startedAt = time.Now()

// CollectProcessStats reads CPU and memory usage of this process.
func CollectProcessStats() (*ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats := &ProcessStats{UptimeSecs: int64(time.Since(startedAt).Seconds())}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSS = mem.RSS
		stats.MemoryVMS = mem.VMS
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}
	return stats, nil
}
