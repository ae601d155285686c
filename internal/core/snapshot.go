package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlatformInfo identifies the host the process runs on.
type PlatformInfo struct {
	OS              string   `json:"os" yaml:"os"`
	Arch            string   `json:"arch" yaml:"arch"`
	GoVersion       string   `json:"go_version" yaml:"go_version"`
	Hostname        string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Platform        string   `json:"platform,omitempty" yaml:"platform,omitempty"`
	PlatformVersion string   `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
	KernelVersion   string   `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	CPUModel        string   `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	CPUThreads      int      `json:"cpu_threads,omitempty" yaml:"cpu_threads,omitempty"`
	GPUs            []string `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// DiagnosticSnapshot is an immutable point-in-time readout of process health.
type DiagnosticSnapshot struct {
	Timestamp        time.Time      `json:"timestamp" yaml:"timestamp"`
	Platform         PlatformInfo   `json:"platform" yaml:"platform"`
	MemoryRatio      *float64       `json:"memory_ratio" yaml:"memory_ratio"`
	StorageHealthy   bool           `json:"storage_healthy" yaml:"storage_healthy"`
	NetworkReachable bool           `json:"network_reachable" yaml:"network_reachable"`
	KeyCounts        map[string]int `json:"key_counts" yaml:"key_counts"`

	Goroutines  int           `json:"goroutines" yaml:"goroutines"`
	HeapAllocMB float64       `json:"heap_alloc_mb" yaml:"heap_alloc_mb"`
	OpenFDs     int           `json:"open_fds" yaml:"open_fds"`
	Uptime      time.Duration `json:"uptime" yaml:"uptime"`
}

// Encode serializes the snapshot into the store's string form.
func (s DiagnosticSnapshot) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot: %w", err)
	}
	return string(data), nil
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(value string) (DiagnosticSnapshot, error) {
	var s DiagnosticSnapshot
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return DiagnosticSnapshot{}, fmt.Errorf("parsing snapshot: %w", err)
	}
	if s.Timestamp.IsZero() {
		return DiagnosticSnapshot{}, fmt.Errorf("snapshot: missing timestamp")
	}
	return s, nil
}

// IntegrityResult is produced fresh by every integrity check. It is never
// persisted.
type IntegrityResult struct {
	StorageOK   bool     `json:"storage_ok"`
	MemoryOK    bool     `json:"memory_ok"`
	Reasons     []string `json:"reasons,omitempty"`
	MemoryRatio *float64 `json:"memory_ratio,omitempty"`
}

// OK reports whether both probes passed.
func (r IntegrityResult) OK() bool {
	return r.StorageOK && r.MemoryOK
}
