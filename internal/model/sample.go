package model

import "time"

// MetricSample is an immutable point-in-time resource measurement for one
// instance. Samples are appended to a bounded per-instance history and never
// mutated after creation.
type MetricSample struct {
	InstanceID   string    `json:"instance_id"`
	CPUFraction  float64   `json:"cpu_fraction"`
	MemoryBytes  int64     `json:"memory_bytes"`
	StorageBytes int64     `json:"storage_bytes"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	LatencyMS    float64   `json:"latency_ms"`
	UptimeS      float64   `json:"uptime_s"`
	Timestamp    time.Time `json:"timestamp"`
}
