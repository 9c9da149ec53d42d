package utils

import (
	"runtime"
	"runtime/metrics"
)

// ProcessStats 进程资源使用快照
type ProcessStats struct {
	Goroutines  int     `json:"goroutines"`
	NumCPU      int     `json:"numCpu"`
	HeapBytes   uint64  `json:"heapBytes"`
	TotalBytes  uint64  `json:"totalBytes"`
	MemoryUsage float64 `json:"memoryUsage"` // 堆对象占运行时内存的比例 0..1
	CPUUsage    float64 `json:"cpuUsage"`    // 进程启动以来非空闲 CPU 时间比例 0..1
}

var processSamples = []string{
	"/memory/classes/heap/objects:bytes",
	"/memory/classes/total:bytes",
	"/cpu/classes/idle:cpu-seconds",
	"/cpu/classes/total:cpu-seconds",
}

// ReadProcessStats 读取当前进程的资源使用情况，不涉及 I/O
func ReadProcessStats() ProcessStats {
	samples := make([]metrics.Sample, len(processSamples))
	for i, name := range processSamples {
		samples[i].Name = name
	}
	metrics.Read(samples)

	stats := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		HeapBytes:  sampleUint(samples[0]),
		TotalBytes: sampleUint(samples[1]),
	}
	if stats.TotalBytes > 0 {
		stats.MemoryUsage = clampRatio(float64(stats.HeapBytes) / float64(stats.TotalBytes))
	}

	idle, total := sampleFloat(samples[2]), sampleFloat(samples[3])
	if total > 0 {
		stats.CPUUsage = clampRatio(1 - idle/total)
	}
	return stats
}

func sampleUint(s metrics.Sample) uint64 {
	if s.Value.Kind() == metrics.KindUint64 {
		return s.Value.Uint64()
	}
	return 0
}

func sampleFloat(s metrics.Sample) float64 {
	if s.Value.Kind() == metrics.KindFloat64 {
		return s.Value.Float64()
	}
	return 0
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
