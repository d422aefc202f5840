package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics метрики процесса для /health.
type ServerMetrics struct {
	StartTime time.Time
}

// NewServerMetrics создает новый экземпляр метрик.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{StartTime: time.Now()}
}

// Uptime время работы сервера, например "2h3m4s".
func (sm *ServerMetrics) Uptime() string {
	return time.Since(sm.StartTime).Truncate(time.Second).String()
}

// MemoryUsageMB занятая куча в MB.
func (sm *ServerMetrics) MemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}

// CPUUsage использование CPU процессом в процентах. Если метрику процесса
// получить не удалось, возвращается системная за 100мс.
func (sm *ServerMetrics) CPUUsage() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			return pct, nil
		}
	}

	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("cpu percent: no data")
	}
	return pcts[0], nil
}

// HealthReport тело ответа /health.
type HealthReport struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	MemoryMB       float64 `json:"memory_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	Goroutines     int     `json:"goroutines"`
	ActiveSessions int     `json:"active_sessions"`
	CachedTrials   int     `json:"cached_trials"`
	ServerTime     int64   `json:"server_time"`
}

// Report собирает метрики процесса. Ошибка CPU не делает сервер нездоровым.
func (sm *ServerMetrics) Report() HealthReport {
	cpuPct, _ := sm.CPUUsage()
	return HealthReport{
		Status:     "ok",
		Uptime:     sm.Uptime(),
		MemoryMB:   sm.MemoryUsageMB(),
		CPUPercent: cpuPct,
		Goroutines: runtime.NumGoroutine(),
		ServerTime: time.Now().Unix(),
	}
}
