package ws

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

type HealthReport struct {
	Status   string        `json:"status"`
	Uptime   string        `json:"uptime"`
	Hub      HubStats      `json:"hub"`
	Tracking int           `json:"tracking_sessions"`
	Process  *ProcessStats `json:"process,omitempty"`
}

func processStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats := &ProcessStats{PID: p.Pid, Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		stats.Threads = n
	}
	return stats, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report := HealthReport{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Hub:      s.hub.Stats(),
		Tracking: s.tracker.Sessions(),
	}
	if ps, err := processStats(); err == nil {
		report.Process = ps
	} else {
		s.log.Debugw("process stats unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, report)
}
