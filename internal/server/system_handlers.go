package server

import (
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleSystemStatus reports process and host vitals plus the store's
// health flags. The CPU sample uses a short interval so the handler
// answers fast enough for dashboard polling.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int(s.clock.Now().Sub(s.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
	}

	cpuAvg, ramPct := s.hostStats()
	status["host"] = map[string]interface{}{
		"cpu_percent": cpuAvg,
		"ram_percent": ramPct,
	}

	if s.dataDir != "" {
		if usage, err := disk.Usage(s.dataDir); err == nil {
			status["disk"] = map[string]interface{}{
				"path":         s.dataDir,
				"used_percent": usage.UsedPercent,
				"free_mb":      usage.Free / 1024 / 1024,
			}
		}
	}

	if s.db != nil {
		status["store"] = map[string]interface{}{
			"path":      s.db.Path(),
			"recovered": s.db.Recovered(),
		}
	}

	if s.engine != nil {
		status["strategy"] = map[string]interface{}{
			"enabled":           s.engine.Enabled(),
			"sell_all_pending":  s.engine.Status().SellAllRebuy,
			"waiting_decisions": len(s.engine.WaitingList()),
		}
	}

	s.writeJSON(w, http.StatusOK, status)
}

// hostStats samples CPU over a short window and reads RAM usage. Both
// fall back to zero when the platform refuses the probe.
func (s *Server) hostStats() (cpuAvg, ramPct float64) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("CPU probe failed")
	} else if len(percents) > 0 {
		cpuAvg = percents[0]
	}

	stat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Memory probe failed")
		return cpuAvg, 0
	}
	return cpuAvg, stat.UsedPercent
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, names)
}

// handleRunJob fires a registered job outside its schedule. The run is
// asynchronous: slow jobs (the full data re-warm) must not hold the
// request open.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := s.jobs[name]
	if !ok || job == nil {
		s.writeError(w, http.StatusNotFound, "unknown job: "+name)
		return
	}

	go func() {
		if err := s.sched.RunNow(job); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job":    name,
		"status": "triggered",
	})
}
