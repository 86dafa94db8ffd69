package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hexaphore/meridian/internal/database"
)

// SystemHandlers serves host and database status.
type SystemHandlers struct {
	log         zerolog.Logger
	db          *database.DB
	startupTime time.Time
}

// NewSystemHandlers creates system handlers. db may be nil in tests.
func NewSystemHandlers(log zerolog.Logger, db *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system").Logger(),
		db:          db,
		startupTime: time.Now(),
	}
}

// SystemStatus is the GET /api/system payload.
type SystemStatus struct {
	Status      string        `json:"status"`
	UptimeHours float64       `json:"uptime_hours"`
	Goroutines  int           `json:"goroutines"`
	CPUPercent  float64       `json:"cpu_percent"`
	MemPercent  float64       `json:"mem_percent"`
	DiskFreeGB  float64       `json:"disk_free_gb"`
	DiskUsedPct float64       `json:"disk_used_pct"`
	Database    *DatabaseInfo `json:"database,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// DatabaseInfo summarizes the store for the status endpoint.
type DatabaseInfo struct {
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
	FreePages int64   `json:"free_pages"`
}

// HandleSystemStatus returns host resource usage and database size.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := h.systemStats()

	status := SystemStatus{
		Status:      "ok",
		UptimeHours: time.Since(h.startupTime).Hours(),
		Goroutines:  runtime.NumGoroutine(),
		CPUPercent:  cpuPct,
		MemPercent:  memPct,
		GeneratedAt: time.Now().UTC(),
	}

	if h.db != nil {
		if usage, err := disk.UsageWithContext(r.Context(), filepath.Dir(h.db.Path())); err != nil {
			h.log.Warn().Err(err).Msg("Failed to get disk usage")
		} else {
			status.DiskFreeGB = float64(usage.Free) / (1 << 30)
			status.DiskUsedPct = usage.UsedPercent
		}

		if stats, err := h.db.GetStats(); err != nil {
			h.log.Warn().Err(err).Msg("Failed to get database stats")
		} else {
			status.Database = &DatabaseInfo{
				SizeMB:    float64(stats.SizeBytes) / (1 << 20),
				WALSizeMB: float64(stats.WALSizeBytes) / (1 << 20),
				FreePages: stats.FreelistCount,
			}
		}
	}

	h.writeJSON(w, status)
}

// systemStats samples CPU and RAM usage. The CPU sample is taken over
// 100ms so the endpoint stays fast enough for dashboard polling.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
