package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeStats captures Go process health at a point in time.
type RuntimeStats struct {
	Goroutines    int
	MemoryAllocMB float64
	MemorySysMB   float64
	GCCount       uint32
}

// CollectRuntimeStats reads current Go runtime stats.
func CollectRuntimeStats() RuntimeStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeStats{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:   float64(mem.Sys) / 1024 / 1024,
		GCCount:       mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows to process_heartbeats.
type HeartbeatWriter struct {
	db          *sql.DB
	processName string
	hostname    string
	pid         int
	interval    time.Duration
	log         *slog.Logger
	stop        chan struct{}
	done        chan struct{}
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, processName string, interval time.Duration, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:          db,
		processName: processName,
		hostname:    hostname,
		pid:         os.Getpid(),
		interval:    interval,
		log:         logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one row immediately,
// then repeats at the configured interval until Stop or context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat writes a single row with current runtime stats.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	s := CollectRuntimeStats()
	_, err := hw.db.Exec(`
		INSERT INTO process_heartbeats (
			process_name, hostname, pid, timestamp,
			goroutines, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.processName, hw.hostname, hw.pid, time.Now().Unix(),
		s.Goroutines, s.MemoryAllocMB, s.MemorySysMB, s.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(); err != nil {
		hw.log.Error("heartbeat write failed", "error", err, "process", hw.processName)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				hw.log.Error("heartbeat write failed", "error", err, "process", hw.processName)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a process, with a staleness
// check so callers don't have to compute it.
type HeartbeatStatus struct {
	ProcessName   string         `json:"process_name"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Timestamp     time.Time      `json:"timestamp"`
	Goroutines    int            `json:"goroutines"`
	MemoryAllocMB float64        `json:"memory_alloc_mb"`
	MemorySysMB   float64        `json:"memory_sys_mb"`
	GCCount       int            `json:"gc_count"`
	Alive         bool           `json:"alive"`
	StaleSince    *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat for the given process.
// stalenessThreshold is typically 3x the write interval. Returns nil, nil
// when no heartbeat has been recorded yet.
func LatestHeartbeat(ctx context.Context, db *sql.DB, processName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT process_name, hostname, pid, timestamp,
		       goroutines, memory_alloc_mb, memory_sys_mb, gc_count
		FROM process_heartbeats
		WHERE process_name = ?
		ORDER BY timestamp DESC LIMIT 1`, processName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.ProcessName, &hs.Hostname, &hs.PID, &ts,
		&hs.Goroutines, &hs.MemoryAllocMB, &hs.MemorySysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}

	hs.Timestamp = time.Unix(ts, 0)
	age := time.Since(hs.Timestamp)
	if age <= stalenessThreshold {
		hs.Alive = true
	} else {
		stale := age - stalenessThreshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}
