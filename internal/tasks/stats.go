package tasks

import (
	"sync/atomic"
	"time"
)

// Stats tracks one task's execution accounting. All fields are atomics;
// the watchdog reads them without coordination.
type Stats struct {
	execCount   atomic.Uint64
	totalMicros atomic.Uint64
	maxMicros   atomic.Uint64
	misses      atomic.Uint64
	lastRunMs   atomic.Int64
}

// StatsSnapshot is the copy handed to health reports.
type StatsSnapshot struct {
	Name      string        `json:"name"`
	ExecCount uint64        `json:"exec_count"`
	TotalCPU  time.Duration `json:"total_cpu"`
	MaxExec   time.Duration `json:"max_exec"`
	Misses    uint64        `json:"misses"`
	LastRun   time.Time     `json:"last_run"`
}

func (s *Stats) record(elapsed time.Duration) {
	s.execCount.Add(1)
	us := uint64(elapsed.Microseconds())
	s.totalMicros.Add(us)
	for {
		cur := s.maxMicros.Load()
		if us <= cur || s.maxMicros.CompareAndSwap(cur, us) {
			break
		}
	}
	s.lastRunMs.Store(time.Now().UnixMilli())
}

func (s *Stats) recordMiss() { s.misses.Add(1) }

// LastRun reports the wall clock of the most recent completed tick.
func (s *Stats) LastRun() time.Time {
	ms := s.lastRunMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Stats) snapshot(name string) StatsSnapshot {
	return StatsSnapshot{
		Name:      name,
		ExecCount: s.execCount.Load(),
		TotalCPU:  time.Duration(s.totalMicros.Load()) * time.Microsecond,
		MaxExec:   time.Duration(s.maxMicros.Load()) * time.Microsecond,
		Misses:    s.misses.Load(),
		LastRun:   s.LastRun(),
	}
}
