package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ecowatt/internal/queue"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

// CPU assignment mirrors the firmware layout: the acquisition-side tasks
// share one core for deterministic polling, everything network-facing
// shares the other.
const (
	CPUAcquire = 0
	CPUNetwork = 1
)

// Fixed priority order, highest first. Priorities order task start-up and
// document intent; the Go scheduler itself is not priority-driven, the
// real-time guarantee comes from CPU pinning and bounded waits.
const (
	PrioritySensorPoll = 8
	PriorityUpload     = 7
	PriorityCompress   = 6
	PriorityCommand    = 5
	PriorityConfig     = 4
	PriorityPower      = 3
	PriorityOTA        = 2
	PriorityWatchdog   = 1
)

// ReloadConsumers is K: the number of tasks that consume configuration
// reload tokens (sensor-poll, compression, upload, command, config, power).
const ReloadConsumers = 6

// QueueSizes fixes every ring-stage capacity at boot.
type QueueSizes struct {
	Samples    int
	Compressed int
	Commands   int
}

func DefaultQueueSizes() QueueSizes {
	return QueueSizes{Samples: 64, Compressed: 16, Commands: 8}
}

// Manager owns the queues, semaphores, mutexes, and task lifecycle. It is
// constructed once at boot; any primitive allocation failure fails boot.
type Manager struct {
	SampleQ     *queue.Queue[models.Sample]
	CompressedQ *queue.Queue[models.CompressedPacket]
	CommandQ    *queue.Queue[models.Command]

	BatchReady   *BinarySemaphore
	ConfigReload *CountingSemaphore

	NetMutex      *TimedMutex
	NVSMutex      *TimedMutex
	PipelineMutex *TimedMutex

	uploadPeriodChanged atomic.Bool

	log     logging.Logger
	mu      sync.Mutex
	runners []*runner
	started bool

	wg          sync.WaitGroup
	cancel      context.CancelFunc
	suspendGate atomic.Pointer[chan struct{}]
}

// NewManager allocates every shared primitive.
func NewManager(sizes QueueSizes, log logging.Logger) (*Manager, error) {
	sq, err := queue.New[models.Sample](sizes.Samples)
	if err != nil {
		return nil, fmt.Errorf("%w: sample queue: %v", ErrAllocation, err)
	}
	cq, err := queue.New[models.CompressedPacket](sizes.Compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: compressed queue: %v", ErrAllocation, err)
	}
	cmdq, err := queue.New[models.Command](sizes.Commands)
	if err != nil {
		return nil, fmt.Errorf("%w: command queue: %v", ErrAllocation, err)
	}
	reload, err := NewCountingSemaphore(ReloadConsumers)
	if err != nil {
		return nil, err
	}
	return &Manager{
		SampleQ:       sq,
		CompressedQ:   cq,
		CommandQ:      cmdq,
		BatchReady:    NewBinarySemaphore(),
		ConfigReload:  reload,
		NetMutex:      NewTimedMutex(),
		NVSMutex:      NewTimedMutex(),
		PipelineMutex: NewTimedMutex(),
		log:           log,
	}, nil
}

// Register adds a task before StartAll. Registration after start is a
// programming error.
func (m *Manager) Register(spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("tasks: register %q after start", spec.Name)
	}
	if spec.Tick == nil || spec.Period == nil {
		return fmt.Errorf("tasks: task %q missing tick or period", spec.Name)
	}
	m.runners = append(m.runners, &runner{spec: spec, stats: &Stats{}, log: m.log})
	return nil
}

// StartAll spawns every registered task, highest priority first.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("tasks: already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	sort.SliceStable(m.runners, func(i, j int) bool {
		return m.runners[i].spec.Priority > m.runners[j].spec.Priority
	})
	for _, r := range m.runners {
		m.wg.Add(1)
		go r.run(ctx, m)
	}
	m.started = true
	return nil
}

// Stop cancels every task and waits for the loops to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.ResumeAll()
	m.wg.Wait()
}

// SuspendAllExceptOTA freezes every non-exempt task at its next scheduling
// point. The OTA task holds the network mutex across suspend/apply so no
// frozen task can be parked inside it.
func (m *Manager) SuspendAllExceptOTA() {
	gate := make(chan struct{})
	m.suspendGate.Store(&gate)
}

// ResumeAll releases every task frozen by SuspendAllExceptOTA.
func (m *Manager) ResumeAll() {
	if gate := m.suspendGate.Swap(nil); gate != nil {
		close(*gate)
	}
}

// Suspended reports whether the fleet is currently frozen.
func (m *Manager) Suspended() bool { return m.suspendGate.Load() != nil }

// MarkUploadPeriodChanged sets the dedicated flag the uploader consumes;
// the uploader is the task that produces reload tokens, so it cannot learn
// about its own period through them.
func (m *Manager) MarkUploadPeriodChanged() { m.uploadPeriodChanged.Store(true) }

// ConsumeUploadPeriodChanged reports-and-clears the flag.
func (m *Manager) ConsumeUploadPeriodChanged() bool {
	return m.uploadPeriodChanged.Swap(false)
}

// StatsFor returns the live stats slot of a task, nil if unknown.
func (m *Manager) StatsFor(name string) *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.spec.Name == name {
			return r.stats
		}
	}
	return nil
}

// Snapshots returns per-task stats copies ordered by priority.
func (m *Manager) Snapshots() []StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatsSnapshot, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.stats.snapshot(r.spec.Name))
	}
	return out
}

// PeriodValue adapts an atomically-updated millisecond period into the
// Period func a Spec wants.
func PeriodValue(ms *atomic.Int64) func() time.Duration {
	return func() time.Duration { return time.Duration(ms.Load()) * time.Millisecond }
}
