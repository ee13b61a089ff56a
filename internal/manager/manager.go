// Package manager implements the worker manager (C10): it supervises a pool
// of workers, wakes one idle worker per Notify call (idle workers also
// re-check the queue every 2 seconds), and runs a periodic auto-scaler driven by queue depth and CPU
// load. Grounded on the teacher's consumer supervisor
// (internal/queue/consumer.go: atomic running flag, WaitGroup-backed
// shutdown) generalized from a fixed goroutine-per-queue model into a
// dynamically sized worker pool.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"

	"github.com/convoy-platform/message-core/internal/metrics"
	"github.com/convoy-platform/message-core/internal/storage"
	"github.com/convoy-platform/message-core/internal/worker"
)

// Config configures pool sizing and the auto-scaler (spec §4.10, §6).
type Config struct {
	MinWorkers         int
	MaxWorkers         int
	LeaseTTL           time.Duration // passed through to Dequeue
	ScaleUpThreshold   int           // queue_length above which we scale up
	ScaleDownThreshold int           // queue_length below which we scale down
	CPUThreshold       float64       // percent; above this, scale up
	CPUScaleDownBelow  float64       // percent; below this (and queue low), scale down
	CheckInterval      time.Duration // auto-scaler tick
	HealthWindow       time.Duration // sliding time window over which success_rate is computed
	MinSuccessRate     float64       // below this, a worker is restarted
	DrainTimeout       time.Duration
	Enabled            bool // auto-scaling on/off; pool still runs at MinWorkers when off
}

// WorkerFactory builds a fresh worker.Worker, used both for initial pool
// fill and for restarting an unhealthy one with a new identity.
type WorkerFactory func() *worker.Worker

// outcomeAt timestamps one processed message's disposition, pruned once it
// falls outside the health window.
type outcomeAt struct {
	at      time.Time
	success bool
}

// health tracks a sliding time window of per-worker outcomes for the
// restart decision (spec §4.10: "restarted (stop + new worker with fresh
// id)").
type health struct {
	mu            sync.Mutex
	processed     int
	failed        int
	window        []outcomeAt
	lastHeartbeat time.Time
	startedAt     time.Time
}

func newHealth() *health {
	now := time.Now()
	return &health{lastHeartbeat: now, startedAt: now}
}

func (h *health) record(success bool, windowDuration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.processed++
	if !success {
		h.failed++
	}
	h.lastHeartbeat = now
	h.window = append(h.window, outcomeAt{at: now, success: success})
	h.prune(now, windowDuration)
}

func (h *health) prune(now time.Time, windowDuration time.Duration) {
	cutoff := now.Add(-windowDuration)
	i := 0
	for ; i < len(h.window); i++ {
		if h.window[i].at.After(cutoff) {
			break
		}
	}
	h.window = h.window[i:]
}

func (h *health) successRate() (rate float64, sampleSize int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.window) == 0 {
		return 1, 0
	}
	successes := 0
	for _, o := range h.window {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(h.window)), len(h.window)
}

// slot is one supervised worker goroutine plus its lifecycle controls.
type slot struct {
	w      *worker.Worker
	health *health
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager supervises a dynamically sized pool of workers pulling from a
// single storage-backed queue, scaling and restarting them per spec §4.10.
type Manager struct {
	cfg     Config
	store   storage.Store
	factory WorkerFactory
	logger  *zap.Logger

	mu      sync.Mutex
	slots   map[string]*slot
	wakeup  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New builds a manager bound to store for queue depth/dequeue, using factory
// to mint workers.
func New(cfg Config, store storage.Store, factory WorkerFactory, logger *zap.Logger) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		factory: factory,
		logger:  logger,
		slots:   make(map[string]*slot),
		wakeup:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start fills the pool to MinWorkers and launches the auto-scaler (if
// enabled). It returns immediately; supervision runs on background
// goroutines until Shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.MinWorkers; i++ {
		m.spawn(ctx)
	}

	if m.cfg.Enabled {
		m.wg.Add(1)
		go m.autoScaleLoop(ctx)
	}
}

// Notify signals that a message became available, waking one idle worker.
// Per spec §4.10 this is a no-op (never blocks) when no worker is idle --
// the next worker to finish its current message will re-drain the queue.
func (m *Manager) Notify() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// spawn adds one worker to the pool and starts its supervision goroutine.
// Caller must not hold m.mu.
func (m *Manager) spawn(ctx context.Context) {
	w := m.factory()
	workerCtx, cancel := context.WithCancel(ctx)
	s := &slot{w: w, health: newHealth(), cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.slots[w.ID()] = s
	metrics.ActiveWorkers.Set(float64(len(m.slots)))
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(workerCtx, s)
}

// run is the per-worker supervision loop: dequeue-or-wait, process, record
// health, repeat until its context is cancelled.
func (m *Manager) run(ctx context.Context, s *slot) {
	defer m.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, lease, err := m.store.Dequeue(ctx, "", m.leaseTTL())
		if err != nil {
			m.logger.Warn("manager: dequeue failed", zap.Error(err))
			m.waitForWork(ctx)
			continue
		}
		if msg == nil {
			m.waitForWork(ctx)
			continue
		}

		// The in-flight message runs on a context that is not cancelled with
		// the worker's, so scale-down and Shutdown let it finish.
		outcome := s.w.ProcessOne(context.WithoutCancel(ctx), *msg, *lease)
		success := outcome == worker.OutcomeSuccess || outcome == worker.OutcomeMissingAgent || outcome == worker.OutcomeInsufficientCredit
		s.health.record(success, m.healthWindow())

		if rate, n := s.health.successRate(); n >= minHealthSamples && rate < m.cfg.MinSuccessRate {
			m.logger.Warn("manager: worker unhealthy, restarting", zap.String("worker_id", s.w.ID()), zap.Float64("success_rate", rate))
			m.restart(ctx, s)
			return
		}
	}
}

// minHealthSamples is the smallest window population before success_rate is
// trusted enough to trigger a restart; avoids flapping on a single failure.
const minHealthSamples = 5

// waitForWork blocks until Notify fires, the context is cancelled, or a
// short poll interval elapses (covers the race where a message was enqueued
// just before this worker went idle and Notify's single-slot buffer was
// already drained by another worker).
func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.wakeup:
	case <-time.After(2 * time.Second):
	}
}

func (m *Manager) leaseTTL() time.Duration {
	if m.cfg.LeaseTTL > 0 {
		return m.cfg.LeaseTTL
	}
	return 300 * time.Second
}

func (m *Manager) healthWindow() time.Duration {
	if m.cfg.HealthWindow <= 0 {
		return 5 * time.Minute
	}
	return m.cfg.HealthWindow
}

// restart removes s from the pool and spawns a replacement with a fresh id,
// per spec §4.10 ("stop + new worker with fresh id").
func (m *Manager) restart(ctx context.Context, s *slot) {
	m.mu.Lock()
	delete(m.slots, s.w.ID())
	m.mu.Unlock()
	s.cancel()

	select {
	case <-ctx.Done():
		return
	default:
		m.spawn(ctx)
	}
}

// autoScaleLoop runs the periodic scale-up/scale-down evaluation (spec
// §4.10).
func (m *Manager) autoScaleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateScale(ctx)
		}
	}
}

func (m *Manager) evaluateScale(ctx context.Context) {
	stats, err := m.store.Stats(ctx, "")
	if err != nil {
		m.logger.Warn("manager: stats read failed", zap.Error(err))
		return
	}

	cpuLoad := sampleCPU(m.logger)
	metrics.ObservedCPULoad.Set(cpuLoad)

	m.mu.Lock()
	current := len(m.slots)
	m.mu.Unlock()

	switch {
	case (stats.Depth > m.cfg.ScaleUpThreshold || cpuLoad > m.cfg.CPUThreshold) && current < m.cfg.MaxWorkers:
		m.logger.Info("manager: scaling up", zap.Int("current", current), zap.Int("queue_depth", stats.Depth), zap.Float64("cpu", cpuLoad))
		m.spawn(ctx)
	case stats.Depth < m.cfg.ScaleDownThreshold && cpuLoad < m.cfg.CPUScaleDownBelow && current > m.cfg.MinWorkers:
		m.logger.Info("manager: scaling down", zap.Int("current", current), zap.Int("queue_depth", stats.Depth), zap.Float64("cpu", cpuLoad))
		m.scaleDownOne()
	}
}

// scaleDownOne cancels an arbitrary worker's context; it finishes its
// current message (if any) before its run loop observes cancellation.
func (m *Manager) scaleDownOne() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.slots {
		s.cancel()
		delete(m.slots, id)
		metrics.ActiveWorkers.Set(float64(len(m.slots)))
		return
	}
}

func sampleCPU(logger *zap.Logger) float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		logger.Warn("manager: cpu sample failed", zap.Error(err))
		return 0
	}
	return percents[0]
}

// Shutdown stops accepting new messages, cancels all worker contexts, and
// waits up to DrainTimeout for in-flight processing to finish.
func (m *Manager) Shutdown() {
	close(m.stop)

	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.slots = make(map[string]*slot)
	metrics.ActiveWorkers.Set(0)
	m.mu.Unlock()

	for _, s := range slots {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timeout := m.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("manager: shutdown drain timed out")
	}
}

// ActiveWorkerCount reports the current pool size.
func (m *Manager) ActiveWorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
