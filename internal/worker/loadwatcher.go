package worker

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/mnemora/mnemora/internal/logging"
)

// LoadWatcher samples system CPU and reports overload with hysteresis: the
// pipeline sheds background processing above the high threshold and resumes
// below the low one.
type LoadWatcher struct {
	mu sync.Mutex

	pollInterval time.Duration
	highPercent  float64
	lowPercent   float64

	history    []float64
	overloaded bool

	stopChan chan struct{}
	running  bool
}

// NewLoadWatcher creates a watcher with the default thresholds: shed above
// 85% average CPU, resume below 60%.
func NewLoadWatcher() *LoadWatcher {
	return &LoadWatcher{
		pollInterval: 2 * time.Second,
		highPercent:  85.0,
		lowPercent:   60.0,
		stopChan:     make(chan struct{}),
	}
}

// Start begins sampling.
func (w *LoadWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop()
	logging.Info("loadwatcher", "started (poll=%v, shed>%.0f%%, resume<%.0f%%)",
		w.pollInterval, w.highPercent, w.lowPercent)
}

// Stop stops sampling.
func (w *LoadWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopChan)
		w.running = false
	}
}

// Overloaded reports whether background work should be shed.
func (w *LoadWatcher) Overloaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overloaded
}

func (w *LoadWatcher) watchLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *LoadWatcher) poll() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Keep the last 5 readings and decide on the average.
	w.history = append(w.history, percents[0])
	if len(w.history) > 5 {
		w.history = w.history[1:]
	}
	if len(w.history) < 3 {
		return
	}

	var sum float64
	for _, v := range w.history {
		sum += v
	}
	avg := sum / float64(len(w.history))

	switch {
	case !w.overloaded && avg > w.highPercent:
		w.overloaded = true
		logging.Warn("loadwatcher", "CPU %.1f%%, shedding background processing", avg)
	case w.overloaded && avg < w.lowPercent:
		w.overloaded = false
		logging.Info("loadwatcher", "CPU %.1f%%, resuming background processing", avg)
	}
}
