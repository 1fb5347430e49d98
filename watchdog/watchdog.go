// Package watchdog samples process memory in the background and runs
// registered cleanup callbacks when the heap crosses a high-water mark.
//
// The watchdog is best-effort: a panicking or failing callback is
// logged and ignored, and nothing it does is visible to the pipeline
// beyond the caches the callbacks choose to drop.
package watchdog

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/minios-linux/epubtrans/metrics"
)

// Options configures a Watchdog.
type Options struct {
	// Interval between samples (default 10s).
	Interval time.Duration
	// HighWater is the heap size in bytes that triggers a cleanup
	// (default 512 MiB).
	HighWater uint64

	Metrics *metrics.Recorder
	Verbose bool
	OnLog   func(format string, args ...any)

	// heap replaces the runtime sample in tests.
	heap func() uint64
}

func (o Options) effectiveInterval() time.Duration {
	if o.Interval > 0 {
		return o.Interval
	}
	return 10 * time.Second
}

func (o Options) effectiveHighWater() uint64 {
	if o.HighWater > 0 {
		return o.HighWater
	}
	return 512 << 20
}

// Watchdog runs cleanups under memory pressure.
type Watchdog struct {
	opts Options

	mu       sync.Mutex
	cleanups []cleanup
	runs     int
}

type cleanup struct {
	name string
	fn   func()
}

// New returns a watchdog with no cleanups registered.
func New(opts Options) *Watchdog {
	if opts.heap == nil {
		opts.heap = heapInUse
	}
	return &Watchdog{opts: opts}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Register adds a cleanup callback. Callbacks run in registration order.
func (w *Watchdog) Register(name string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanups = append(w.cleanups, cleanup{name: name, fn: fn})
}

// Runs returns how many times cleanups were triggered.
func (w *Watchdog) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// Run samples memory until ctx is done. It always returns nil so it can
// share an errgroup with the pipeline without cancelling it.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.effectiveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check takes one sample and cleans up when over the high-water mark.
// It reports whether cleanups ran.
func (w *Watchdog) Check(ctx context.Context) bool {
	heap := w.opts.heap()
	limit := w.opts.effectiveHighWater()
	if w.opts.Verbose {
		log.Printf("[DEBUG] heap in use %s (limit %s)", humanize.IBytes(heap), humanize.IBytes(limit))
	}
	if heap < limit {
		return false
	}

	w.mu.Lock()
	w.runs++
	list := append([]cleanup(nil), w.cleanups...)
	w.mu.Unlock()

	w.logf("Memory high-water mark reached (%s in use, limit %s), running %d cleanups",
		humanize.IBytes(heap), humanize.IBytes(limit), len(list))
	for _, c := range list {
		if err := safeCall(c.fn); err != nil {
			w.logf("Cleanup %s failed: %v", c.name, err)
		}
	}
	debug.FreeOSMemory()
	w.opts.Metrics.Cleanup(ctx, heap)
	return true
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

func (w *Watchdog) logf(format string, args ...any) {
	if w.opts.OnLog != nil {
		w.opts.OnLog(format, args...)
	}
}
