package classify

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

const (
	defaultWindow     = 50
	defaultMinSamples = 5
	defaultSlowFactor = 2.0
	defaultMaxKeys    = 10000
)

// LatencyOptions tunes a Latency classifier. Zero values use the defaults.
type LatencyOptions struct {
	// Window is how many recent durations are kept per key.
	Window int
	// MinSamples is how many durations a key needs before it can be slow.
	MinSamples int
	// SlowFactor: a key is slow when its mean is at least SlowFactor times
	// the mean of every other tracked sample.
	SlowFactor float64
	// MaxKeys bounds memory; keys beyond it are not tracked and stay fast.
	MaxKeys int
}

func (o *LatencyOptions) applyDefaults() {
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	if o.MinSamples <= 0 {
		o.MinSamples = defaultMinSamples
	}
	if o.MinSamples > o.Window {
		o.MinSamples = o.Window
	}
	if o.SlowFactor <= 0 {
		o.SlowFactor = defaultSlowFactor
	}
	if o.MaxKeys <= 0 {
		o.MaxKeys = defaultMaxKeys
	}
}

// Latency classifies keys by their recent execution times relative to
// everything else the proxy runs. Unknown keys are fast.
type Latency struct {
	opts   LatencyOptions
	logger *slog.Logger

	// mu guards the map. Samples are added under the read lock; Forget
	// takes the write lock so totals never miss a removal.
	mu    sync.RWMutex
	stats map[string]*keyStats

	// totals over every sample currently in a window, so Classify does not
	// walk all keys.
	totalsMu sync.Mutex
	sum      float64
	count    int
}

var (
	_ Classifier = (*Latency)(nil)
	_ Observer   = (*Latency)(nil)
)

func NewLatency(opts LatencyOptions, logger *slog.Logger) *Latency {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Latency{
		opts:   opts,
		logger: logger.With("component", "latency_classifier"),
		stats:  make(map[string]*keyStats),
	}
}

// keyStats is a ring of the most recent durations in milliseconds.
type keyStats struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// add stores ms and returns the sample it overwrote, if any.
func (k *keyStats) add(ms float64) (evicted float64, didEvict bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.full {
		evicted, didEvict = k.samples[k.next], true
	}
	k.samples[k.next] = ms
	k.next++
	if k.next == len(k.samples) {
		k.next = 0
		k.full = true
	}
	return evicted, didEvict
}

func (k *keyStats) snapshot() (mean float64, n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	n = k.next
	if k.full {
		n = len(k.samples)
	}
	if n == 0 {
		return 0, 0
	}
	return stat.Mean(k.samples[:n], nil), n
}

func (l *Latency) addTotals(sum float64, count int) {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	l.sum += sum
	l.count += count
	if l.count == 0 {
		l.sum = 0
	}
}

func (l *Latency) totals() (float64, int) {
	l.totalsMu.Lock()
	defer l.totalsMu.Unlock()
	return l.sum, l.count
}

// Observe records how long an operation took.
func (l *Latency) Observe(key string, d time.Duration) {
	key = Normalize(key)
	ms := float64(d) / float64(time.Millisecond)

	l.mu.RLock()
	ks := l.stats[key]
	if ks != nil {
		l.record(ks, ms)
		l.mu.RUnlock()
		return
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	ks = l.stats[key]
	if ks == nil {
		if len(l.stats) >= l.opts.MaxKeys {
			l.logger.Debug("not tracking key, limit reached", "max_keys", l.opts.MaxKeys)
			return
		}
		ks = &keyStats{samples: make([]float64, l.opts.Window)}
		l.stats[key] = ks
	}
	l.record(ks, ms)
}

func (l *Latency) record(ks *keyStats, ms float64) {
	if old, ok := ks.add(ms); ok {
		l.addTotals(ms-old, 0)
		return
	}
	l.addTotals(ms, 1)
}

// Classify compares the key's mean with the mean of every other tracked
// sample. Keys without enough samples, or with nothing to compare against,
// are fast.
func (l *Latency) Classify(key string) slots.Class {
	key = Normalize(key)

	l.mu.RLock()
	ks := l.stats[key]
	l.mu.RUnlock()
	if ks == nil {
		return slots.Fast
	}
	mean, n := ks.snapshot()
	if n < l.opts.MinSamples {
		return slots.Fast
	}

	sum, count := l.totals()
	restCount := count - n
	if restCount <= 0 {
		return slots.Fast
	}
	rest := (sum - mean*float64(n)) / float64(restCount)
	if rest <= 0 {
		return slots.Fast
	}
	if mean >= l.opts.SlowFactor*rest {
		return slots.Slow
	}
	return slots.Fast
}

// Forget drops what was learned about key.
func (l *Latency) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key = Normalize(key)
	ks := l.stats[key]
	if ks == nil {
		return
	}
	mean, n := ks.snapshot()
	l.addTotals(-mean*float64(n), -n)
	delete(l.stats, key)
}
