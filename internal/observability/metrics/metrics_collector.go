// Package metrics provides metrics collection and exposition for the
// trainer. It integrates the Prometheus SDK to define and collect core
// training metrics including loss, accuracy, preference probability,
// step durations, and checkpoint activity.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// Collector manages Prometheus metrics collection
type Collector struct {
	// Prometheus registry
	registry *prometheus.Registry

	// Namespace for metrics
	namespace string

	// Registered metrics
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Enable process metrics
	EnableProcessMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// NewCollector creates a new metrics collector
func NewCollector(cfg CollectorConfig) *Collector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}
	if cfg.EnableProcessMetrics {
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	collector := &Collector{
		registry:   registry,
		namespace:  cfg.Namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	collector.registerCoreMetrics()

	return collector
}

// registerCoreMetrics registers the trainer metric families
func (c *Collector) registerCoreMetrics() {
	// Training loop metrics
	c.RegisterGauge("train_loss", "Preference loss of the last micro-batch", []string{"job_id"})
	c.RegisterGauge("train_loss_mean", "EMA-smoothed preference loss", []string{"job_id"})
	c.RegisterGauge("train_acc", "Preference accuracy of the last micro-batch", []string{"job_id"})
	c.RegisterGauge("train_acc_mean", "EMA-smoothed preference accuracy", []string{"job_id"})
	c.RegisterGauge("train_prob_mean", "EMA-smoothed preference probability", []string{"job_id"})
	c.RegisterGauge("train_learning_rate", "Current scheduler learning rate", []string{"job_id"})
	c.RegisterGauge("train_global_step", "Completed optimizer updates", []string{"job_id"})
	c.RegisterHistogram("train_step_duration_seconds", "Micro-batch step duration in seconds", []string{"job_id"}, prometheus.DefBuckets)

	// Evaluation metrics
	c.RegisterGauge("eval_loss_mean", "Mean evaluation loss", []string{"job_id"})
	c.RegisterGauge("eval_prob_mean", "Mean evaluation preference probability", []string{"job_id"})
	c.RegisterHistogram("eval_duration_seconds", "Evaluation pass duration in seconds", []string{"job_id"}, prometheus.DefBuckets)

	// Checkpoint metrics
	c.RegisterCounter("checkpoints_saved_total", "Total checkpoints written", []string{"job_id"})
	c.RegisterCounter("checkpoints_uploaded_total", "Total checkpoint artifacts uploaded", []string{"job_id", "bucket"})
	c.RegisterHistogram("checkpoint_save_duration_seconds", "Checkpoint save duration in seconds", []string{"job_id"}, prometheus.DefBuckets)

	// Epoch accounting
	c.RegisterCounter("epochs_completed_total", "Total completed training epochs", []string{"job_id"})
	c.RegisterCounter("micro_batches_total", "Total consumed micro-batches", []string{"job_id"})
}

// ============================================================================
// Metric Registration
// ============================================================================

// RegisterCounter registers a counter metric
func (c *Collector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)

	c.registry.MustRegister(counter)
	c.counters[name] = counter
}

// RegisterGauge registers a gauge metric
func (c *Collector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)

	c.registry.MustRegister(gauge)
	c.gauges[name] = gauge
}

// RegisterHistogram registers a histogram metric
func (c *Collector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	c.registry.MustRegister(histogram)
	c.histograms[name] = histogram
}

// ============================================================================
// Metric Updates
// ============================================================================

// Increment increments a counter metric
func (c *Collector) Increment(name string, labels map[string]string) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if exists {
		counter.With(labels).Inc()
	}
}

// Add adds a value to a counter metric
func (c *Collector) Add(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if exists {
		counter.With(labels).Add(value)
	}
}

// Set sets a gauge metric
func (c *Collector) Set(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if exists {
		gauge.With(labels).Set(value)
	}
}

// Observe records a histogram observation
func (c *Collector) Observe(name string, value float64, labels map[string]string) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if exists {
		histogram.With(labels).Observe(value)
	}
}

// ============================================================================
// Exposition
// ============================================================================

// Handler returns the Prometheus scrape handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts a metrics endpoint on the given address. Blocking; callers
// run it in its own goroutine.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("metrics endpoint failed: %w", err)
	}
	return nil
}
