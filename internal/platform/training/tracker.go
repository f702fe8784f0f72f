package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// No-op Sink
// ============================================================================

// NoopSink discards all metrics. Non-zero ranks log through it.
type NoopSink struct{}

// NewNoopSink creates a sink that discards everything
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) LogTrain(globalStep int, metrics map[string]float64) error { return nil }
func (s *NoopSink) LogEval(globalStep int, metrics map[string]float64) error  { return nil }
func (s *NoopSink) Close() error                                              { return nil }

// ============================================================================
// File Sink
// ============================================================================

// FileSink appends metric snapshots as JSON lines to a run file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

type metricRecord struct {
	Timestamp  string             `json:"timestamp"`
	Phase      string             `json:"phase"`
	GlobalStep int                `json:"global_step"`
	Metrics    map[string]float64 `json:"metrics"`
}

// NewFileSink creates a JSONL metric sink at the given path, creating
// parent directories as needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *FileSink) write(phase string, globalStep int, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(metricRecord{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Phase:      phase,
		GlobalStep: globalStep,
		Metrics:    metrics,
	})
}

// LogTrain records train-loop metrics
func (s *FileSink) LogTrain(globalStep int, metrics map[string]float64) error {
	return s.write("train", globalStep, metrics)
}

// LogEval records evaluation metrics
func (s *FileSink) LogEval(globalStep int, metrics map[string]float64) error {
	return s.write("eval", globalStep, metrics)
}

// Close flushes and closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ============================================================================
// Memory Sink
// ============================================================================

// MemorySink retains snapshots in memory. Tests assert against it.
type MemorySink struct {
	mu    sync.Mutex
	Train []LoggedMetrics
	Eval  []LoggedMetrics
}

// LoggedMetrics is one retained snapshot
type LoggedMetrics struct {
	GlobalStep int
	Metrics    map[string]float64
}

// NewMemorySink creates an in-memory metric sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) LogTrain(globalStep int, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Train = append(s.Train, LoggedMetrics{GlobalStep: globalStep, Metrics: cloneMetrics(metrics)})
	return nil
}

func (s *MemorySink) LogEval(globalStep int, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Eval = append(s.Eval, LoggedMetrics{GlobalStep: globalStep, Metrics: cloneMetrics(metrics)})
	return nil
}

func (s *MemorySink) Close() error { return nil }

func cloneMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RankZeroSink returns sink on rank zero and a NoopSink elsewhere, so
// the training loop can log unconditionally.
func RankZeroSink(rank int, sink TrackerSink) TrackerSink {
	if rank == 0 {
		return sink
	}
	return NewNoopSink()
}
