package prover

import (
	"sync"
	"time"
)

const statsWindowSize = 5

// KindStats is the bounded rolling window for one proof kind.
type KindStats struct {
	Count       uint64
	AvgLatency  float64
	LastSamples []int64 // most recent last, at most statsWindowSize entries
}

// Stats records proving outcomes per proof kind for operator observability.
// It is a side effect with no correctness impact.
type Stats struct {
	mu        sync.Mutex
	kinds     map[ProofKind]*KindStats
	lastError string
	lastAt    time.Time
}

// NewStats returns an empty statistics window.
func NewStats() *Stats {
	return &Stats{kinds: make(map[ProofKind]*KindStats)}
}

// Record folds one outcome into the window. err may be nil.
func (s *Stats) Record(kind ProofKind, elapsedMs int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.kinds[kind]
	if !ok {
		ks = &KindStats{}
		s.kinds[kind] = ks
	}
	ks.Count++
	// running average
	ks.AvgLatency += (float64(elapsedMs) - ks.AvgLatency) / float64(ks.Count)
	ks.LastSamples = append(ks.LastSamples, elapsedMs)
	if len(ks.LastSamples) > statsWindowSize {
		ks.LastSamples = ks.LastSamples[len(ks.LastSamples)-statsWindowSize:]
	}
	if err != nil {
		s.lastError = err.Error()
		s.lastAt = time.Now()
	}
}

// Snapshot returns a copy of the per-kind windows and the last error slot.
func (s *Stats) Snapshot() (map[ProofKind]KindStats, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[ProofKind]KindStats, len(s.kinds))
	for k, v := range s.kinds {
		samples := make([]int64, len(v.LastSamples))
		copy(samples, v.LastSamples)
		out[k] = KindStats{Count: v.Count, AvgLatency: v.AvgLatency, LastSamples: samples}
	}
	return out, s.lastError
}
