// Package metrics provides lightweight counters for the analysis
// pipeline. Counters use sync/atomic so pipeline stages incur no mutex
// contention; latency statistics take one mutex per dimension and are
// updated at most once per run.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// knownRiskLevels lists the levels the assessor can produce. The map
// is pre-populated in New() so Snapshot() can iterate a fixed set
// without racing on map writes.
var knownRiskLevels = []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

// Metrics holds all runtime counters for a pipeline instance. Use New().
type Metrics struct {
	// Run counters
	RunsTotal     atomic.Int64
	RunsCompleted atomic.Int64
	RunsDegraded  atomic.Int64
	RunsFailed    atomic.Int64

	// Privacy counters
	AnonymityViolations atomic.Int64
	RecordsSkipped      atomic.Int64

	// Oracle counters
	OracleCalls        atomic.Int64
	OracleFailures     atomic.Int64
	UntrustedResponses atomic.Int64

	// Extraction volume
	PatternsExtracted atomic.Int64

	// Per-level outcome counts. Written only in New(); concurrent
	// reads are safe without a lock.
	riskLevels map[string]*atomic.Int64

	runMu   sync.Mutex
	runStat latencyStats

	oracleMu   sync.Mutex
	oracleStat latencyStats

	startTime time.Time
}

// New returns a Metrics with the start time recorded and per-level
// counters pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:  time.Now(),
		riskLevels: make(map[string]*atomic.Int64, len(knownRiskLevels)),
	}
	for _, level := range knownRiskLevels {
		m.riskLevels[level] = new(atomic.Int64)
	}
	return m
}

// RecordRiskLevel increments the outcome counter for the given level.
// Unknown levels are silently ignored.
func (m *Metrics) RecordRiskLevel(level string) {
	if c, ok := m.riskLevels[level]; ok {
		c.Add(1)
	}
}

// RecordRunLatency records the duration of one full pipeline run.
func (m *Metrics) RecordRunLatency(d time.Duration) {
	m.runMu.Lock()
	m.runStat.record(float64(d.Microseconds()) / 1000.0)
	m.runMu.Unlock()
}

// RecordOracleLatency records the round-trip time of one oracle call.
func (m *Metrics) RecordOracleLatency(d time.Duration) {
	m.oracleMu.Lock()
	m.oracleStat.record(float64(d.Microseconds()) / 1000.0)
	m.oracleMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON
// encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.runMu.Lock()
	run := m.runStat.snapshot()
	m.runMu.Unlock()

	m.oracleMu.Lock()
	oracle := m.oracleStat.snapshot()
	m.oracleMu.Unlock()

	levels := make(map[string]int64, len(m.riskLevels))
	for level, c := range m.riskLevels {
		if n := c.Load(); n > 0 {
			levels[level] = n
		}
	}

	return Snapshot{
		Runs: RunSnapshot{
			Total:     m.RunsTotal.Load(),
			Completed: m.RunsCompleted.Load(),
			Degraded:  m.RunsDegraded.Load(),
			Failed:    m.RunsFailed.Load(),
		},
		Privacy: PrivacySnapshot{
			AnonymityViolations: m.AnonymityViolations.Load(),
			RecordsSkipped:      m.RecordsSkipped.Load(),
		},
		Oracle: OracleSnapshot{
			Calls:              m.OracleCalls.Load(),
			Failures:           m.OracleFailures.Load(),
			UntrustedResponses: m.UntrustedResponses.Load(),
		},
		PatternsExtracted: m.PatternsExtracted.Load(),
		RiskLevels:        levels,
		Latency: LatencyGroup{
			RunMs:    run,
			OracleMs: oracle,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Runs              RunSnapshot      `json:"runs"`
	Privacy           PrivacySnapshot  `json:"privacy"`
	Oracle            OracleSnapshot   `json:"oracle"`
	PatternsExtracted int64            `json:"patternsExtracted"`
	RiskLevels        map[string]int64 `json:"riskLevels,omitempty"`
	Latency           LatencyGroup     `json:"latency"`
	UptimeSecs        float64          `json:"uptimeSecs"`
}

// RunSnapshot holds run-level counters.
type RunSnapshot struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Degraded  int64 `json:"degraded"`
	Failed    int64 `json:"failed"`
}

// PrivacySnapshot holds privacy boundary counters.
type PrivacySnapshot struct {
	AnonymityViolations int64 `json:"anonymityViolations"`
	RecordsSkipped      int64 `json:"recordsSkipped"`
}

// OracleSnapshot holds external call counters.
type OracleSnapshot struct {
	Calls              int64 `json:"calls"`
	Failures           int64 `json:"failures"`
	UntrustedResponses int64 `json:"untrustedResponses"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	RunMs    LatencySnapshot `json:"runMs"`
	OracleMs LatencySnapshot `json:"oracleMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
