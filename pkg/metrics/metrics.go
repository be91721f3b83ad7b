// Package metrics is the in-process counters registry for the gateway:
// per-endpoint latency stats, posture and policy verdict totals, missing
// evidence totals, and the PDL (posture decision latency) stat.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	posture         map[string]int64
	verdict         map[string]int64
	caseStatus      map[string]int64
	missingEvidence map[string]int64
	gauges          map[string]float64
	pdl             LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Postures        map[string]int64        `json:"postures"`
	PolicyVerdicts  map[string]int64        `json:"policy_verdicts"`
	CaseStatuses    map[string]int64        `json:"case_statuses"`
	MissingEvidence map[string]int64        `json:"missing_evidence"`
	Gauges          map[string]float64      `json:"gauges"`
	PDL             LatencyStat             `json:"pdl_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		posture:         map[string]int64{},
		verdict:         map[string]int64{},
		caseStatus:      map[string]int64{},
		missingEvidence: map[string]int64{},
		gauges:          map[string]float64{},
	}
}

func (r *Registry) ObserveEndpoint(route string, status int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) CountPosture(posture string) {
	r.mu.Lock()
	r.posture[posture]++
	r.mu.Unlock()
}

func (r *Registry) CountVerdict(verdict string) {
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) CountCaseStatus(status string) {
	r.mu.Lock()
	r.caseStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) CountMissingEvidence(criticality string) {
	r.mu.Lock()
	r.missingEvidence[criticality]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// ObservePDL records one posture decision latency.
func (r *Registry) ObservePDL(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pdl.Count++
	r.pdl.TotalMS += ms
	r.pdl.LastMS = ms
	if ms > r.pdl.MaxMS {
		r.pdl.MaxMS = ms
	}
	r.pdl.AvgMS = float64(r.pdl.TotalMS) / float64(r.pdl.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       map[string]EndpointStat{},
		Postures:        map[string]int64{},
		PolicyVerdicts:  map[string]int64{},
		CaseStatuses:    map[string]int64{},
		MissingEvidence: map[string]int64{},
		Gauges:          map[string]float64{},
		PDL:             r.pdl,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.posture {
		snap.Postures[k] = v
	}
	for k, v := range r.verdict {
		snap.PolicyVerdicts[k] = v
	}
	for k, v := range r.caseStatus {
		snap.CaseStatuses[k] = v
	}
	for k, v := range r.missingEvidence {
		snap.MissingEvidence[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}

// PrometheusHandler renders the counters in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		var b strings.Builder
		writeLabeled := func(metric, label string, values map[string]int64) {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "%s{%s=%q} %d\n", metric, label, k, values[k])
			}
		}
		writeLabeled("aerogate_posture_total", "posture", snap.Postures)
		writeLabeled("aerogate_policy_verdict_total", "verdict", snap.PolicyVerdicts)
		writeLabeled("aerogate_case_status_total", "status", snap.CaseStatuses)
		writeLabeled("aerogate_missing_evidence_total", "criticality", snap.MissingEvidence)
		fmt.Fprintf(&b, "aerogate_pdl_ms_count %d\n", snap.PDL.Count)
		fmt.Fprintf(&b, "aerogate_pdl_ms_sum %d\n", snap.PDL.TotalMS)
		fmt.Fprintf(&b, "aerogate_pdl_ms_max %d\n", snap.PDL.MaxMS)
		gaugeKeys := make([]string, 0, len(snap.Gauges))
		for k := range snap.Gauges {
			gaugeKeys = append(gaugeKeys, k)
		}
		sort.Strings(gaugeKeys)
		for _, k := range gaugeKeys {
			fmt.Fprintf(&b, "aerogate_gauge{name=%q} %g\n", k, snap.Gauges[k])
		}
		routes := make([]string, 0, len(snap.Endpoints))
		for k := range snap.Endpoints {
			routes = append(routes, k)
		}
		sort.Strings(routes)
		for _, route := range routes {
			stat := snap.Endpoints[route]
			fmt.Fprintf(&b, "aerogate_http_requests_total{route=%q} %d\n", route, stat.Count)
			fmt.Fprintf(&b, "aerogate_http_request_errors_total{route=%q} %d\n", route, stat.ErrorCount)
			fmt.Fprintf(&b, "aerogate_http_request_ms_avg{route=%q} %g\n", route, stat.AverageMillis)
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}
