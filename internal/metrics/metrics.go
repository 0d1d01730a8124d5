// Package metrics keeps process counters and histograms and renders them in
// the Prometheus text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	counterKind   kind = "counter"
	histogramKind kind = "histogram"
)

// labelSet is one series' label values keyed by label name.
type labelSet map[string]string

// key identifies the series inside its family.
func (l labelSet) key() string {
	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(l)) {
		b.WriteString(name)
		b.WriteByte(0)
		b.WriteString(l[name])
		b.WriteByte(0)
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

// format renders {a="1",b="2"} with an optional extra le label last in
// sort order, or "" when there are no labels.
func (l labelSet) format(le string) string {
	names := slices.Sorted(maps.Keys(l))
	if le != "" {
		names = append(names, "le")
		slices.Sort(names)
	}
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := l[name]
		if name == "le" && le != "" {
			v = le
		}
		parts = append(parts, name+`="`+labelEscaper.Replace(v)+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

type series struct {
	labels labelSet
	count  uint64
	sum    float64
	// buckets holds per-bucket (not cumulative) hits, with +Inf last.
	buckets []uint64
}

type family struct {
	name   string
	help   string
	kind   kind
	bounds []float64
	series map[string]*series
}

func (f *family) seriesFor(labels map[string]string) *series {
	ls := labelSet(labels)
	k := ls.key()
	s, ok := f.series[k]
	if !ok {
		s = &series{labels: maps.Clone(ls)}
		if s.labels == nil {
			s.labels = labelSet{}
		}
		if f.kind == histogramKind {
			s.buckets = make([]uint64, len(f.bounds)+1)
		}
		f.series[k] = s
	}
	return s
}

func (f *family) writeTo(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
	keys := slices.Sorted(maps.Keys(f.series))
	for _, k := range keys {
		s := f.series[k]
		if f.kind == counterKind {
			fmt.Fprintf(w, "%s%s %d\n", f.name, s.labels.format(""), s.count)
			continue
		}
		var cumulative uint64
		for i, hits := range s.buckets {
			cumulative += hits
			le := "+Inf"
			if i < len(f.bounds) {
				le = formatFloat(f.bounds[i])
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, s.labels.format(le), cumulative)
		}
		fmt.Fprintf(w, "%s_sum%s %s\n", f.name, s.labels.format(""), formatFloat(s.sum))
		fmt.Fprintf(w, "%s_count%s %d\n", f.name, s.labels.format(""), s.count)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Registry holds metric families. Samples for names that were never
// registered, or registered with another kind, are dropped.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: map[string]*family{}}
	r.registerDefaults()
	return r
}

var (
	jobBuckets      = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	messageBuckets  = []float64{50, 100, 250, 500, 1000, 5000, 15000, 60000, 180000, 300000, 600000}
	providerBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
)

func (r *Registry) registerDefaults() {
	for name, help := range map[string]string{
		"emulab_job_runs_total":               "Total periodic job runs by job and status.",
		"emulab_queue_messages_total":         "Total queue messages handled by queue and status.",
		"emulab_session_transitions_total":    "Total session state transitions by target state.",
		"emulab_sessions_started_total":       "Total session start attempts by status.",
		"emulab_terminations_scheduled_total": "Total termination tasks scheduled by trigger.",
		"emulab_retries_total":                "Total retries by operation.",
		"emulab_retry_exhausted_total":        "Total operations that exhausted retry attempts by operation.",
		"emulab_provider_operations_total":    "Total provider operation attempts by provider, operation, and status.",
		"emulab_agent_requests_total":         "Total device agent requests by endpoint and status.",
		"emulab_recordings_uploaded_total":    "Total recording segments handled by status.",
		"emulab_reconcile_repairs_total":      "Total repairs applied by reconciliation by kind.",
	} {
		r.RegisterCounter(name, help)
	}
	r.RegisterHistogram("emulab_job_duration_ms", "Periodic job duration in milliseconds by job.", jobBuckets)
	r.RegisterHistogram("emulab_queue_message_duration_ms", "Queue message handling duration in milliseconds by queue.", messageBuckets)
	r.RegisterHistogram("emulab_provider_operation_latency_ms", "Provider operation latency in milliseconds by provider, operation, and status.", providerBuckets)
}

func (r *Registry) RegisterCounter(name, help string) {
	r.register(&family{name: name, help: help, kind: counterKind})
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	bounds := slices.Clone(buckets)
	slices.Sort(bounds)
	r.register(&family{name: name, help: help, kind: histogramKind, bounds: bounds})
}

func (r *Registry) register(f *family) {
	f.series = map[string]*series{}
	r.mu.Lock()
	r.families[f.name] = f
	r.mu.Unlock()
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok && f.kind == counterKind {
		f.seriesFor(labels).count++
	}
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok || f.kind != histogramKind {
		return
	}
	s := f.seriesFor(labels)
	i, _ := slices.BinarySearch(f.bounds, value)
	s.buckets[i]++
	s.count++
	s.sum += value
}

// ObserveProvider records one provider call outcome.
func (r *Registry) ObserveProvider(provider, op, status string, durMS float64) {
	labels := map[string]string{"provider": provider, "op": op, "status": status}
	r.IncCounter("emulab_provider_operations_total", labels)
	r.ObserveHistogram("emulab_provider_operation_latency_ms", durMS, labels)
}

// Expose writes every family in name order.
func (r *Registry) Expose(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range slices.Sorted(maps.Keys(r.families)) {
		r.families[name].writeTo(w)
	}
}

func (r *Registry) Render() string {
	var buf bytes.Buffer
	r.Expose(&buf)
	return buf.String()
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Expose(w)
	})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
