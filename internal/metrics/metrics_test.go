package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("emulab_job_runs_total", map[string]string{"job": "inactivity_sweep", "status": "ok"})
	r.ObserveHistogram("emulab_job_duration_ms", 42, map[string]string{"job": "inactivity_sweep"})

	out := r.Render()
	if !strings.Contains(out, `emulab_job_runs_total{job="inactivity_sweep",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `emulab_job_duration_ms_count{job="inactivity_sweep"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
}

func TestObserveProviderRecordsCounterAndLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveProvider("aws", "terminate_instances", "ignored", 120)

	out := r.Render()
	if !strings.Contains(out, `emulab_provider_operations_total{op="terminate_instances",provider="aws",status="ignored"} 1`) {
		t.Fatalf("missing provider counter: %s", out)
	}
	if !strings.Contains(out, `emulab_provider_operation_latency_ms_bucket{le="250",op="terminate_instances",provider="aws",status="ignored"} 1`) {
		t.Fatalf("missing provider latency bucket: %s", out)
	}
}

func TestUnregisteredMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("not_registered_total", nil)
	if strings.Contains(r.Render(), "not_registered_total") {
		t.Fatal("unregistered metric should not render")
	}
}

func TestLabelEscaping(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("emulab_queue_messages_total", map[string]string{"queue": `a"b`, "status": "ok"})
	if !strings.Contains(r.Render(), `queue="a\"b"`) {
		t.Fatalf("expected escaped label: %s", r.Render())
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	r.RegisterHistogram("test_latency_ms", "Test latency.", []float64{100, 10})
	for _, v := range []float64{5, 10, 50, 500} {
		r.ObserveHistogram("test_latency_ms", v, nil)
	}

	out := r.Render()
	for _, want := range []string{
		`test_latency_ms_bucket{le="10"} 2`,
		`test_latency_ms_bucket{le="100"} 3`,
		`test_latency_ms_bucket{le="+Inf"} 4`,
		`test_latency_ms_sum 565`,
		`test_latency_ms_count 4`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in: %s", want, out)
		}
	}
}

func TestCounterKindMismatchIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.ObserveHistogram("emulab_job_runs_total", 1, nil)
	r.IncCounter("emulab_job_duration_ms", nil)
	out := r.Render()
	if strings.Contains(out, "emulab_job_runs_total_bucket") || strings.Contains(out, "emulab_job_duration_ms ") {
		t.Fatalf("mismatched kinds should not record: %s", out)
	}
}
