package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQuantized(t *testing.T) {
	before := testutil.ToFloat64(QuantizedLayers.WithLabelValues("unet"))
	RecordQuantized("unet", 7)
	RecordQuantized("unet", 3)
	if got := testutil.ToFloat64(QuantizedLayers.WithLabelValues("unet")) - before; got != 10 {
		t.Errorf("expected counter to grow by 10, got %v", got)
	}
}

func TestRecordPeakMemory(t *testing.T) {
	RecordPeakMemory(1 << 30)
	RecordPeakMemory(512 << 20)
	if got := testutil.ToFloat64(PeakMemoryBytes); got != float64(512<<20) {
		t.Errorf("expected gauge to hold last value, got %v", got)
	}
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("ok"))
	RecordRun("ok")
	if got := testutil.ToFloat64(RunsTotal.WithLabelValues("ok")) - before; got != 1 {
		t.Errorf("expected one more ok run, got %v", got)
	}
}

func TestHistogramsAcceptObservations(t *testing.T) {
	RecordBuildStep("load", 20*time.Millisecond)
	RecordBuildStep("compile_unet", 2*time.Second)
	RecordWarmup(300 * time.Millisecond)
	RecordTrial(250 * time.Millisecond)

	if n := testutil.CollectAndCount(BuildStepDuration); n < 2 {
		t.Errorf("expected at least 2 step series, got %d", n)
	}
	if n := testutil.CollectAndCount(TrialDuration); n != 1 {
		t.Errorf("expected 1 trial series, got %d", n)
	}
}

func TestWriteTextfile(t *testing.T) {
	RecordPeakMemory(42)
	path := filepath.Join(t.TempDir(), "diffbench.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "diffbench_peak_memory_bytes 42") {
		t.Errorf("expected peak memory sample in textfile, got:\n%s", data)
	}
}
