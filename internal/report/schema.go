package report

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-diffbench/internal/bench"
)

// Column order is the CSV column order.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "pipeline_cls", Type: arrow.BinaryTypes.String},
	{Name: "ckpt_id", Type: arrow.BinaryTypes.String},
	{Name: "variant", Type: arrow.BinaryTypes.String},
	{Name: "batch_size", Type: arrow.PrimitiveTypes.Int64},
	{Name: "num_inference_steps", Type: arrow.PrimitiveTypes.Int64},
	{Name: "fuse", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "fuse_vae", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "upcast_vae", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "run_fp32", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "no_sdpa", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "compile_unet", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "compile_vae", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "compile_mode", Type: arrow.BinaryTypes.String},
	{Name: "change_comp_config", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "do_quant", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "trials", Type: arrow.PrimitiveTypes.Int64},
	{Name: "time (secs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "time_min (secs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "time_max (secs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "time_std (secs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "memory (gbs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "actual_gpu_memory (gbs)", Type: arrow.PrimitiveTypes.Float64},
	{Name: "github_sha", Type: arrow.BinaryTypes.String},
}, nil)

// ToArrow converts records into one Arrow record batch. The caller must
// Release it.
func ToArrow(mem memory.Allocator, recs ...bench.Record) arrow.Record {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, r := range recs {
		i := 0
		str := func(v string) { b.Field(i).(*array.StringBuilder).Append(v); i++ }
		i64 := func(v int) { b.Field(i).(*array.Int64Builder).Append(int64(v)); i++ }
		bl := func(v bool) { b.Field(i).(*array.BooleanBuilder).Append(v); i++ }
		f64 := func(v float64) { b.Field(i).(*array.Float64Builder).Append(v); i++ }

		str(r.PipelineClass)
		str(r.Checkpoint)
		str(r.Variant)
		i64(r.BatchSize)
		i64(r.NumInferenceSteps)
		bl(r.Fuse)
		bl(r.FuseVAE)
		bl(r.UpcastVAE)
		bl(r.RunFP32)
		bl(r.NoSDPA)
		bl(r.CompileUNet)
		bl(r.CompileVAE)
		str(r.CompileMode)
		bl(r.ChangeCompConfig)
		bl(r.DoQuant)
		i64(r.Trials)
		f64(roundTo(r.TimeSecs, 6))
		f64(roundTo(r.TimeMinSecs, 6))
		f64(roundTo(r.TimeMaxSecs, 6))
		f64(roundTo(r.TimeStdSecs, 6))
		f64(roundTo(r.MemoryGiB, 3))
		f64(roundTo(r.DeviceMemoryGiB, 3))
		str(r.GitHubSHA)
	}
	return b.NewRecord()
}

// FromArrow decodes every row of rec. rec must follow Schema.
func FromArrow(rec arrow.Record) ([]bench.Record, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("decode record: schema mismatch: %s", rec.Schema())
	}
	out := make([]bench.Record, rec.NumRows())
	for row := range out {
		i := 0
		str := func() string { v := rec.Column(i).(*array.String).Value(row); i++; return v }
		i64 := func() int { v := rec.Column(i).(*array.Int64).Value(row); i++; return int(v) }
		bl := func() bool { v := rec.Column(i).(*array.Boolean).Value(row); i++; return v }
		f64 := func() float64 { v := rec.Column(i).(*array.Float64).Value(row); i++; return v }

		r := &out[row]
		r.PipelineClass = str()
		r.Checkpoint = str()
		r.Variant = str()
		r.BatchSize = i64()
		r.NumInferenceSteps = i64()
		r.Fuse = bl()
		r.FuseVAE = bl()
		r.UpcastVAE = bl()
		r.RunFP32 = bl()
		r.NoSDPA = bl()
		r.CompileUNet = bl()
		r.CompileVAE = bl()
		r.CompileMode = str()
		r.ChangeCompConfig = bl()
		r.DoQuant = bl()
		r.Trials = i64()
		r.TimeSecs = f64()
		r.TimeMinSecs = f64()
		r.TimeMaxSecs = f64()
		r.TimeStdSecs = f64()
		r.MemoryGiB = f64()
		r.DeviceMemoryGiB = f64()
		r.GitHubSHA = str()
	}
	return out, nil
}

func roundTo(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}
