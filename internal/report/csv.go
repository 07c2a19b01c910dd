package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/csv"

	"github.com/23skdu/longbow-diffbench/internal/bench"
)

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Encode writes a header line and one row per record.
func Encode(w io.Writer, recs ...bench.Record) error {
	rec := ToArrow(nil, recs...)
	defer rec.Release()

	cw := csv.NewWriter(w, Schema,
		csv.WithHeader(true),
		csv.WithBoolWriter(formatBool),
	)
	if err := cw.Write(rec); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	if err := cw.Flush(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return cw.Error()
}

// Decode reads every row of a CSV produced by Encode.
func Decode(r io.Reader) ([]bench.Record, error) {
	cr := csv.NewReader(r, Schema, csv.WithHeader(true), csv.WithChunk(-1))
	defer cr.Release()

	var out []bench.Record
	for cr.Next() {
		recs, err := FromArrow(cr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if err := cr.Err(); err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return out, nil
}

// WriteFile writes recs, one row each, to dir/name. The rows land in a
// temporary file that is renamed into place only once fully written, so a
// failed run never leaves a partial result behind.
func WriteFile(dir, name string, recs ...bench.Record) (string, error) {
	if len(recs) == 0 {
		return "", fmt.Errorf("write %s: no records", name)
	}
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := Encode(tmp, recs...); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmpName, err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename result: %w", err)
	}
	committed = true
	return path, nil
}

// ReadFile decodes the single record stored at path.
func ReadFile(path string) (bench.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return bench.Record{}, err
	}
	defer f.Close()
	recs, err := Decode(f)
	if err != nil {
		return bench.Record{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(recs) != 1 {
		return bench.Record{}, fmt.Errorf("%s: expected 1 row, got %d", path, len(recs))
	}
	return recs[0], nil
}
