// Package data loads pre-engineered trajectory series from CSV and writes
// evaluation ledgers. Feature engineering and normalization happen upstream;
// the files consumed here are already model-ready.
package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"battery-policy/internal/policy"
)

// Series is a flat, time-ordered telemetry series. Columns names the feature
// columns in model input order.
type Series struct {
	Columns  []string
	Features [][]float64
	Price    []float64
	PVPower  []float64
	Peak     []float64
}

// reserved columns; price and peak feed the tariff only, while pv_power is
// both a tariff input and a model feature.
const (
	colPrice   = "price"
	colPVPower = "pv_power"
	colPeak    = "peak"
)

// LoadSeriesCSV reads a trajectory CSV. The header must contain price,
// pv_power and peak; every column except price and peak becomes a feature in
// header order.
func LoadSeriesCSV(path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s has no data rows", path)
	}

	header := rows[0]
	idx := map[string]int{}
	s := &Series{}
	for i, name := range header {
		switch name {
		case colPrice, colPeak:
			idx[name] = i
		case colPVPower:
			idx[name] = i
			s.Columns = append(s.Columns, name)
		default:
			s.Columns = append(s.Columns, name)
		}
	}
	for _, required := range []string{colPrice, colPVPower, colPeak} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%s is missing the %q column", path, required)
		}
	}
	if len(s.Columns) == 0 {
		return nil, fmt.Errorf("%s has no feature columns", path)
	}

	for ri, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("%s row %d has %d fields, want %d", path, ri+1, len(row), len(header))
		}
		vals := make([]float64, len(row))
		for ci, cell := range row {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d column %q: %w", path, ri+1, header[ci], err)
			}
			vals[ci] = v
		}
		feat := make([]float64, 0, len(s.Columns))
		for ci, name := range header {
			switch name {
			case colPrice, colPeak:
			default:
				feat = append(feat, vals[ci])
			}
		}
		s.Features = append(s.Features, feat)
		s.Price = append(s.Price, vals[idx[colPrice]])
		s.PVPower = append(s.PVPower, vals[idx[colPVPower]])
		s.Peak = append(s.Peak, vals[idx[colPeak]])
	}
	return s, nil
}

// Batches slices the series into non-overlapping windows of seqLen steps and
// groups them batchSize trajectories at a time. Trailing rows that do not
// fill a window are dropped.
func (s *Series) Batches(seqLen, batchSize int) ([]*policy.Batch, error) {
	if seqLen <= 0 || batchSize <= 0 {
		return nil, fmt.Errorf("invalid window: seqLen=%d batchSize=%d", seqLen, batchSize)
	}
	windows := len(s.Features) / seqLen
	if windows == 0 {
		return nil, fmt.Errorf("series has %d rows, shorter than one %d-step window", len(s.Features), seqLen)
	}

	var out []*policy.Batch
	for start := 0; start < windows; start += batchSize {
		end := start + batchSize
		if end > windows {
			end = windows
		}
		b := &policy.Batch{}
		for w := start; w < end; w++ {
			lo := w * seqLen
			hi := lo + seqLen
			b.Features = append(b.Features, s.Features[lo:hi])
			b.Price = append(b.Price, s.Price[lo:hi])
			b.PVPower = append(b.PVPower, s.PVPower[lo:hi])
			b.Peak = append(b.Peak, s.Peak[lo:hi])
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// WriteRolloutCSV writes a per-timestep evaluation ledger for every
// trajectory in the batch.
func WriteRolloutCSV(path string, b *policy.Batch, r *policy.Rollout) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"trajectory",
		"step",
		"price",
		"pv_power",
		"peak",
		"grid_action",
		"solar_action",
		"soc",
		"cost",
		"cum_cost",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	grid := r.GridValues()
	solar := r.SolarValues()
	states := r.StateValues()
	costs := r.CostValues()

	batch, steps, _ := b.Dims()
	for bi := 0; bi < batch; bi++ {
		cum := 0.0
		for t := 0; t < steps; t++ {
			cum += costs[t][bi]
			row := []string{
				strconv.Itoa(bi),
				strconv.Itoa(t),
				fmtFloat(b.Price[bi][t]),
				fmtFloat(b.PVPower[bi][t]),
				fmtFloat(b.Peak[bi][t]),
				fmtFloat(grid[t][bi]),
				fmtFloat(solar[t][bi]),
				fmtFloat(states[t][bi]),
				fmtFloat(costs[t][bi]),
				fmtFloat(cum),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	return w.Error()
}

func fmtFloat(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
