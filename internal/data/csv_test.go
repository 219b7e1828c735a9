package data

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"battery-policy/internal/diff"
	"battery-policy/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
)

func writeCSV(t *testing.T, rows [][]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "series.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func TestLoadSeriesCSV(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"price", "pv_power", "peak", "price_ahead", "temp"},
		{"0.1", "2.0", "0", "0.15", "20"},
		{"0.2", "1.5", "1", "0.25", "21"},
	})

	s, err := LoadSeriesCSV(path)
	require.NoError(t, err)

	// pv_power is both a tariff input and a feature column.
	assert.Equal(t, []string{"pv_power", "price_ahead", "temp"}, s.Columns)
	require.Len(t, s.Features, 2)
	assert.Equal(t, []float64{2.0, 0.15, 20}, s.Features[0])
	assert.Equal(t, []float64{1.5, 0.25, 21}, s.Features[1])
	assert.Equal(t, []float64{0.1, 0.2}, s.Price)
	assert.Equal(t, []float64{2.0, 1.5}, s.PVPower)
	assert.Equal(t, []float64{0, 1}, s.Peak)
}

func TestLoadSeriesCSV_MissingReservedColumn(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"price", "pv_power", "temp"},
		{"0.1", "2.0", "20"},
	})
	_, err := LoadSeriesCSV(path)
	assert.ErrorContains(t, err, "peak")
}

func TestLoadSeriesCSV_BadCell(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"price", "pv_power", "peak"},
		{"0.1", "pv?", "0"},
	})
	_, err := LoadSeriesCSV(path)
	assert.Error(t, err)
}

func TestLoadSeriesCSV_NoDataRows(t *testing.T) {
	path := writeCSV(t, [][]string{
		{"price", "pv_power", "peak"},
	})
	_, err := LoadSeriesCSV(path)
	assert.Error(t, err)
}

func seriesOfLength(n int) *Series {
	s := &Series{Columns: []string{"pv_power"}}
	for i := 0; i < n; i++ {
		s.Features = append(s.Features, []float64{float64(i)})
		s.Price = append(s.Price, 0.1)
		s.PVPower = append(s.PVPower, float64(i))
		s.Peak = append(s.Peak, 0)
	}
	return s
}

func TestBatches_NonOverlappingWindows(t *testing.T) {
	s := seriesOfLength(10)

	batches, err := s.Batches(3, 2)
	require.NoError(t, err)

	// 10 rows -> 3 windows of 3 steps (one row dropped), grouped 2 + 1.
	require.Len(t, batches, 2)
	b0, s0, _ := batches[0].Dims()
	assert.Equal(t, 2, b0)
	assert.Equal(t, 3, s0)
	b1, _, _ := batches[1].Dims()
	assert.Equal(t, 1, b1)

	// Windows tile the series in order.
	assert.Equal(t, []float64{0}, batches[0].Features[0][0])
	assert.Equal(t, []float64{3}, batches[0].Features[1][0])
	assert.Equal(t, []float64{6}, batches[1].Features[0][0])
}

func TestBatches_SeriesTooShort(t *testing.T) {
	s := seriesOfLength(2)
	_, err := s.Batches(5, 2)
	assert.Error(t, err)

	_, err = s.Batches(0, 2)
	assert.Error(t, err)
}

func TestWriteRolloutCSV(t *testing.T) {
	b := &policy.Batch{
		Features: [][][]float64{{{1}, {2}}},
		PVPower:  [][]float64{{0.5, 1.5}},
		Price:    [][]float64{{0.1, 0.2}},
		Peak:     [][]float64{{0, 1}},
	}
	r := &policy.Rollout{
		Batch:  1,
		Grid:   []anydiff.Res{diff.Const([]float64{1}), diff.Const([]float64{-0.5})},
		Solar:  []anydiff.Res{diff.Const([]float64{1}), diff.Const([]float64{0})},
		States: []anydiff.Res{diff.Const([]float64{7}), diff.Const([]float64{4.5})},
		Costs:  []anydiff.Res{diff.Const([]float64{0.45}), diff.Const([]float64{0})},
	}

	path := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, WriteRolloutCSV(path, b, r))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "trajectory", rows[0][0])
	assert.Equal(t, "cum_cost", rows[0][len(rows[0])-1])

	// Second step accumulates the first step's cost.
	assert.Equal(t, "1", rows[2][1])
	assert.Equal(t, "0.450000", rows[2][len(rows[2])-1])
}
