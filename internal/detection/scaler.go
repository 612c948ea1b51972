package detection

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes feature columns to zero mean and unit variance.
// It is fitted per run and never persisted.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes column means and population standard deviations.
// Zero-variance columns get a scale of 1.
func FitScaler(rows [][]float64) *Scaler {
	if len(rows) == 0 {
		return &Scaler{}
	}
	cols := len(rows[0])
	s := &Scaler{Mean: make([]float64, cols), Scale: make([]float64, cols)}

	column := make([]float64, len(rows))
	for j := 0; j < cols; j++ {
		for i, row := range rows {
			column[i] = row[j]
		}
		mean, variance := stat.PopMeanVariance(column, nil)
		s.Mean[j] = mean
		sd := math.Sqrt(variance)
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		s.Scale[j] = sd
	}
	return s
}

// Transform returns standardized copies of rows.
func (s *Scaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Mean[j]) / s.Scale[j]
		}
		out[i] = scaled
	}
	return out
}
