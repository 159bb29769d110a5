package anomaly

import "math"

// Scaler standardizes feature vectors to zero mean and unit variance.
// Fitted parameters are part of the serialized model so that scoring after
// a save/load cycle is bit-identical.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitScaler(data [][]float64) *Scaler {
	dim := len(data[0])
	s := &Scaler{Mean: make([]float64, dim), Std: make([]float64, dim)}

	for _, row := range data {
		for i, v := range row {
			s.Mean[i] += v
		}
	}
	n := float64(len(data))
	for i := range s.Mean {
		s.Mean[i] /= n
	}

	for _, row := range data {
		for i, v := range row {
			d := v - s.Mean[i]
			s.Std[i] += d * d
		}
	}
	for i := range s.Std {
		s.Std[i] = math.Sqrt(s.Std[i] / n)
		if s.Std[i] == 0 {
			s.Std[i] = 1
		}
	}
	return s
}

func (s *Scaler) transformOne(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out
}

func (s *Scaler) transform(data [][]float64) [][]float64 {
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = s.transformOne(row)
	}
	return out
}
