package common

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Basic numeric helpers shared across algorithms, using gonum for robustness

// Norm calculates the Euclidean norm of a vector
func Norm(data []float64) float64 {
	return math.Sqrt(floats.Dot(data, data))
}

// Dot calculates the dot product of two equal-length vectors
func Dot(x, y []float64) float64 {
	return floats.Dot(x, y)
}

// IsFinite reports whether v is neither NaN nor infinite
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp constrains a value to a range
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
